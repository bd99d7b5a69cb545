package deploy

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/espforge/ota-stage/internal/logger"
)

const (
	// MarkerFilename marks that a deploy is running right now. Two deploys
	// racing the single staging slot would corrupt it.
	MarkerFilename = "ota-deploy-marker.bin"

	// markerLifetime is the period after which a stale deploy marker is ignored.
	markerLifetime = 30 * time.Second

	// baseDeployExecutable is the deploy binary's name without extension.
	baseDeployExecutable = "ota-deploy"
)

// isDeployRunningNow checks presence of a marker file and attempts recovery
// if it looks stale: a leftover deploy process is terminated and the marker
// removed.
func isDeployRunningNow(ctx context.Context) bool {
	logger.Info(ctx, "Checking for the presence of a deploy marker")

	fileInfo, err := os.Stat(MarkerFilename)
	if err == nil {
		if time.Since(fileInfo.ModTime()) <= markerLifetime {
			return true
		}

		logger.Info(ctx, "The deploy marker is too old, attempting cleanup")

		if err = terminateProcessByName(deployExecutable()); err != nil {
			return true
		}

		if err = os.Remove(MarkerFilename); err != nil {
			return true
		}

		return false
	}

	if errors.Is(err, os.ErrNotExist) {
		return false
	}

	logger.Infof(ctx, "Unable to read deploy marker: %v", err)

	return false
}

// createMarker writes the deploy marker file.
func createMarker() error {
	marker, err := os.Create(MarkerFilename)
	if err != nil {
		return err
	}

	return marker.Close()
}

// removeMarker deletes the marker if it exists. Best effort.
func removeMarker() {
	if _, err := os.Stat(MarkerFilename); err == nil {
		_ = os.Remove(MarkerFilename)
	}
}

// terminateProcessByName tries to kill processes with the provided executable name.
func terminateProcessByName(processName string) error {
	processList, err := ps.Processes()
	if err != nil {
		return err
	}

	thisProcessID := os.Getpid()

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if process.Executable() != processName {
			continue
		}

		var runningProcess *os.Process

		runningProcess, err = os.FindProcess(process.Pid())
		if err != nil {
			return err
		}

		if err = runningProcess.Kill(); err != nil {
			return err
		}
	}

	return nil
}

// deployExecutable returns the deploy binary's name for the current platform.
func deployExecutable() string {
	if strings.Contains(strings.ToLower(runtime.GOOS), "windows") {
		return baseDeployExecutable + ".exe"
	}

	return baseDeployExecutable
}
