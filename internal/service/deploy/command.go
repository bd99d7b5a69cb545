package deploy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/espforge/ota-stage/internal/buildmeta"
	"github.com/espforge/ota-stage/internal/config"
	"github.com/espforge/ota-stage/internal/logger"
	"github.com/espforge/ota-stage/internal/manifest"
	"github.com/espforge/ota-stage/internal/repository/staging"
)

// Options are inputs accepted by the deploy entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// FirmwarePath is the freshly built binary to stage.
	FirmwarePath string
	// ServerURL overrides the upload endpoint from configuration.
	ServerURL string
	// Version overrides the resolved firmware version.
	Version string
	// Board overrides the target hardware identifier.
	Board string
	// FlashMethod overrides the configured flash method.
	FlashMethod string
	// StagingDir overrides the local staging directory.
	StagingDir string
}

// Run stages the firmware locally and, in OTA mode, transmits it to the
// upload server. Remote staging failure is advisory: it is logged but never
// propagated, so the surrounding build/flash pipeline is not blocked.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "ota-deploy")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	applyOverrides(cfg, opts)

	firmware, err := os.ReadFile(filepath.Clean(opts.FirmwarePath))
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}

	meta := buildmeta.Resolve(cfg)
	m := manifest.New(meta.Version, meta.Board, firmware)

	logger.Infof(ctx, "Deployment - %s mode", meta.FlashMethod)
	logger.InfoKV(ctx, "Staging firmware",
		"version", m.Version, "board", m.Board, "size", m.Size, "md5", m.MD5)

	// Local staging always happens, whatever the flash method.
	repo := staging.NewFileRepository(cfg.StagingDir)
	if err = repo.Store(ctx, firmware, m); err != nil {
		return fmt.Errorf("stage firmware locally: %w", err)
	}

	logger.InfoKV(ctx, "Staged locally", "staging_dir", repo.Dir())

	if meta.FlashMethod != config.FlashMethodOTA {
		logger.Info(ctx, "Serial mode, remote staging skipped")

		return nil
	}

	if cfg.ServerURL == "" {
		logger.Warn(ctx, "No ota_server_url configured, remote staging skipped")

		return nil
	}

	if isDeployRunningNow(ctx) {
		logger.Warn(ctx, "Another deploy is in progress, remote staging skipped")

		return nil
	}

	if err = createMarker(); err != nil {
		return fmt.Errorf("create deploy marker: %w", err)
	}

	defer removeMarker()

	logger.Infof(ctx, "Uploading to %s...", cfg.ServerURL)

	up := newUploader(
		cfg.ServerURL,
		opts.FirmwarePath,
		meta,
		m.MD5,
		&http.Client{Timeout: cfg.UploadTimeout},
		cfg.MaxUploadAttempts,
		cfg.RetryDelay,
	)

	if err = up.Run(ctx); err != nil {
		// Advisory by contract: the build pipeline proceeds regardless.
		logger.ErrorKV(ctx, "Remote staging failed", "error", err, "attempts", up.attempts)

		return nil
	}

	logger.Infof(ctx, "Upload OK! v%s (%d bytes)", m.Version, m.Size)

	return nil
}

// applyOverrides folds CLI overrides into the loaded configuration.
func applyOverrides(cfg *config.Config, opts *Options) {
	if opts.ServerURL != "" {
		cfg.ServerURL = opts.ServerURL
	}

	if opts.Version != "" {
		cfg.FirmwareVersion = opts.Version
	}

	if opts.Board != "" {
		cfg.Board = opts.Board
	}

	if opts.FlashMethod != "" {
		cfg.FlashMethod = opts.FlashMethod
	}

	if opts.StagingDir != "" {
		cfg.StagingDir = opts.StagingDir
	}
}
