package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/espforge/ota-stage/internal/config"
	"github.com/espforge/ota-stage/internal/logger"
	"github.com/espforge/ota-stage/internal/metrics"
	"github.com/espforge/ota-stage/internal/repository/staging"
)

// Options controls the ota-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override (e.g. ":9090").
	ListenAddress string
	// FirmwareDir overrides the staging root from configuration.
	FirmwareDir string
}

const (
	// readHeaderTimeout bounds header reads only; request bodies stay
	// unbounded because firmware uploads may be slow and large.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout is how long in-flight uploads get to finish on shutdown.
	shutdownTimeout = 30 * time.Second
)

// Run starts the upload server and blocks until the context is canceled or
// the server stops. Configuration is loaded first; CLI overrides win over the
// settings file and the environment.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "ota-server")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if opts.FirmwareDir != "" {
		cfg.FirmwareDir = opts.FirmwareDir
	}

	listenAddress := cfg.ListenAddress()
	if opts.ListenAddress != "" {
		listenAddress = opts.ListenAddress
	}

	// The staging root must exist before the first upload lands.
	if err = os.MkdirAll(cfg.FirmwareDir, 0o755); err != nil {
		return fmt.Errorf("create firmware directory: %w", err)
	}

	svc := newService(staging.NewFileRepository(cfg.FirmwareDir), metrics.New())

	srv := &http.Server{
		Addr:              listenAddress,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	logger.InfoKV(ctx, "Upload server listening",
		"listen_address", listenAddress, "firmware_dir", cfg.FirmwareDir)

	// Done channel is closed after Shutdown finishes to ensure we block
	// until in-flight requests drain before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorKV(ctx, "HTTP server shutdown failed", "error", err)
		}

		close(done)
	}()

	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}

	<-done
	logger.Info(ctx, "HTTP server stopped")

	return nil
}
