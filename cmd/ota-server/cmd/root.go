package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/espforge/ota-stage/internal/config"
	"github.com/espforge/ota-stage/internal/logger"
	"github.com/espforge/ota-stage/internal/service/server"
	"github.com/espforge/ota-stage/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// firmwareDir where staged firmware and its manifest are kept.
	firmwareDir string
	// logLevel controls logging verbosity.
	logLevel string

	// rootCmd represents the base command for running the firmware staging server.
	rootCmd = &cobra.Command{
		Use:   "ota-server [listen-address]",
		Short: "Run the firmware staging HTTP server.",
		Long: `Starts the HTTP server that accepts firmware uploads and stages them for
over-the-air delivery.

The server listens on the specified address or uses settings from configuration file.
Listen address can be provided as argument to override config (e.g., :9090, 0.0.0.0:8081).
Each accepted upload replaces the single staging slot: the firmware binary plus a
manifest describing its version, board, size and MD5 digest.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if level, ok := logger.ParseLogLevel(logLevel); ok {
				logger.SetLevel(level)
			}

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
				FirmwareDir:   firmwareDir,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the ota-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().
		StringVarP(&firmwareDir, "firmware-dir", "d", "", "directory for staged firmware (overrides config)")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "logging level (debug, info, warn, error)")
}
