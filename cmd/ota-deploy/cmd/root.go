package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/espforge/ota-stage/internal/config"
	"github.com/espforge/ota-stage/internal/logger"
	"github.com/espforge/ota-stage/internal/service/deploy"
	"github.com/espforge/ota-stage/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// serverURL of the upload endpoint, overriding configuration.
	serverURL string
	// firmwareVersion overrides the resolved firmware version.
	firmwareVersion string
	// board overrides the target hardware identifier.
	board string
	// flashMethod overrides the configured flash method.
	flashMethod string
	// stagingDir overrides the local staging directory.
	stagingDir string
	// logLevel controls logging verbosity.
	logLevel string

	// rootCmd represents the base command for staging freshly built firmware.
	rootCmd = &cobra.Command{
		Use:   "ota-deploy <firmware-path>",
		Short: "Stage a freshly built firmware binary, locally and over the air.",
		Long: `Stages a firmware binary after a successful build.

The binary and a generated manifest are always written to the local staging
directory. When the flash method resolves to "ota" and an upload server is
configured, the binary is also transmitted to the staging server with retries.
Remote staging failure is advisory and never fails the command, so build
pipelines are not blocked by an unreachable server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if level, ok := logger.ParseLogLevel(logLevel); ok {
				logger.SetLevel(level)
			}

			options := &deploy.Options{
				ConfigPath:   configPath,
				FirmwarePath: args[0],
				ServerURL:    serverURL,
				Version:      firmwareVersion,
				Board:        board,
				FlashMethod:  flashMethod,
				StagingDir:   stagingDir,
			}

			return deploy.Run(ctx, options)
		},
	}
)

// Execute runs the ota-deploy CLI and exits with non-zero status on error.
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
	rootCmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "firmware upload endpoint (overrides config)")
	rootCmd.Flags().StringVar(&firmwareVersion, "firmware-version", "", "firmware version (overrides config)")
	rootCmd.Flags().StringVar(&board, "board", "", "target board identifier (overrides config)")
	rootCmd.Flags().StringVarP(&flashMethod, "flash-method", "m", "", "flash method: serial or ota (overrides config)")
	rootCmd.Flags().StringVar(&stagingDir, "staging-dir", "", "local staging directory (overrides config)")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "logging level (debug, info, warn, error)")
}
