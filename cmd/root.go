package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/config"
	"github.com/kozaktomas/member-check/internal/logging"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "member-check",
	Short: "Face-recognition check-in kiosk for membership organizations",
	Long: `Member Check recognizes members from a camera frame, admits or denies
them based on their membership status and keeps an attendance log.

Scans work offline against a local mirror of the member table; new members
and attendance are queued locally and pushed to PostgreSQL by a periodic sync.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides LOG_FORMAT)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig reads the environment and applies the global flags.
func loadConfig() *config.Config {
	cfg := config.Load()
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg
}

// newCLILogger logs to stderr so stdout stays clean for --json output.
func newCLILogger(cfg *config.Config) *logrus.Logger {
	return logging.NewWithOutput(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

// openApp wires the runtime for a CLI command. The caller must Close it.
func openApp(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, offline bool) (*app.App, error) {
	a, err := app.New(ctx, cfg, logger, app.Options{Offline: offline})
	if err != nil {
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	return a, nil
}
