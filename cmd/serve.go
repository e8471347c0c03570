package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/database/postgres"
	"github.com/kozaktomas/member-check/internal/logging"
	"github.com/kozaktomas/member-check/internal/syncer"
	"github.com/kozaktomas/member-check/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Member Check HTTP API.

The server exposes scanning, member management, the pending registration
queue and attendance history. When a database is configured the sync job
runs on the SYNC_SCHEDULE cron spec.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().String("session-secret", "", "Secret for signing session cookies (defaults to random)")
	serveCmd.Flags().Bool("offline", false, "Do not connect to PostgreSQL")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Server.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Server.Host = host
	}
	if secret := mustGetString(cmd, "session-secret"); secret != "" {
		cfg.Server.SessionSecret = secret
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	a, err := openApp(ctx, cfg, logger, mustGetBool(cmd, "offline"))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("failed to close cleanly")
		}
	}()

	var sessionStore database.SessionStore
	if pool := postgres.GetGlobalPool(); a.Online() && pool != nil {
		sessionStore = postgres.NewSessionRepository(pool)
		fmt.Printf("Session persistence enabled (PostgreSQL)\n")
	}

	if a.Syncer != nil {
		scheduler, err := syncer.NewScheduler(cfg.Sync.Schedule, a.Syncer, logger)
		if err != nil {
			return err
		}
		defer scheduler.Stop()
		fmt.Printf("Sync scheduled: %s\n", cfg.Sync.Schedule)
	}

	server := web.NewServer(a, logger, sessionStore)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Member Check on http://%s:%d (organization %s)\n", cfg.Server.Host, cfg.Server.Port, cfg.Organization)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
