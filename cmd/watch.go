package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/member-check/internal/capture"
	"github.com/kozaktomas/member-check/internal/logging"
	"github.com/kozaktomas/member-check/internal/syncer"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll a camera and check in every frame",
	Long: `Sample frames from the camera snapshot URL (CAMERA_SNAPSHOT_URL) or
from a file that another process keeps overwriting, and run a check-in for
each one. A tick is skipped while the previous scan is still running.

Examples:
  member-check watch
  member-check watch --file /run/camera/latest.jpg --interval 2s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("file", "", "Read frames from this file instead of the snapshot URL")
	watchCmd.Flags().Duration("interval", 0, "Sampling interval (overrides CAMERA_INTERVAL)")
	watchCmd.Flags().Bool("offline", false, "Match against the local mirror only")
	watchCmd.Flags().Bool("all-frames", false, "Scan every frame, even when the scene did not change")
	watchCmd.Flags().Bool("no-sync", false, "Do not run the scheduled sync while watching")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if interval := mustGetDuration(cmd, "interval"); interval > 0 {
		cfg.Camera.Interval = interval
	}

	var source capture.FrameSource
	if path := mustGetString(cmd, "file"); path != "" {
		source = capture.FileSource{Path: path}
	} else if cfg.Camera.SnapshotURL != "" {
		source = capture.NewSnapshotSource(cfg.Camera.SnapshotURL)
	} else {
		return errors.New("CAMERA_SNAPSHOT_URL environment variable or --file is required")
	}

	logger := newCLILogger(cfg)
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	a, err := openApp(ctx, cfg, logger, mustGetBool(cmd, "offline"))
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Syncer != nil && !mustGetBool(cmd, "no-sync") {
		scheduler, err := syncer.NewScheduler(cfg.Sync.Schedule, a.Syncer, logger)
		if err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	scan := func(ctx context.Context, frame []byte) error {
		res, err := a.Checkin.Scan(ctx, frame)
		if err != nil {
			return err
		}
		entry := logger.WithField("decision", res.Decision)
		if res.Member != nil {
			entry = entry.WithField("member", res.Member.Name).WithField("similarity", res.Similarity)
		}
		entry.Info(res.Message)
		return nil
	}

	poller := capture.NewPoller(source, scan, cfg.Camera.Interval, cfg.Camera.ScanTimeout, logger)
	if !mustGetBool(cmd, "all-frames") {
		poller.SkipUnchanged(cfg.Camera.FrameDiff)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nStopping...")
		cancel()
	}()

	fmt.Printf("Watching every %s (organization %s), press Ctrl+C to stop\n", cfg.Camera.Interval, cfg.Organization)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := poller.Stats()
	fmt.Printf("\nFrames sampled:  %d\n", stats.Sampled)
	fmt.Printf("Skipped (busy):  %d\n", stats.SkippedBusy)
	fmt.Printf("Unchanged:       %d\n", stats.Unchanged)
	fmt.Printf("Failed:          %d\n", stats.Failed)
	fmt.Printf("Timed out:       %d\n", stats.TimedOut)
	return nil
}
