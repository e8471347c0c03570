package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/member-check/internal/logging"
	"github.com/kozaktomas/member-check/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and refresh the member mirror",
	Long: `Run one sync pass against PostgreSQL:

  1. create members for registered drafts (or link them to an existing email)
  2. push queued attendance logs, rewriting temporary member ids
  3. reload the local member mirror and prune expired pending entries

Examples:
  member-check sync
  member-check sync --json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().Bool("json", false, "Output result as JSON")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	jsonOutput := mustGetBool(cmd, "json")

	cfg := loadConfig()
	logger := newCLILogger(cfg)
	ctx = logging.WithLogger(ctx, logger)
	a, err := openApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Syncer == nil {
		return errors.New("DATABASE_URL environment variable is required")
	}

	// progress is called from the sync workers concurrently
	var mu sync.Mutex
	var bar *progressbar.ProgressBar
	stage := ""
	progress := func(s string, done, total int) {
		if jsonOutput {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if s != stage {
			if bar != nil {
				_ = bar.Finish()
				fmt.Println()
			}
			stage = s
			bar = newStageBar(s, total)
		}
		if bar != nil {
			_ = bar.Set(done)
		}
	}

	start := time.Now()
	res, err := a.Syncer.Run(ctx, progress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil && res == nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if jsonOutput {
		return outputJSON(res)
	}
	printSyncResult(res, time.Since(start))
	return err
}

func newStageBar(stage string, total int) *progressbar.ProgressBar {
	if total <= 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(stage),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}

func printSyncResult(res *syncer.Result, elapsed time.Duration) {
	fmt.Printf("\nSync complete in %s\n", formatDuration(elapsed))
	fmt.Printf("  Drafts created:      %d\n", res.DraftsCreated)
	fmt.Printf("  Drafts linked:       %d\n", res.DraftsLinked)
	if res.DraftsFailed > 0 {
		fmt.Printf("  Drafts failed:       %d\n", res.DraftsFailed)
	}
	fmt.Printf("  Attendance pushed:   %d\n", res.AttendancePushed)
	if res.AttendanceSkip > 0 {
		fmt.Printf("  Attendance skipped:  %d (duplicates)\n", res.AttendanceSkip)
	}
	if res.AttendanceFailed > 0 {
		fmt.Printf("  Attendance failed:   %d\n", res.AttendanceFailed)
	}
	if res.AttendanceOrphan > 0 {
		fmt.Printf("  Attendance dropped:  %d\n", res.AttendanceOrphan)
	}
	fmt.Printf("  Members pulled:      %d\n", res.MembersPulled)
	fmt.Printf("  Pending pruned:      %d\n", res.Pruned)

	if len(res.Errors) > 0 {
		fmt.Printf("\nErrors:\n")
		for _, e := range res.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}
