package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/member-check/internal/checkin"
	"github.com/kozaktomas/member-check/internal/logging"
)

var scanCmd = &cobra.Command{
	Use:   "scan <image>",
	Short: "Check in the face in an image file",
	Long: `Run one check-in for an image file and print the decision.

Granted scans log attendance (or queue it when offline). Unknown faces are
kept as pending entries that can be registered later.

Examples:
  member-check scan frame.jpg
  member-check scan frame.jpg --offline --json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Bool("offline", false, "Match against the local mirror only")
	scanCmd.Flags().Bool("json", false, "Output result as JSON")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	cfg := loadConfig()
	logger := newCLILogger(cfg)
	ctx = logging.WithLogger(ctx, logger)
	a, err := openApp(ctx, cfg, logger, mustGetBool(cmd, "offline"))
	if err != nil {
		return err
	}
	defer a.Close()

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Camera.ScanTimeout)
	defer cancel()

	res, err := a.Checkin.Scan(scanCtx, image)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(res)
	}
	printScanResult(res)
	return nil
}

func printScanResult(res *checkin.ScanResult) {
	fmt.Printf("Decision:    %s\n", strings.ToUpper(string(res.Decision)))
	if res.Member != nil {
		fmt.Printf("Member:      %s <%s> (%s)\n", res.Member.Name, res.Member.Email, res.Member.Status)
		fmt.Printf("Similarity:  %.1f%%\n", res.Similarity*100)
	}
	switch {
	case res.AttendanceLogged:
		fmt.Printf("Attendance:  logged\n")
	case res.AttendanceQueued:
		fmt.Printf("Attendance:  queued for sync\n")
	case res.Cooldown:
		fmt.Printf("Attendance:  skipped (cooldown)\n")
	}
	if res.PendingID != "" {
		fmt.Printf("Pending ID:  %s\n", res.PendingID)
	}
	if res.Message != "" {
		fmt.Printf("\n%s\n", res.Message)
	}
}
