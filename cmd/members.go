package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/database/mariadb"
	"github.com/kozaktomas/member-check/internal/importer"
	"github.com/kozaktomas/member-check/internal/logging"
)

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Member management commands",
	Long:  `Commands for listing members and importing them from an external directory.`,
}

var membersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members of the organization",
	Long: `List members from PostgreSQL, or from the local mirror with --offline.

Examples:
  member-check members list
  member-check members list --status banned
  member-check members list --name "jane doe" --json`,
	Args: cobra.NoArgs,
	RunE: runMembersList,
}

var membersImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import members from a MariaDB/MySQL directory table",
	Long: `Import members from an external directory (DIRECTORY_DSN, DIRECTORY_TABLE).

Rows are matched by email. New rows create members, changed rows update
name, status and photo. A descriptor is computed from every new or changed
photo.

Examples:
  member-check members import --dry-run
  member-check members import --batch-size 200 --concurrency 4`,
	Args: cobra.NoArgs,
	RunE: runMembersImport,
}

func init() {
	rootCmd.AddCommand(membersCmd)
	membersCmd.AddCommand(membersListCmd)
	membersCmd.AddCommand(membersImportCmd)

	membersListCmd.Flags().String("status", "", "Filter by status (allowed, banned, vip)")
	membersListCmd.Flags().String("name", "", "Filter by name (substring)")
	membersListCmd.Flags().String("email", "", "Filter by email")
	membersListCmd.Flags().Int("limit", 0, "Maximum number of members (0 for all)")
	membersListCmd.Flags().Bool("offline", false, "List the local mirror instead of PostgreSQL")
	membersListCmd.Flags().Bool("json", false, "Output as JSON")

	membersImportCmd.Flags().String("table", "", "Directory table (overrides DIRECTORY_TABLE)")
	membersImportCmd.Flags().Int("batch-size", 100, "Rows read per query")
	membersImportCmd.Flags().Int("concurrency", 4, "Photos described in parallel")
	membersImportCmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	membersImportCmd.Flags().Bool("json", false, "Output result as JSON")
}

func runMembersList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	status := database.MemberStatus("")
	if s := mustGetString(cmd, "status"); s != "" {
		parsed, err := database.ParseMemberStatus(s)
		if err != nil {
			return err
		}
		status = parsed
	}
	filter := database.MemberFilter{
		Status: status,
		Name:   mustGetString(cmd, "name"),
		Email:  mustGetString(cmd, "email"),
		Limit:  mustGetInt(cmd, "limit"),
	}

	cfg := loadConfig()
	filter.OrganizationID = cfg.Organization
	logger := newCLILogger(cfg)
	ctx = logging.WithLogger(ctx, logger)
	a, err := openApp(ctx, cfg, logger, mustGetBool(cmd, "offline"))
	if err != nil {
		return err
	}
	defer a.Close()

	var members []database.Member
	if a.Online() {
		members, err = a.Members.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
	} else {
		members = filterMirrored(a.Mirror.Candidates(), filter)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(members)
	}

	if len(members) == 0 {
		fmt.Println("No members found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL\tSTATUS\tFACE")
	for _, m := range members {
		face := "no"
		if m.HasDescriptor() {
			face = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Email, m.Status, face)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d\n", len(members))
	return nil
}

// filterMirrored applies a MemberFilter to mirrored members.
func filterMirrored(members []database.Member, filter database.MemberFilter) []database.Member {
	out := make([]database.Member, 0, len(members))
	name := strings.ToLower(filter.Name)
	for _, m := range members {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.Email != "" && !strings.EqualFold(m.Email, filter.Email) {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(m.Name), name) {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func runMembersImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	jsonOutput := mustGetBool(cmd, "json")
	dryRun := mustGetBool(cmd, "dry-run")

	cfg := loadConfig()
	if cfg.Directory.DSN == "" {
		return errors.New("DIRECTORY_DSN environment variable is required")
	}
	table := cfg.Directory.Table
	if t := mustGetString(cmd, "table"); t != "" {
		table = t
	}
	if err := mariadb.ValidateTableName(table); err != nil {
		return err
	}

	logger := newCLILogger(cfg)
	ctx = logging.WithLogger(ctx, logger)

	a, err := openApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if !a.Online() {
		return errors.New("DATABASE_URL environment variable is required")
	}

	dir, err := mariadb.NewPool(ctx, cfg.Directory.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to directory: %w", err)
	}
	defer dir.Close()

	im := importer.New(dir, a.Members, a.Photos, a.Extractor, importer.Options{
		OrganizationID: cfg.Organization,
		Table:          table,
		BatchSize:      mustGetInt(cmd, "batch-size"),
		Concurrency:    mustGetInt(cmd, "concurrency"),
		MaxImageSize:   cfg.Descriptor.MaxImageSize,
		DryRun:         dryRun,
	})

	total, err := im.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count directory rows: %w", err)
	}
	if total == 0 {
		fmt.Println("Directory is empty")
		return nil
	}

	var progress func()
	var bar *progressbar.ProgressBar
	if !jsonOutput {
		if dryRun {
			fmt.Printf("Dry run: no members will be written\n")
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Importing members"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("rows"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		progress = func() { _ = bar.Add(1) }
	}

	start := time.Now()
	res, err := im.Run(ctx, progress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil && res == nil {
		return fmt.Errorf("import failed: %w", err)
	}

	if jsonOutput {
		if outErr := outputJSON(res); outErr != nil {
			return outErr
		}
		return err
	}

	fmt.Printf("\nImport complete in %s\n", formatDuration(time.Since(start)))
	fmt.Printf("  Rows read:   %d\n", res.Read)
	fmt.Printf("  Created:     %d\n", res.Created)
	fmt.Printf("  Updated:     %d\n", res.Updated)
	fmt.Printf("  Unchanged:   %d\n", res.Unchanged)
	fmt.Printf("  Skipped:     %d\n", res.Skipped)
	fmt.Printf("  No face:     %d\n", res.NoFace)
	fmt.Printf("  Failed:      %d\n", res.Failed)
	if len(res.Errors) > 0 {
		fmt.Printf("\nErrors:\n")
		for _, e := range res.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return err
}
