package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/imagecache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Local cache management commands",
	Long:  `Commands for inspecting and pruning the local pending store and image cache.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local store, mirror and image cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove synced and expired pending entries",
	Long: `Remove pending entries that were synced or captured longer ago than
CACHE_MAX_AGE (or --max-age).

Examples:
  member-check cache prune
  member-check cache prune --max-age 24h`,
	Args: cobra.NoArgs,
	RunE: runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	cacheStatsCmd.Flags().Bool("json", false, "Output as JSON")
	cachePruneCmd.Flags().Duration("max-age", 0, "Maximum pending entry age (overrides CACHE_MAX_AGE)")
}

type cacheStats struct {
	Store    cache.StoreStats `json:"store"`
	Images   imagecache.Stats `json:"images"`
	Members  int              `json:"mirrored_members"`
	Indexed  bool             `json:"indexed"`
	SyncedAt time.Time        `json:"synced_at"`
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	a, err := openApp(context.Background(), cfg, newCLILogger(cfg), true)
	if err != nil {
		return err
	}
	defer a.Close()

	stats := cacheStats{
		Store:    a.Store.Stats(),
		Images:   a.Photos.Stats(),
		Members:  a.Mirror.Len(),
		Indexed:  a.Mirror.Indexed(),
		SyncedAt: a.Mirror.SyncedAt(),
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(stats)
	}

	store := stats.Store
	fmt.Printf("Mirror\n")
	fmt.Printf("  Members:       %d\n", stats.Members)
	fmt.Printf("  HNSW index:    %t\n", stats.Indexed)
	if stats.SyncedAt.IsZero() {
		fmt.Printf("  Last sync:     never\n")
	} else {
		fmt.Printf("  Last sync:     %s (%s ago)\n", stats.SyncedAt.Format(time.RFC3339), formatDuration(time.Since(stats.SyncedAt)))
	}
	fmt.Printf("\nLocal store\n")
	fmt.Printf("  Entries:       %d / %d\n", store.Entries-store.Pinned, store.Capacity)
	fmt.Printf("  Pending:       %d\n", store.Pending)
	fmt.Printf("  Drafts:        %d (%d pinned)\n", store.Drafts, store.Pinned)
	fmt.Printf("  Evicted:       %d\n", store.Evicted)
	fmt.Printf("  Attendance:    %d queued\n", store.Attendance)
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	maxAge := cfg.Cache.MaxAge
	if d := mustGetDuration(cmd, "max-age"); d > 0 {
		maxAge = d
	}

	a, err := openApp(context.Background(), cfg, newCLILogger(cfg), true)
	if err != nil {
		return err
	}
	defer a.Close()

	removed := a.Store.Prune(time.Now(), maxAge)
	fmt.Printf("Pruned %d pending entries (max age %s)\n", removed, formatDuration(maxAge))
	return nil
}
