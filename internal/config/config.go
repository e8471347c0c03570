package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/member-check/internal/constants"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Descriptor   DescriptorConfig
	Camera       CameraConfig
	Cache        CacheConfig
	Redis        RedisConfig
	Sync         SyncConfig
	Directory    DirectoryConfig
	Log          LogConfig
	Organization string // organization served by kiosk commands (scan, watch)
	Thresholds   ThresholdsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	SessionSecret  string
	AllowedOrigins []string // CORS origins besides localhost
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type DescriptorConfig struct {
	URL          string // face-embedding service, defaults to http://localhost:8000
	Dim          int    // descriptor length, defaults to 128
	MaxImageSize int    // frames are downscaled to this longest side before upload
}

type CameraConfig struct {
	SnapshotURL string
	Interval    time.Duration
	ScanTimeout time.Duration
	FrameDiff   int // frames within this many hash bits of the last scan are skipped
}

type CacheConfig struct {
	StateDir        string        // directory for the local store and mirror snapshots
	MaxEntries      int           // LRU capacity of the pending entry store
	MaxAge          time.Duration // pending entries older than this are pruned
	ImageMemEntries int           // memory tier capacity of the image cache
	ImageTTL        time.Duration // memory and redis tier TTL
	ImageDir        string        // disk tier of the image cache, <StateDir>/images unless set
}

type RedisConfig struct {
	URL string // optional, enables the redis tier of the image cache
}

type SyncConfig struct {
	Schedule    string // cron spec, defaults to @every 1m
	Concurrency int
	MaxRetries  int
}

type DirectoryConfig struct {
	DSN   string // MySQL/MariaDB DSN of an external member directory (optional)
	Table string
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

type ThresholdsConfig struct {
	Matching   MatchingThresholds   `yaml:"matching"`
	Attendance AttendanceThresholds `yaml:"attendance"`
}

type MatchingThresholds struct {
	MinMatchSimilarity   float64 `yaml:"min_match_similarity"`
	AutoAttendSimilarity float64 `yaml:"auto_attend_similarity"`
	DuplicateDistance    float64 `yaml:"duplicate_distance"`
	IndexThreshold       int     `yaml:"index_threshold"`
}

type AttendanceThresholds struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	DeniedDisplay  time.Duration `yaml:"denied_display"`
	ConfirmDisplay time.Duration `yaml:"confirm_display"`
	GrantedDisplay time.Duration `yaml:"granted_display"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float in (0, 1].
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f <= 1 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a positive time.Duration.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envString returns the env var or the default when unset.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma separated env var, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func loadThresholds() ThresholdsConfig {
	var t ThresholdsConfig
	if err := yaml.Unmarshal(thresholdsYAML, &t); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded thresholds.yaml: " + err.Error())
	}

	t.Matching.MinMatchSimilarity = envFloat("MATCH_MIN_SIMILARITY", t.Matching.MinMatchSimilarity)
	t.Matching.AutoAttendSimilarity = envFloat("MATCH_AUTO_ATTEND_SIMILARITY", t.Matching.AutoAttendSimilarity)
	t.Matching.DuplicateDistance = envFloat("MATCH_DUPLICATE_DISTANCE", t.Matching.DuplicateDistance)
	t.Matching.IndexThreshold = envInt("MATCH_INDEX_THRESHOLD", t.Matching.IndexThreshold)
	t.Attendance.Cooldown = envDuration("ATTENDANCE_COOLDOWN", t.Attendance.Cooldown)
	return t
}

// imageDir returns IMAGE_CACHE_DIR, defaulting to an images directory next to
// the state snapshots so member photos survive restarts. "-" disables the disk tier.
func imageDir(stateDir string) string {
	switch dir := os.Getenv("IMAGE_CACHE_DIR"); {
	case dir == "-":
		return ""
	case dir != "":
		return dir
	case stateDir != "":
		return filepath.Join(stateDir, "images")
	}
	return ""
}

func Load() *Config {
	stateDir := envString("CACHE_STATE_DIR", "./state")
	return &Config{
		Server: ServerConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			SessionSecret:  os.Getenv("WEB_SESSION_SECRET"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Descriptor: DescriptorConfig{
			URL:          os.Getenv("DESCRIPTOR_URL"),
			Dim:          envInt("DESCRIPTOR_DIM", constants.DescriptorDim),
			MaxImageSize: envInt("DESCRIPTOR_MAX_IMAGE_SIZE", constants.MaxImageSize),
		},
		Camera: CameraConfig{
			SnapshotURL: os.Getenv("CAMERA_SNAPSHOT_URL"),
			Interval:    envDuration("CAMERA_INTERVAL", 1500*time.Millisecond),
			ScanTimeout: envDuration("CAMERA_SCAN_TIMEOUT", 15*time.Second),
			FrameDiff:   envInt("CAMERA_FRAME_DIFF", 4),
		},
		Cache: CacheConfig{
			StateDir:        stateDir,
			MaxEntries:      envInt("CACHE_MAX_ENTRIES", 500),
			MaxAge:          envDuration("CACHE_MAX_AGE", 24*time.Hour),
			ImageMemEntries: envInt("IMAGE_CACHE_ENTRIES", 256),
			ImageTTL:        envDuration("IMAGE_CACHE_TTL", time.Hour),
			ImageDir:        imageDir(stateDir),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Sync: SyncConfig{
			Schedule:    envString("SYNC_SCHEDULE", "@every 1m"),
			Concurrency: envInt("SYNC_CONCURRENCY", constants.WorkerPoolSize),
			MaxRetries:  envInt("SYNC_MAX_RETRIES", constants.SyncMaxRetries),
		},
		Directory: DirectoryConfig{
			DSN:   os.Getenv("DIRECTORY_DSN"),
			Table: envString("DIRECTORY_TABLE", "members"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
		Organization: os.Getenv("ORGANIZATION_ID"),
		Thresholds:   loadThresholds(),
	}
}
