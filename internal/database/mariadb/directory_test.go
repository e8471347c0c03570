package mariadb

import (
	"context"
	"testing"
	"time"
)

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"members", false},
		{"gym_members_2026", false},
		{"_staging", false},
		{"", true},
		{"1members", true},
		{"members; DROP TABLE x", true},
		{"members`", true},
		{"db.members", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTableName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTableName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestNewPool_RequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), ""); err == nil {
		t.Error("expected error for empty DSN")
	}
}

func TestDirectoryConfig(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		wantErr     bool
		wantTimeout time.Duration
		wantRead    time.Duration
	}{
		{"empty", "", true, 0, 0},
		{"malformed", "user:pass@tcp(host", true, 0, 0},
		{"defaults", "reader:secret@tcp(db:3306)/directory", false, dialTimeout, readTimeout},
		{"explicit timeouts kept", "reader:secret@tcp(db:3306)/directory?timeout=2s&readTimeout=1m", false, 2 * time.Second, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := directoryConfig(tt.dsn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("directoryConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Timeout != tt.wantTimeout || cfg.ReadTimeout != tt.wantRead {
				t.Errorf("timeouts = %v/%v, want %v/%v", cfg.Timeout, cfg.ReadTimeout, tt.wantTimeout, tt.wantRead)
			}
			if cfg.DBName != "directory" {
				t.Errorf("DBName = %q", cfg.DBName)
			}
		})
	}
}
