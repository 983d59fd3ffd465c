package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/tmp/flow.db")
	t.Setenv("SQLITE_BUSY_TIMEOUT", "1500ms")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Path != "/tmp/flow.db" || cfg.BusyTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	dsn := cfg.DSN()
	if !strings.Contains(dsn, "busy_timeout(1500)") || !strings.Contains(dsn, "_txlock=immediate") {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestOpenTempFile(t *testing.T) {
	cfg := Config{Path: filepath.Join(t.TempDir(), "flow.db"), BusyTimeout: time.Second, PingTimeout: time.Second}
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("expected WAL journal mode, got %q", mode)
	}
}

func TestIsContentionIgnoresPlainErrors(t *testing.T) {
	if IsContention(errors.New("database is locked")) {
		t.Fatalf("only driver errors are classified")
	}
}
