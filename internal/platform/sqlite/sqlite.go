// Package sqlite opens the embedded single-node database used when no
// Postgres server is configured.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/animus-labs/blockflow/internal/platform/env"
)

const memoryPath = ":memory:"

type Config struct {
	Path        string
	BusyTimeout time.Duration
	PingTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	busyTimeout, err := env.Duration("SQLITE_BUSY_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := env.Duration("SQLITE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:        env.String("SQLITE_PATH", "blockflow.db"),
		BusyTimeout: busyTimeout,
		PingTimeout: pingTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("SQLITE_PATH is required")
	}
	if c.BusyTimeout < 0 {
		return errors.New("SQLITE_BUSY_TIMEOUT must be >= 0")
	}
	if c.PingTimeout <= 0 {
		return errors.New("SQLITE_PING_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) DSN() string {
	if c.Path == memoryPath {
		return memoryPath
	}
	sep := "?"
	if strings.Contains(c.Path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)&_txlock=immediate",
		c.Path, sep, c.BusyTimeout.Milliseconds())
}

// Open returns a handle limited to one connection so writers in this
// process serialize instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if cfg.Path == memoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// IsContention reports SQLITE_BUSY and SQLITE_LOCKED, including their
// extended codes.
func IsContention(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// IsUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}
