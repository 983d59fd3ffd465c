package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigFromEnvSizesPoolForWorkers(t *testing.T) {
	t.Setenv("BLOCKFLOW_WORKER_CONCURRENCY", "8")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.MaxOpenConns != 8+poolHeadroom || cfg.MaxIdleConns != cfg.MaxOpenConns {
		t.Fatalf("unexpected pool size open=%d idle=%d", cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
	if !cfg.AutoMigrate || cfg.ApplicationName != "blockflow" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected idle > open to be rejected")
	}
}

func TestConnConfigSetsSessionParams(t *testing.T) {
	cfg := Config{
		URL:             "postgres://u:p@db:5432/engine?sslmode=disable",
		ApplicationName: "blockflow-worker",
		LockTimeout:     1500 * time.Millisecond,
	}
	conn, err := cfg.ConnConfig()
	if err != nil {
		t.Fatalf("ConnConfig() err=%v", err)
	}
	if conn.Host != "db" || conn.Database != "engine" {
		t.Fatalf("unexpected target %s/%s", conn.Host, conn.Database)
	}
	if got := conn.RuntimeParams["lock_timeout"]; got != "1500" {
		t.Fatalf("expected lock_timeout 1500, got %q", got)
	}
	if got := conn.RuntimeParams["application_name"]; got != "blockflow-worker" {
		t.Fatalf("expected application_name, got %q", got)
	}

	cfg.LockTimeout = 0
	conn, err = cfg.ConnConfig()
	if err != nil {
		t.Fatalf("ConnConfig() err=%v", err)
	}
	if _, ok := conn.RuntimeParams["lock_timeout"]; ok {
		t.Fatalf("zero lock timeout must keep the server default")
	}

	if _, err := (Config{URL: "postgres://u:p@db:notaport/engine"}).ConnConfig(); err == nil {
		t.Fatalf("expected malformed URL to be rejected")
	}
}

func TestIsContention(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := fmt.Errorf("claim: %w", &pgconn.PgError{Code: code})
		if !IsContention(err) {
			t.Fatalf("expected %s to be contention", code)
		}
	}
	if IsContention(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation is not contention")
	}
	if IsContention(errors.New("boom")) {
		t.Fatalf("plain errors are not contention")
	}
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected unique violation")
	}
}
