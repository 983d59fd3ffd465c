package config

import (
	"testing"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
)

func TestEngineFromEnvDefaults(t *testing.T) {
	cfg, err := EngineFromEnv()
	if err != nil {
		t.Fatalf("EngineFromEnv() err=%v", err)
	}
	if cfg.DefaultRetry.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.DefaultRetry.MaxAttempts)
	}
	if cfg.DefaultPriority != domain.DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", domain.DefaultPriority, cfg.DefaultPriority)
	}
	if cfg.ReapAfter != 0 {
		t.Fatalf("expected stale attempts to be left alone by default")
	}
	if cfg.RepairAfter != time.Minute || cfg.ReapInterval != 30*time.Second {
		t.Fatalf("expected the repair sweep to be on by default, got repair_after=%v interval=%v", cfg.RepairAfter, cfg.ReapInterval)
	}
}

func TestEngineFromEnvOverrides(t *testing.T) {
	t.Setenv("BLOCKFLOW_MAX_ATTEMPTS_DEFAULT", "5")
	t.Setenv("BLOCKFLOW_BACKOFF_BASE", "2s")
	t.Setenv("WORKER_POLL_SLEEP", "100ms")
	t.Setenv("BLOCKFLOW_REAP_AFTER", "10m")

	cfg, err := EngineFromEnv()
	if err != nil {
		t.Fatalf("EngineFromEnv() err=%v", err)
	}
	if cfg.DefaultRetry.MaxAttempts != 5 || cfg.DefaultRetry.BackoffBase != 2*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.DefaultRetry)
	}
	if cfg.PollInterval != 100*time.Millisecond {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval)
	}
	if cfg.ReapAfter != 10*time.Minute {
		t.Fatalf("unexpected reap after: %v", cfg.ReapAfter)
	}
}

func TestEngineValidateRejectsSlowClaimRetry(t *testing.T) {
	cfg := Default()
	cfg.Claim.MaxDelay = 2 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected claim max delay >= 1s to be rejected")
	}
}

func TestEngineBackoffIsCapped(t *testing.T) {
	cfg := Default()
	cfg.MaxBackoff = 30 * time.Second
	policy := domain.RetryPolicy{MaxAttempts: 10, BackoffBase: 10 * time.Second}

	if got := cfg.Backoff(policy, 1); got != 10*time.Second {
		t.Fatalf("Backoff(1)=%v, want 10s", got)
	}
	if got := cfg.Backoff(policy, 2); got != 20*time.Second {
		t.Fatalf("Backoff(2)=%v, want 20s", got)
	}
	if got := cfg.Backoff(policy, 5); got != 30*time.Second {
		t.Fatalf("Backoff(5)=%v, want capped 30s", got)
	}
}

func TestEngineValidateRequiresRepairSweep(t *testing.T) {
	for name, mutate := range map[string]func(*Engine){
		"repair after": func(c *Engine) { c.RepairAfter = 0 },
		"interval":     func(c *Engine) { c.ReapInterval = 0 },
		"graph cache":  func(c *Engine) { c.GraphCacheSize = 0 },
	} {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
