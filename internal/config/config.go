// Package config holds the engine settings that the scheduler, workers and
// orchestrator receive through their constructors.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/platform/env"
	"github.com/animus-labs/blockflow/internal/platform/retry"
)

type Engine struct {
	// DefaultRetry applies to blocks whose config carries no retry section.
	DefaultRetry domain.RetryPolicy
	// MaxBackoff caps the delay between attempts of one block. Zero disables the cap.
	MaxBackoff      time.Duration
	DefaultPriority int
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	Claim           retry.Policy
	// ReapAfter is how long a block run may stay RUNNING before the reaper
	// fails it. Zero disables failing stale attempts; the repair sweep
	// still runs.
	ReapAfter time.Duration
	// RepairAfter is how long a finished block run may go without its
	// propagation or requeue before the repair sweep redoes it.
	RepairAfter  time.Duration
	ReapInterval time.Duration
	// GraphCacheSize bounds the pipeline graphs the scheduler keeps.
	GraphCacheSize int
}

func Default() Engine {
	return Engine{
		DefaultRetry: domain.RetryPolicy{
			MaxAttempts: 3,
			BackoffBase: 5 * time.Second,
		},
		MaxBackoff:      time.Hour,
		DefaultPriority: domain.DefaultPriority,
		PollInterval:    500 * time.Millisecond,
		ErrorBackoff:    time.Second,
		Claim:           retry.DefaultPolicy(),
		ReapAfter:       0,
		RepairAfter:     time.Minute,
		ReapInterval:    30 * time.Second,
		GraphCacheSize:  256,
	}
}

func EngineFromEnv() (Engine, error) {
	cfg := Default()
	var err error

	if cfg.DefaultRetry.MaxAttempts, err = env.Int("BLOCKFLOW_MAX_ATTEMPTS_DEFAULT", cfg.DefaultRetry.MaxAttempts); err != nil {
		return Engine{}, err
	}
	if cfg.DefaultRetry.BackoffBase, err = env.Duration("BLOCKFLOW_BACKOFF_BASE", cfg.DefaultRetry.BackoffBase); err != nil {
		return Engine{}, err
	}
	if cfg.MaxBackoff, err = env.Duration("BLOCKFLOW_MAX_BACKOFF", cfg.MaxBackoff); err != nil {
		return Engine{}, err
	}
	if cfg.DefaultPriority, err = env.Int("BLOCKFLOW_DEFAULT_PRIORITY", cfg.DefaultPriority); err != nil {
		return Engine{}, err
	}
	if cfg.PollInterval, err = env.Duration("WORKER_POLL_SLEEP", cfg.PollInterval); err != nil {
		return Engine{}, err
	}
	if cfg.ErrorBackoff, err = env.Duration("WORKER_ERROR_BACKOFF", cfg.ErrorBackoff); err != nil {
		return Engine{}, err
	}
	if cfg.Claim.MaxAttempts, err = env.Int("BLOCKFLOW_CLAIM_MAX_ATTEMPTS", cfg.Claim.MaxAttempts); err != nil {
		return Engine{}, err
	}
	if cfg.Claim.BaseDelay, err = env.Duration("BLOCKFLOW_CLAIM_BASE_DELAY", cfg.Claim.BaseDelay); err != nil {
		return Engine{}, err
	}
	if cfg.Claim.MaxDelay, err = env.Duration("BLOCKFLOW_CLAIM_MAX_DELAY", cfg.Claim.MaxDelay); err != nil {
		return Engine{}, err
	}
	if cfg.ReapAfter, err = env.Duration("BLOCKFLOW_REAP_AFTER", cfg.ReapAfter); err != nil {
		return Engine{}, err
	}
	if cfg.ReapInterval, err = env.Duration("BLOCKFLOW_REAP_INTERVAL", cfg.ReapInterval); err != nil {
		return Engine{}, err
	}
	if cfg.RepairAfter, err = env.Duration("BLOCKFLOW_REPAIR_AFTER", cfg.RepairAfter); err != nil {
		return Engine{}, err
	}
	if cfg.GraphCacheSize, err = env.Int("BLOCKFLOW_GRAPH_CACHE_SIZE", cfg.GraphCacheSize); err != nil {
		return Engine{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}
	return cfg, nil
}

func (c Engine) Validate() error {
	if err := c.DefaultRetry.Validate(); err != nil {
		return fmt.Errorf("default retry: %w", err)
	}
	if c.MaxBackoff < 0 {
		return errors.New("max backoff must be >= 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.ErrorBackoff < 0 {
		return errors.New("error backoff must be >= 0")
	}
	if err := c.Claim.Validate(); err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if c.Claim.MaxDelay >= time.Second {
		return errors.New("claim max delay must stay under one second")
	}
	if c.ReapAfter < 0 {
		return errors.New("reap after must be >= 0")
	}
	if c.RepairAfter <= 0 {
		return errors.New("repair after must be positive")
	}
	if c.ReapInterval <= 0 {
		return errors.New("reap interval must be positive")
	}
	if c.GraphCacheSize <= 0 {
		return errors.New("graph cache size must be positive")
	}
	return nil
}

// Backoff returns the delay before the attempt that follows attempts failures.
func (c Engine) Backoff(policy domain.RetryPolicy, attempts int) time.Duration {
	d := policy.Delay(attempts)
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
