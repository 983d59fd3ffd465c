// Package queue wraps the store claim with bounded contention retries.
package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/platform/metrics"
	"github.com/animus-labs/blockflow/internal/platform/retry"
	"github.com/animus-labs/blockflow/internal/repo"
)

type Claimer struct {
	repo    repo.QueueRepository
	retrier *retry.Retrier
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewClaimer(queue repo.QueueRepository, policy retry.Policy, m *metrics.Metrics, logger *slog.Logger) *Claimer {
	if queue == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Claimer{
		repo:    queue,
		retrier: retry.New(policy),
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	c.retrier.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.ContentionRetry()
		c.logger.Debug("claim contention", "attempt", attempt, "delay", delay, "error", err)
	}
	return c
}

// IsContention classifies errors a claim may be retried on.
func IsContention(err error) retry.Decision {
	if errors.Is(err, repo.ErrContention) {
		return retry.Retry
	}
	return retry.Stop
}

// ClaimNext returns the claimed item and true, or false when nothing was
// eligible. Contention that outlasts the retry policy is reported as no work.
func (c *Claimer) ClaimNext(ctx context.Context, workerID string) (domain.Claim, bool, error) {
	var claim domain.Claim
	err := c.retrier.Do(ctx, IsContention, func(ctx context.Context) error {
		var err error
		claim, err = c.repo.ClaimNext(ctx, workerID, c.now())
		return err
	})

	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		c.metrics.Claim(metrics.ClaimClaimed)
		return claim, true, nil
	case errors.Is(err, repo.ErrNoWork):
		c.metrics.Claim(metrics.ClaimEmpty)
		return domain.Claim{}, false, nil
	case errors.As(err, &exhausted):
		c.metrics.Claim(metrics.ClaimContended)
		c.logger.Warn("claim contention exhausted", "worker_id", workerID, "attempts", exhausted.Attempts)
		return domain.Claim{}, false, nil
	default:
		c.metrics.Claim(metrics.ClaimError)
		return domain.Claim{}, false, err
	}
}

// SetClock replaces the time used to evaluate not-before gates.
func (c *Claimer) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}
