// Package retry runs an operation with bounded attempts and truncated
// exponential backoff with jitter. Callers classify errors so that only
// contention is retried; everything else stops the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

type Decision int

const (
	Stop Decision = iota
	Retry
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) Decision

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 8,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    800 * time.Millisecond,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry max attempts must be >= 1")
	}
	if p.BaseDelay < 0 {
		return errors.New("retry base delay must be >= 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("retry max delay must be >= base delay")
	}
	return nil
}

// Ceiling returns the un-jittered delay before attempt+1, capped at MaxDelay.
func (p Policy) Ceiling(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type Retrier struct {
	Policy Policy
	// OnRetry observes each retryable failure before the backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

func New(policy Policy) *Retrier {
	return &Retrier{
		Policy: policy,
		sleep:  sleepContext,
		jitter: rand.Int64N,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts.
func Do(ctx context.Context, policy Policy, classify Classifier, fn func(context.Context) error) error {
	return New(policy).Do(ctx, classify, fn)
}

func (r *Retrier) Do(ctx context.Context, classify Classifier, fn func(context.Context) error) error {
	if err := r.Policy.Validate(); err != nil {
		return err
	}
	if classify == nil {
		classify = func(error) Decision { return Stop }
	}
	var last error
	for attempt := 1; attempt <= r.Policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if classify(last) != Retry {
			return last
		}
		if attempt == r.Policy.MaxAttempts {
			break
		}
		delay := r.delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, last)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: r.Policy.MaxAttempts, Err: last}
}

// delay keeps half of the ceiling and jitters the other half.
func (r *Retrier) delay(attempt int) time.Duration {
	ceiling := r.Policy.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	half := int64(ceiling / 2)
	jitter := r.jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return time.Duration(half + jitter(int64(ceiling)-half+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
