package domain

import (
	"errors"
	"time"
)

// RetryPolicy bounds the attempts of one block within a run.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if p.BackoffBase < 0 {
		return errors.New("backoff base must be >= 0")
	}
	return nil
}

// Delay is backoffBase * 2^(attempts-1).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 || p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		if d > time.Duration(1<<62)/2 {
			return time.Duration(1<<63 - 1)
		}
		d *= 2
	}
	return d
}

// Exhausted reports whether no further attempt is allowed after attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// RetryPolicy reads config.retry.max_attempts and config.retry.backoff_seconds,
// falling back to defaults for anything missing or out of range.
func (b Block) RetryPolicy(defaults RetryPolicy) RetryPolicy {
	out := defaults
	section, ok := b.Config.Map("retry")
	if !ok {
		return out
	}
	if v, ok := section.Number("max_attempts"); ok && v >= 1 {
		out.MaxAttempts = int(v)
	}
	if v, ok := section.Number("backoff_seconds"); ok && v >= 0 {
		out.BackoffBase = time.Duration(v * float64(time.Second))
	}
	return out
}
