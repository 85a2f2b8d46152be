package xmsg

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryConfig controls bounded retries around a broker operation.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the wait before the second attempt; it doubles per attempt.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the exponential backoff. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter adds up to [0, Jitter] random delay to avoid thundering herds.
	Jitter time.Duration `yaml:"jitter"`
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool `yaml:"-"`
}

// Backoff computes the base wait after the given (1-based) attempt.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	if cfg.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	d := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, the attempts are exhausted, RetryIf rejects
// the error, or ctx ends. The last error is returned.
func (cfg RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return lastErr
		}
		if i == attempts || !shouldRetry(lastErr) {
			return lastErr
		}

		wait := cfg.Backoff(i)
		if cfg.Jitter > 0 {
			wait += rand.N(cfg.Jitter)
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
