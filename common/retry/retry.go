// Package retry provides exponential-backoff retry logic for transient errors.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{Attempts: 3, BaseDelay: 250 * time.Millisecond}, func() error {
//	    return client.Call()
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// Attempts is the total number of attempts, including the first.
	// Zero or negative values are treated as 1 (no retries).
	Attempts int
	// BaseDelay is the wait before the second attempt; each later wait
	// doubles, capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// Retryable is an optional predicate classifying errors as transient.
	// When nil, every non-nil error is retried.
	Retryable func(err error) bool
}

// DefaultConfig provides sensible defaults for short-lived network calls.
var DefaultConfig = Config{
	Attempts:  3,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  5 * time.Second,
}

// Do calls op up to cfg.Attempts times, backing off exponentially between
// attempts. It stops early when ctx is cancelled, op returns nil, or the
// error is classified as non-retryable. The error from the last attempt is
// returned.
func Do(ctx context.Context, cfg Config, op func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		if attempt < cfg.Attempts {
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", cfg.Attempts,
				"err", lastErr, "delay", delay)

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}

			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return lastErr
}
