// Package retry provides exponential-backoff polling for operations whose
// success lags the call that triggered them: readiness probes against a
// container that just started, address lookups while the runtime assigns
// network endpoints, dials against a listener that is still binding.
//
//	cfg := retry.Config{MaxAttempts: 30, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
//	err := retry.Do(ctx, cfg, func() error { return probe(ctx) })
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the attempt schedule.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or negative means a single attempt.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. Each later wait
	// doubles until it reaches MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
}

// defaults applied when a Config field is left zero.
const (
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
)

// Do calls fn until it returns nil, the attempts run out, or ctx is
// cancelled. Every non-nil error is treated as transient; the error from
// the last attempt is returned, joined with the ctx error when the
// schedule was cut short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt < cfg.MaxAttempts {
			slog.Debug("attempt failed, backing off",
				"attempt", attempt, "max", cfg.MaxAttempts,
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
