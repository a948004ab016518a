// Package retry runs device tool invocations with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"mpy-sync/internal/syncerr"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (at least 1)
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound for a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns the defaults used when mpy-sync.yaml has no retry block.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Backoff returns the wait before attempt number attempt+1.
func (c Config) Backoff(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	wait := float64(c.InitialWait) * math.Pow(mult, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// Do executes fn until it succeeds, fails with a non-transient error, or the
// attempt budget runs out. An exhausted budget is reported as a
// ConnectionFailure wrapping the last transient error.
func Do(ctx context.Context, cfg Config, op string, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, op string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err

		if !syncerr.IsTransient(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.Backoff(attempt)):
		}
	}

	return zero, &syncerr.ConnectionFailure{Op: op, Attempts: attempts, Err: lastErr}
}
