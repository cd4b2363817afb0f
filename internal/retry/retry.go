// Package retry provides exponential backoff helpers. The webhook dispatcher
// uses Backoff to compute persisted next-retry times; gateways use
// WithExponentialBackoff for short in-call retries of transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/exchange-oracle/internal/logging"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts  int           // Maximum number of attempts
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultConfig returns a default retry configuration.
// Pattern: 1s, 2s, 4s, capped at 30s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff computes the delay after the given number of completed attempts:
// base * 2^attempts, capped at max. attempts is the count already made, so
// the first failure (attempts=1) yields base*2.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(base) * math.Pow(2, float64(attempts))
	if delay > float64(max) || delay < 0 {
		return max
	}
	return time.Duration(delay)
}

// Func is a function that can be retried
type Func func(ctx context.Context, attempt int) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying. WithExponentialBackoff
// stops immediately and returns the wrapped error as-is.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// WithExponentialBackoff executes fn with exponential backoff between
// attempts. The last error is returned once the attempt budget is spent or
// the context is cancelled.
func WithExponentialBackoff(ctx context.Context, cfg *Config, fn Func) error {
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts": attempt,
				}).Info("operation succeeded after retry")
			}
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
		if delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}

		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": cfg.MaxAttempts,
			"delay":       time.Duration(delay).String(),
			"error":       err.Error(),
		}).Warn("operation failed, retrying")

		select {
		case <-time.After(time.Duration(delay)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
