// Package retry provides bounded retry logic with optional backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Wait before the second attempt (0 = no wait)
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns the per-key budget used by the sync loop: three
// attempts with no pause, since each failed attempt already either evicted
// a file or hit the network.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// ErrExhausted is returned (wrapping the last error) when every attempt
// failed with a retryable error.
var ErrExhausted = errors.New("retry budget exhausted")

type exhaustedError struct {
	last error
}

func (e *exhaustedError) Error() string {
	return ErrExhausted.Error() + ": " + e.last.Error()
}

func (e *exhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *exhaustedError) Unwrap() error { return e.last }

// Do executes fn with retries. fn receives the 1-based attempt number.
// Errors not marked Retryable stop immediately and are returned as is.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if wait := backoff(cfg, attempt); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return &exhaustedError{last: lastErr}
}

func backoff(cfg Config, attempt int) time.Duration {
	if cfg.InitialWait <= 0 {
		return 0
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	wait := float64(cfg.InitialWait) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}
