// Package retry provides retry logic with exponential backoff for remote calls.
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
	MaxAttempts int           `yaml:"max_attempts"` // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration `yaml:"initial_wait"` // Wait before the second attempt
	MaxWait     time.Duration `yaml:"max_wait"`     // Upper bound on a single wait
	Multiplier  float64       `yaml:"multiplier"`   // Backoff multiplier
	Jitter      float64       `yaml:"jitter"`       // Jitter factor (0-1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Once is a config that never retries.
func Once() Config {
	return Config{MaxAttempts: 1}
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

// Backoff returns the wait before attempt+1, without jitter.
func (c Config) Backoff(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	wait := float64(c.InitialWait) * math.Pow(mult, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	return time.Duration(wait)
}

func (c Config) jittered(attempt int) time.Duration {
	wait := float64(c.Backoff(attempt))
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
//
// Only errors wrapped with Retryable are retried; anything else is returned
// on the spot. The last error is returned unwrapped from RetryableError so
// callers see the transport error itself.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.jittered(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	var retryable RetryableError
	if errors.As(lastErr, &retryable) {
		return zero, retryable.Err
	}
	return zero, lastErr
}
