// Package retry retries idempotent backend calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config bounds how often and how patiently an operation is retried.
// Zero fields fall back to one attempt, 100ms, 5s and a factor of 2.
type Config struct {
	MaxAttempts  int // total attempts, first one included
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultConfig is three attempts with jittered backoff from 100ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	return c
}

// Result reports how many attempts ran and the final error, nil on success.
type Result struct {
	Attempts int
	Err      error
}

// Do executes op until it succeeds, returns a permanent error, runs out of
// attempts, or ctx is done.
func Do(ctx context.Context, config Config, op func(attempt int) error) Result {
	config = config.withDefaults()
	var result Result

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			if result.Err == nil {
				result.Err = err
			}
			return result
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err
		if IsPermanent(err) || attempt == config.MaxAttempts {
			return result
		}

		timer := time.NewTimer(Backoff(config, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result
		case <-timer.C:
		}
	}
	return result
}

// DoWithValue is Do for operations that produce a value; the value of the
// last attempt is returned.
func DoWithValue[T any](ctx context.Context, config Config, op func(attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, result
}

// Backoff returns the delay after the given failed attempt (1-indexed).
func Backoff(config Config, attempt int) time.Duration {
	config = config.withDefaults()
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(config.InitialDelay) * math.Pow(config.Factor, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter {
		// delay * [0.5, 1.5)
		delay *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration(delay)
}

// PermanentError stops Do from retrying the error it wraps.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err's chain holds a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
