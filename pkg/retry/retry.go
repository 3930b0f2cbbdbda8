// Package retry provides retry mechanisms with exponential backoff for GOSP services.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/hashlane/gosp/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration optimized for network operations
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// UpstreamConfig returns backoff configuration for the upstream pool
// reconnect loop. MaxAttempts is not used there; the loop runs until
// shutdown and only consumes the delay schedule.
func UpstreamConfig() *Config {
	return &Config{
		MaxAttempts: 1,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// DatabaseConfig returns retry configuration optimized for database operations
func DatabaseConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	if config == nil {
		config = DefaultConfig()
	}

	var lastErr error

	for attempt := range config.MaxAttempts {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.Delay(attempt)):
		}
	}

	return errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := range config.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(config.Delay(attempt)):
		}
	}

	wrappedErr := errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)

	return zero, wrappedErr
}

// Delay returns the backoff delay for the given zero-based attempt using
// exponential backoff, capped at MaxDelay, with optional jitter.
func (c *Config) Delay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))

	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		// Up to 10% random jitter
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}
