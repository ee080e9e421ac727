// Package retry wraps outbound calls in bounded retry with exponential
// backoff. Attempt counts and base sleep vary per call site; once attempts
// are exhausted the last error is surfaced to the caller.
package retry

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Do runs fn up to attempts times. After a failed attempt it sleeps
// base * 2^n before the next one.
func Do(logger *zap.Logger, attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		sleep := base << uint(i)
		logger.Warn("Call failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", sleep),
			zap.Error(err),
		)
		time.Sleep(sleep)
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](logger *zap.Logger, attempts int, base time.Duration, fn func() (T, error)) (T, error) {
	var result T
	err := Do(logger, attempts, base, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
