package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	mlerrors "meshlink/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	Enabled           bool                  // Enable/disable retry logic
	MaxAttempts       int                   // Maximum number of retry attempts
	InitialDelay      time.Duration         // Initial delay before first retry
	MaxDelay          time.Duration         // Maximum delay between retries
	Multiplier        float64               // Exponential backoff multiplier (typically 2.0)
	Jitter            bool                  // Add random jitter to prevent thundering herd
	NonRetryableCodes []mlerrors.ErrorCode  // Session error codes that should never be retried
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		NonRetryableCodes: []mlerrors.ErrorCode{
			mlerrors.ErrCodePermissionDenied,
			mlerrors.ErrCodeAuthRequired,
			mlerrors.ErrCodeQuotaExceeded,
			mlerrors.ErrCodeConnectionLimit,
		},
	}
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with
// exponential backoff retry logic
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if isNonRetryable(err, cfg.NonRetryableCodes) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}

		// Don't sleep after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg, attempt)

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for exponential backoff
func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	duration := time.Duration(delay)

	// ±25% random variation
	if cfg.Jitter {
		jitter := duration / 4
		duration = duration - jitter + time.Duration(rand.Int63n(int64(jitter)*2+1))
	}

	return duration
}

// isNonRetryable checks whether the error carries a code from the
// non-retryable list
func isNonRetryable(err error, codes []mlerrors.ErrorCode) bool {
	for _, code := range codes {
		if mlerrors.HasCode(err, code) {
			return true
		}
	}
	return false
}
