package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	mlerrors "meshlink/pkg/errors"
)

var errTestError = errors.New("test error")

func fastConfig(maxAttempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  maxAttempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), func() error {
		attempts++
		return errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	if attempts != 3 { // initial attempt + 2 retries
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_NonRetryableCode(t *testing.T) {
	cfg := fastConfig(3)
	cfg.NonRetryableCodes = []mlerrors.ErrorCode{mlerrors.ErrCodePermissionDenied}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return mlerrors.NewPermissionDeniedError("camera access denied")
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for non-retryable error, got: %d", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, fastConfig(5), func() error {
		attempts++
		cancel()
		return errTestError
	})

	if err == nil {
		t.Error("Expected cancellation error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got: %d", attempts)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTestError
		}
		return "ok", nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected result 'ok', got: %q", result)
	}
}

func TestRetry_Disabled(t *testing.T) {
	cfg := fastConfig(3)
	cfg.Enabled = false

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errTestError
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt when disabled, got: %d", attempts)
	}
}

func TestCalculateDelay_CapsAtMax(t *testing.T) {
	cfg := fastConfig(10)
	d := calculateDelay(cfg, 20)
	if d > cfg.MaxDelay {
		t.Errorf("Expected delay capped at %v, got: %v", cfg.MaxDelay, d)
	}
}
