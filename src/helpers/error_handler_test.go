package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------

func TestRetryWithBackoffSucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// -----------------------------------------------------------------------------

func TestRetryWithBackoffExhaustsRetries(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return fmt.Errorf("always failing")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

// -----------------------------------------------------------------------------

func TestRetryWithBackoffStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		return fmt.Errorf("instrument gone: %w", ErrPermanentlyUnavailable)
	})

	assert.ErrorIs(t, err, ErrPermanentlyUnavailable)
	assert.Equal(t, 1, attempts, "permanent failures are never retried")
}

// -----------------------------------------------------------------------------

func TestRetryWithBackoffStopsOnNotFound(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		return fmt.Errorf("no such instrument: %w", ErrNotFound)
	})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, attempts, "a not-found answer is authoritative, never retried")
}

// -----------------------------------------------------------------------------

func TestRetryWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- RetryWithBackoff(ctx, 10, time.Hour, func() error {
			attempts++
			return fmt.Errorf("slow failure")
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}
