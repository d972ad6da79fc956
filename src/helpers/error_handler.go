package helpers

import (
	"context"
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Failure Taxonomy
//
// One sentinel per failure class so callers can branch with errors.Is
// instead of string matching. Failures local to one instrument or one
// connection never abort unrelated work.
// -----------------------------------------------------------------------------

var (
	// ErrCapacityExhausted: no upstream account has room for a new
	// instrument. Fatal to that request, surfaced to the caller.
	ErrCapacityExhausted = errors.New("upstream capacity exhausted")

	// ErrUpstreamTransient: network failure on an upstream call. Retried
	// with bounded backoff before being surfaced.
	ErrUpstreamTransient = errors.New("transient upstream failure")

	// ErrPermanentlyUnavailable: instrument expired or delisted. Recorded
	// once, never retried.
	ErrPermanentlyUnavailable = errors.New("data permanently unavailable")

	// ErrProtocol: malformed client message. The connection stays open.
	ErrProtocol = errors.New("client protocol error")

	// ErrNotFound: unknown instrument, connection or key.
	ErrNotFound = errors.New("not found")
)

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff runs fn up to maxRetries times with exponential backoff,
// stopping early on context cancellation or a non-retryable error. A
// not-found answer is authoritative and never heals inside the retry
// window, so burning the remaining attempts on it only adds load.
func RetryWithBackoff(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanentlyUnavailable) || errors.Is(err, ErrNotFound) {
			return err
		}

		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}
