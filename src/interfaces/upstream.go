package interfaces

import (
	"context"

	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// IUpstreamSession is one authenticated streaming connection to the broker.
// Capacity and rate limits are properties of the broker; the pool enforces
// the instrument-count capacity before calling Subscribe.
// -----------------------------------------------------------------------------

type IUpstreamSession interface {

	// AccountID returns the upstream account this session authenticates as.
	AccountID() string

	// -----------------------------------------------------------------------------

	// Connect establishes the streaming connection.
	Connect(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// Subscribe adds instruments to the live stream incrementally, without
	// disturbing instruments already subscribed.
	Subscribe(ctx context.Context, ids []string, mode models.SubscriptionMode) error

	// -----------------------------------------------------------------------------

	// Unsubscribe removes instruments from the live stream incrementally.
	Unsubscribe(ctx context.Context, ids []string) error

	// -----------------------------------------------------------------------------

	// OnTick registers the tick callback. Invoked from the session's own
	// read goroutine; the handler must not block.
	OnTick(handler func(models.MTick))

	// -----------------------------------------------------------------------------

	// Close tears down the connection.
	Close() error
}
