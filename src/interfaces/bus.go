package interfaces

import (
	"context"

	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// IMessageBus abstracts the pub/sub transport between the tick publisher
// and downstream consumers. At-least-once within the process lifetime.
// Backed by in-process channels, Redis or Kafka depending on config.
// -----------------------------------------------------------------------------

type IMessageBus interface {

	// Publish emits one tick on a logical topic. Must not block on slow
	// subscribers; the implementation decouples producer from consumer
	// speed with a bounded drop-oldest buffer.
	Publish(ctx context.Context, topic string, tick models.MTick) error

	// -----------------------------------------------------------------------------

	// Subscribe registers a handler for a topic. The handler runs on the
	// bus's consumer goroutine for that topic; per-topic ordering is
	// preserved, nothing is guaranteed across topics.
	Subscribe(ctx context.Context, topic string, handler func(models.MTick)) error

	// -----------------------------------------------------------------------------

	// Close shuts down consumer goroutines and releases transport resources.
	Close() error
}
