package bus

import (
	"context"
	"fmt"
	"sync"

	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Topic Naming
// -----------------------------------------------------------------------------

// UnderlyingTopic names the channel carrying ticks for the underlying
// instruments of a symbol family.
func UnderlyingTopic(symbol string) string {
	return fmt.Sprintf("%s:underlying", symbol)
}

// DerivativesTopic names the channel carrying option/future ticks of a
// symbol family.
func DerivativesTopic(symbol string) string {
	return fmt.Sprintf("%s:derivatives", symbol)
}

// -----------------------------------------------------------------------------
// In-Process Bus
//
// One bounded queue and one consumer goroutine per topic. Publish never
// blocks: when a queue is full the oldest message is dropped so a slow
// consumer cannot stall tick ingestion.
// -----------------------------------------------------------------------------

type MemoryBus struct {
	Logger *zap.Logger

	bufferSize int
	mu         sync.RWMutex
	topics     map[string]*memoryTopic
	closed     bool
}

type memoryTopic struct {
	queue    chan models.MTick
	handlers []func(models.MTick)
	hmu      sync.RWMutex
	done     chan struct{}
}

// -----------------------------------------------------------------------------

func NewMemoryBus(bufferSize int, log *zap.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &MemoryBus{
		Logger:     log,
		bufferSize: bufferSize,
		topics:     make(map[string]*memoryTopic),
	}
}

// -----------------------------------------------------------------------------

func (b *MemoryBus) topic(name string) *memoryTopic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}

	t = &memoryTopic{
		queue: make(chan models.MTick, b.bufferSize),
		done:  make(chan struct{}),
	}
	b.topics[name] = t

	go t.consume()
	return t
}

// -----------------------------------------------------------------------------

func (t *memoryTopic) consume() {
	for {
		select {
		case tick := <-t.queue:
			t.hmu.RLock()
			handlers := t.handlers
			t.hmu.RUnlock()
			for _, h := range handlers {
				h(tick)
			}
		case <-t.done:
			return
		}
	}
}

// -----------------------------------------------------------------------------

// Publish enqueues a tick with drop-oldest overflow.
func (b *MemoryBus) Publish(ctx context.Context, topic string, tick models.MTick) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("bus closed")
	}

	t := b.topic(topic)
	for {
		select {
		case t.queue <- tick:
			return nil
		default:
			// Queue full: evict the oldest entry and retry.
			select {
			case dropped := <-t.queue:
				b.Logger.Warn("bus queue full, dropping oldest tick",
					zap.String("topic", topic),
					zap.String("instrument", dropped.InstrumentID))
			default:
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler func(models.MTick)) error {
	t := b.topic(topic)
	t.hmu.Lock()
	t.handlers = append(t.handlers, handler)
	t.hmu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		close(t.done)
	}
	return nil
}
