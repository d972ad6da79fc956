package bus

import (
	"context"
	"encoding/json"

	"market-streamer/src/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Redis Bus
//
// Low-latency pub/sub backend. Delivery is at-least-once within the
// process lifetime; messages published while no consumer is attached are
// lost, which is acceptable for the tick stream (history is reconciled
// separately).
// -----------------------------------------------------------------------------

type RedisBus struct {
	Logger *zap.Logger

	client *redis.Client
	cancel context.CancelFunc
	ctx    context.Context
}

// -----------------------------------------------------------------------------

func NewRedisBus(addr string, log *zap.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		Logger: log,
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// -----------------------------------------------------------------------------

func (b *RedisBus) Publish(ctx context.Context, topic string, tick models.MTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

// -----------------------------------------------------------------------------

func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler func(models.MTick)) error {
	pubsub := b.client.Subscribe(ctx, topic)
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var tick models.MTick
				if err := json.Unmarshal([]byte(msg.Payload), &tick); err != nil {
					b.Logger.Warn("redis bus: dropping undecodable message",
						zap.String("topic", topic), zap.Error(err))
					continue
				}
				handler(tick)
			case <-b.ctx.Done():
				return
			}
		}
	}()

	return nil
}

// -----------------------------------------------------------------------------

func (b *RedisBus) Close() error {
	b.cancel()
	return b.client.Close()
}
