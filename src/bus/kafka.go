package bus

import (
	"context"
	"encoding/json"
	"sync"

	"market-streamer/src/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Kafka Bus
//
// Durable backend for deployments where the tick stream feeds consumers
// outside this process. One writer and one reader per topic; the reader
// group id keeps at-least-once semantics across consumers.
// -----------------------------------------------------------------------------

type KafkaBus struct {
	Logger *zap.Logger

	brokers []string
	groupID string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
}

// -----------------------------------------------------------------------------

func NewKafkaBus(brokers []string, groupID string, log *zap.Logger) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		Logger:  log,
		brokers: brokers,
		groupID: groupID,
		writers: make(map[string]*kafka.Writer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// -----------------------------------------------------------------------------

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:     kafka.TCP(b.brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
			Async:    true, // publishing must not block the ingestion path
		}
		b.writers[topic] = w
	}
	return w
}

// -----------------------------------------------------------------------------

func (b *KafkaBus) Publish(ctx context.Context, topic string, tick models.MTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	// Keyed by instrument so per-instrument ordering survives partitioning.
	return b.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(tick.InstrumentID),
		Value: data,
	})
}

// -----------------------------------------------------------------------------

func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler func(models.MTick)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		Topic:   topic,
		GroupID: b.groupID,
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	go func() {
		for {
			m, err := reader.ReadMessage(b.ctx)
			if err != nil {
				if b.ctx.Err() != nil {
					return
				}
				b.Logger.Warn("kafka bus read error", zap.String("topic", topic), zap.Error(err))
				return
			}
			var tick models.MTick
			if err := json.Unmarshal(m.Value, &tick); err != nil {
				b.Logger.Warn("kafka bus: dropping undecodable message",
					zap.String("topic", topic), zap.Error(err))
				continue
			}
			handler(tick)
		}
	}()

	return nil
}

// -----------------------------------------------------------------------------

func (b *KafkaBus) Close() error {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.writers {
		w.Close()
	}
	for _, r := range b.readers {
		r.Close()
	}
	return nil
}
