package upstream

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// MockSession
//
// Random-walk tick generator with the same surface as a live session. Ticks
// are stamped TickSourceSimulated at the source so downstream consumers can
// keep generator output out of the production series.
// -----------------------------------------------------------------------------

type MockSession struct {
	Logger *zap.Logger

	accountID string
	interval  time.Duration

	mu         sync.Mutex
	subscribed map[string]float64 // instrument -> last price
	onTick     func(models.MTick)

	cancel context.CancelFunc
}

// -----------------------------------------------------------------------------

func NewMockSession(accountID string, interval time.Duration, log *zap.Logger) *MockSession {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &MockSession{
		Logger:     log.Named("mock").With(zap.String("account", accountID)),
		accountID:  accountID,
		interval:   interval,
		subscribed: make(map[string]float64),
	}
}

// -----------------------------------------------------------------------------

func (s *MockSession) AccountID() string {
	return s.accountID
}

// -----------------------------------------------------------------------------

func (s *MockSession) Connect(ctx context.Context) error {
	genCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.generate(genCtx)
	return nil
}

// -----------------------------------------------------------------------------

func (s *MockSession) Subscribe(ctx context.Context, ids []string, mode models.SubscriptionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.subscribed[id]; !ok {
			// Seed each walk with a plausible starting price.
			s.subscribed[id] = 100 + rand.Float64()*900
		}
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *MockSession) Unsubscribe(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.subscribed, id)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *MockSession) OnTick(handler func(models.MTick)) {
	s.mu.Lock()
	s.onTick = handler
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------

func (s *MockSession) generate(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitAll()
		}
	}
}

// -----------------------------------------------------------------------------

func (s *MockSession) emitAll() {
	s.mu.Lock()
	handler := s.onTick
	ticks := make([]models.MTick, 0, len(s.subscribed))
	now := time.Now().UnixMilli()
	for id, last := range s.subscribed {
		// Random walk, clamped above zero.
		next := last * (1 + (rand.Float64()-0.5)*0.004)
		if next <= 0 {
			next = last
		}
		s.subscribed[id] = next
		ticks = append(ticks, models.MTick{
			InstrumentID: id,
			Price:        next,
			Size:         float64(rand.Intn(500) + 1),
			OpenInterest: float64(rand.Intn(100000)),
			Timestamp:    now,
			Source:       models.TickSourceSimulated,
		})
	}
	s.mu.Unlock()

	if handler == nil {
		return
	}
	for _, t := range ticks {
		handler(t)
	}
}

// -----------------------------------------------------------------------------

func (s *MockSession) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
