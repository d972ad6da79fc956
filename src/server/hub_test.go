package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"market-streamer/src/bus"
	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"
	"market-streamer/src/pool"
	"market-streamer/src/publisher"
	"market-streamer/src/reconcile"
	"market-streamer/src/registry"
	"market-streamer/src/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type stubSession struct {
	id string

	mu         sync.Mutex
	subscribed map[string]struct{}
}

func newStubSession(id string) *stubSession {
	return &stubSession{id: id, subscribed: make(map[string]struct{})}
}

func (s *stubSession) AccountID() string                 { return s.id }
func (s *stubSession) Connect(ctx context.Context) error { return nil }
func (s *stubSession) Close() error                      { return nil }
func (s *stubSession) OnTick(handler func(models.MTick)) {}

func (s *stubSession) Subscribe(ctx context.Context, ids []string, mode models.SubscriptionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.subscribed[id] = struct{}{}
	}
	return nil
}

func (s *stubSession) Unsubscribe(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.subscribed, id)
	}
	return nil
}

func (s *stubSession) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribed[id]
	return ok
}

// -----------------------------------------------------------------------------

type stubBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *stubBus) Publish(ctx context.Context, topic string, tick models.MTick) error {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return nil
}

func (b *stubBus) Subscribe(ctx context.Context, topic string, handler func(models.MTick)) error {
	return nil
}

func (b *stubBus) Close() error { return nil }

func (b *stubBus) lastTopic() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.topics) == 0 {
		return ""
	}
	return b.topics[len(b.topics)-1]
}

// -----------------------------------------------------------------------------

type memStore struct {
	mu   sync.Mutex
	meta map[string]models.MInstrument
}

func newMemStore() *memStore {
	return &memStore{meta: make(map[string]models.MInstrument)}
}

func (s *memStore) Initialize() error { return nil }
func (s *memStore) Close() error      { return nil }

func (s *memStore) LatestTimestamp(id string) (time.Time, error) { return time.Time{}, nil }
func (s *memStore) Upsert(id string, rows []models.MCandle) error { return nil }

func (s *memStore) Query(id string, from, to time.Time) ([]models.MCandle, error) {
	return nil, nil
}

func (s *memStore) InstrumentMeta(id string) (models.MInstrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[id]
	if !ok {
		return models.MInstrument{}, helpers.ErrNotFound
	}
	return m, nil
}

func (s *memStore) UpsertInstrument(inst models.MInstrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[inst.ID] = inst
	return nil
}

func (s *memStore) Instruments() ([]models.MInstrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MInstrument, 0, len(s.meta))
	for _, m := range s.meta {
		out = append(out, m)
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *stubSession, *memStore, *stubBus) {
	t.Helper()
	log := zap.NewNop()

	sess := newStubSession("acc-1")
	upCfg := models.MUpstreamConfig{
		CallTimeout:    2,
		MaxRetries:     1,
		RetryBaseDelay: 1,
		Accounts:       []models.MAccountConfig{{ID: "acc-1", Capacity: 8}},
	}
	p, err := pool.NewConnectionPool(upCfg, []interfaces.IUpstreamSession{sess}, log)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	b := &stubBus{}
	pub := publisher.NewTickPublisher(b, log)
	store := newMemStore()
	reg := registry.NewRegistry(4, log)
	rec := reconcile.NewWorker(p, store, nil, nil, models.MReconcileConfig{}, log)
	sup := supervisor.NewSupervisor(1, time.Millisecond, log)

	cfg := &models.MConfig{Name: "test", Host: "127.0.0.1", Port: 8081}
	s := NewServer(cfg, reg, p, pub, rec, sup, store, log)
	return s, sess, store, b
}

func newTestClient(s *Server, connID string) *Client {
	c := &Client{
		connID:    connID,
		userID:    "u1",
		sessionID: "s1",
		server:    s,
		logger:    zap.NewNop(),
		send:      make(chan models.MIndicatorPush, sendBufferSize),
		replies:   make(chan models.MServerResponse, 16),
	}
	s.Registry.Register(c.connID, c.userID, c.sessionID)
	s.addClient(c)
	return c
}

func subscribeReq(symbol string) models.MClientRequest {
	return models.MClientRequest{
		Action:     models.ActionSubscribe,
		Symbol:     symbol,
		Timeframe:  "1m",
		Indicators: []string{"RSI_14"},
	}
}

// -----------------------------------------------------------------------------
// Upstream demand lifecycle
// -----------------------------------------------------------------------------

// A heartbeat timeout drops the registry record before the transport
// close unwinds the read loop. The disconnect that follows must still
// release the connection's upstream reference.
func TestSweepThenDisconnectReleasesUpstream(t *testing.T) {
	s, sess, _, _ := newTestServer(t)
	c := newTestClient(s, "c1")

	s.handleSubscribe(c, subscribeReq("NIFTY"))
	_, owned := s.Pool.Owner("NIFTY")
	require.True(t, owned)
	require.True(t, sess.has("NIFTY"))

	// Sweeper half of the cascade: registry record gone, transport closed.
	s.Registry.Drop("c1")
	// Read loop unwinding afterwards.
	s.handleDisconnect(c)
	s.removeClient("c1")

	_, owned = s.Pool.Owner("NIFTY")
	assert.False(t, owned)
	assert.Empty(t, s.Pool.ActiveInstruments())
	assert.False(t, sess.has("NIFTY"))
}

// -----------------------------------------------------------------------------

func TestResubscribeSwapsUpstreamReference(t *testing.T) {
	s, sess, _, _ := newTestServer(t)
	c := newTestClient(s, "c1")

	s.handleSubscribe(c, subscribeReq("NIFTY"))
	s.handleSubscribe(c, subscribeReq("BANKNIFTY"))

	_, owned := s.Pool.Owner("NIFTY")
	assert.False(t, owned, "old symbol must be released on swap")
	_, owned = s.Pool.Owner("BANKNIFTY")
	assert.True(t, owned)
	assert.False(t, sess.has("NIFTY"))
	assert.True(t, sess.has("BANKNIFTY"))

	s.handleUnsubscribe(c, models.MClientRequest{Action: models.ActionUnsubscribe})
	assert.Empty(t, s.Pool.ActiveInstruments())

	// A second unsubscribe is a no-op, never a double release.
	s.handleUnsubscribe(c, models.MClientRequest{Action: models.ActionUnsubscribe})
	assert.Empty(t, s.Pool.ActiveInstruments())
}

// -----------------------------------------------------------------------------
// Instrument catalog ingestion
// -----------------------------------------------------------------------------

func TestInstrumentIngestionFeedsStoreAndPublisher(t *testing.T) {
	s, _, store, b := newTestServer(t)

	body := `{"id":"NIFTY-FUT-SEP","symbol":"NIFTY","kind":"derivative","expiry":"2026-09-24T00:00:00Z"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/instruments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	// Persisted: the gap reconciler can classify the contract once it
	// expires.
	meta, err := store.InstrumentMeta("NIFTY-FUT-SEP")
	require.NoError(t, err)
	assert.Equal(t, models.KindDerivative, meta.Kind)
	assert.False(t, meta.Expired(time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, meta.Expired(time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)))

	// Routed: the contract's ticks leave on the family's derivatives
	// topic, away from the underlying close series.
	s.Publisher.Publish(models.MTick{
		InstrumentID: "NIFTY-FUT-SEP",
		Price:        101.5,
		Timestamp:    1,
		Source:       models.TickSourceLive,
	})
	assert.Equal(t, bus.DerivativesTopic("NIFTY"), b.lastTopic())

	// Round-trip through the read side.
	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/instruments/NIFTY-FUT-SEP", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/instruments/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// -----------------------------------------------------------------------------

func TestInstrumentIngestionRejectsBadInput(t *testing.T) {
	s, _, store, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing id", `{"symbol":"NIFTY"}`},
		{"bad kind", `{"id":"NIFTY","kind":"swap"}`},
		{"malformed json", `{`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/instruments", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			s.engine.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	insts, err := store.Instruments()
	require.NoError(t, err)
	assert.Empty(t, insts)
}
