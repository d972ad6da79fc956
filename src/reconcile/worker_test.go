package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeSource struct{ ids []string }

func (s *fakeSource) ActiveInstruments() []string { return s.ids }

type fakeStore struct {
	latest      map[string]time.Time
	meta        map[string]models.MInstrument
	upserted    map[string][]models.MCandle
	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		latest:   make(map[string]time.Time),
		meta:     make(map[string]models.MInstrument),
		upserted: make(map[string][]models.MCandle),
	}
}

func (s *fakeStore) Initialize() error { return nil }
func (s *fakeStore) Close() error      { return nil }

func (s *fakeStore) LatestTimestamp(id string) (time.Time, error) {
	return s.latest[id], nil
}

func (s *fakeStore) Upsert(id string, rows []models.MCandle) error {
	s.upsertCalls++
	s.upserted[id] = append(s.upserted[id], rows...)
	return nil
}

func (s *fakeStore) Query(id string, from, to time.Time) ([]models.MCandle, error) {
	return nil, nil
}

func (s *fakeStore) InstrumentMeta(id string) (models.MInstrument, error) {
	m, ok := s.meta[id]
	if !ok {
		return models.MInstrument{}, helpers.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) UpsertInstrument(inst models.MInstrument) error {
	s.meta[inst.ID] = inst
	return nil
}

func (s *fakeStore) Instruments() ([]models.MInstrument, error) {
	out := make([]models.MInstrument, 0, len(s.meta))
	for _, m := range s.meta {
		out = append(out, m)
	}
	return out, nil
}

type fakeFetcher struct {
	calls []fetchCall
	err   error
	rows  []models.MCandle
}

type fetchCall struct {
	id       string
	from, to time.Time
}

func (f *fakeFetcher) FetchCandles(ctx context.Context, id string, from, to time.Time) ([]models.MCandle, error) {
	f.calls = append(f.calls, fetchCall{id: id, from: from, to: to})
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

// -----------------------------------------------------------------------------

func testConfig() models.MReconcileConfig {
	return models.MReconcileConfig{
		Interval:       60,
		StaleThreshold: 60,
		MaxRangePerRun: 60, // minutes
		MaxAttempts:    3,
		BackoffBase:    10,
	}
}

func newTestWorker(src *fakeSource, store *fakeStore, fetcher *fakeFetcher) *Worker {
	// Nil calendar: every minute counts as an open market minute.
	return NewWorker(src, store, fetcher, nil, testConfig(), zap.NewNop())
}

// -----------------------------------------------------------------------------

func TestReconcileBackfillsStaleInstrument(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.latest["X"] = now.Add(-10 * time.Minute)
	fetcher := &fakeFetcher{rows: []models.MCandle{{InstrumentID: "X", Timestamp: now.UnixMilli()}}}
	w := newTestWorker(&fakeSource{ids: []string{"X"}}, store, fetcher)

	w.reconcileOne(context.Background(), "X", now)

	require.Len(t, fetcher.calls, 1)
	assert.Equal(t, store.latest["X"], fetcher.calls[0].from)
	assert.Equal(t, now, fetcher.calls[0].to)
	assert.Len(t, store.upserted["X"], 1)
	assert.Empty(t, w.gaps)
}

// -----------------------------------------------------------------------------

func TestReconcileSkipsFreshInstrument(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.latest["X"] = now.Add(-10 * time.Second) // inside the stale threshold
	fetcher := &fakeFetcher{}
	w := newTestWorker(&fakeSource{ids: []string{"X"}}, store, fetcher)

	w.reconcileOne(context.Background(), "X", now)

	assert.Empty(t, fetcher.calls)
}

// -----------------------------------------------------------------------------

func TestReconcileCapsRangePerRun(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.latest["X"] = now.Add(-10 * 24 * time.Hour) // huge hole
	fetcher := &fakeFetcher{}
	w := newTestWorker(&fakeSource{ids: []string{"X"}}, store, fetcher)

	w.reconcileOne(context.Background(), "X", now)

	require.Len(t, fetcher.calls, 1)
	span := fetcher.calls[0].to.Sub(fetcher.calls[0].from)
	assert.Equal(t, 60*time.Minute, span, "one run never fetches more than the cap")
}

// -----------------------------------------------------------------------------

func TestReconcileEmptySeriesStartsOneRangeBack(t *testing.T) {
	now := time.Now()
	store := newFakeStore() // no latest entry: zero time
	fetcher := &fakeFetcher{}
	w := newTestWorker(&fakeSource{ids: []string{"X"}}, store, fetcher)

	w.reconcileOne(context.Background(), "X", now)

	require.Len(t, fetcher.calls, 1)
	assert.Equal(t, now.Add(-60*time.Minute), fetcher.calls[0].from)
}

// -----------------------------------------------------------------------------

func TestTransientFailureBacksOff(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.latest["X"] = now.Add(-10 * time.Minute)
	fetcher := &fakeFetcher{err: fmt.Errorf("upstream 503")}
	w := newTestWorker(&fakeSource{ids: []string{"X"}}, store, fetcher)

	w.reconcileOne(context.Background(), "X", now)

	gap, ok := w.gaps["X"]
	require.True(t, ok)
	assert.Equal(t, models.GapTransient, gap.Class)
	assert.Equal(t, 1, gap.Attempts)
	assert.True(t, gap.NextRetry.After(now))

	// A second pass inside the backoff window must not hit the fetcher.
	w.reconcileOne(context.Background(), "X", now)
	assert.Len(t, fetcher.calls, 1)

	// After the backoff elapses the retry goes out, with doubled backoff
	// on the next failure.
	w.reconcileOne(context.Background(), "X", gap.NextRetry.Add(time.Second))
	assert.Len(t, fetcher.calls, 2)
	assert.Equal(t, 2, w.gaps["X"].Attempts)
}

// -----------------------------------------------------------------------------

func TestRetriesExhaustAtMaxAttempts(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.latest["X"] = now.Add(-10 * time.Minute)
	fetcher := &fakeFetcher{err: fmt.Errorf("upstream 503")}
	w := newTestWorker(&fakeSource{ids: []string{"X"}}, store, fetcher)

	at := now
	for i := 0; i < 5; i++ {
		w.reconcileOne(context.Background(), "X", at)
		at = w.gaps["X"].NextRetry.Add(time.Second)
	}

	assert.Equal(t, testConfig().MaxAttempts, w.gaps["X"].Attempts,
		"attempts stop growing once the budget is spent")
	assert.Len(t, fetcher.calls, testConfig().MaxAttempts)
}

// -----------------------------------------------------------------------------

func TestExpiredInstrumentGetsPermanentGap(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.latest["OPT1"] = now.Add(-10 * time.Minute)
	store.meta["OPT1"] = models.MInstrument{
		ID:     "OPT1",
		Symbol: "NIFTY",
		Kind:   models.KindDerivative,
		Expiry: now.Add(-24 * time.Hour),
	}
	fetcher := &fakeFetcher{err: helpers.ErrNotFound}
	w := newTestWorker(&fakeSource{ids: []string{"OPT1"}}, store, fetcher)

	w.reconcileOne(context.Background(), "OPT1", now)

	gap, ok := w.gaps["OPT1"]
	require.True(t, ok)
	assert.Equal(t, models.GapPermanent, gap.Class)

	// Permanent records are never retried, no matter how much time passes.
	w.reconcileOne(context.Background(), "OPT1", now.Add(365*24*time.Hour))
	assert.Len(t, fetcher.calls, 1)
}

// -----------------------------------------------------------------------------

func TestNotFoundOnLiveInstrumentStaysTransient(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.latest["X"] = now.Add(-10 * time.Minute)
	store.meta["X"] = models.MInstrument{ID: "X", Symbol: "X", Kind: models.KindUnderlying}
	fetcher := &fakeFetcher{err: helpers.ErrNotFound}
	w := newTestWorker(&fakeSource{ids: []string{"X"}}, store, fetcher)

	w.reconcileOne(context.Background(), "X", now)

	gap, ok := w.gaps["X"]
	require.True(t, ok)
	assert.Equal(t, models.GapTransient, gap.Class, "a 404 without expiry evidence keeps retrying")
}
