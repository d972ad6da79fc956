package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------

func newTestClient(baseURL string) *BackfillClient {
	cfg := &models.MConfig{
		Backfill: models.MBackfillConfig{
			BaseURL:        baseURL,
			RequestTimeout: 2,
			MaxRetries:     3,
		},
	}
	return NewBackfillClient(cfg, zap.NewNop())
}

func fetchWindow() (time.Time, time.Time) {
	to := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	return to.Add(-time.Hour), to
}

// -----------------------------------------------------------------------------

func TestFetchCandlesDecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"timestamp":1000,"open":10,"high":12,"low":9,"close":11,"volume":100}]`))
	}))
	defer srv.Close()

	from, to := fetchWindow()
	rows, err := newTestClient(srv.URL).FetchCandles(context.Background(), "NIFTY", from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1000), rows[0].Timestamp)
	assert.Equal(t, 11.0, rows[0].Close)
}

// -----------------------------------------------------------------------------

func TestFetchCandlesNotFoundCostsOneAttempt(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	from, to := fetchWindow()
	_, err := newTestClient(srv.URL).FetchCandles(context.Background(), "EXPIRED-FUT", from, to)
	require.ErrorIs(t, err, helpers.ErrNotFound)
	assert.Equal(t, int64(1), calls.Load(), "a 404 must not burn the retry budget")
}

// -----------------------------------------------------------------------------

func TestFetchCandlesRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	from, to := fetchWindow()
	rows, err := newTestClient(srv.URL).FetchCandles(context.Background(), "NIFTY", from, to)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int64(3), calls.Load())
}
