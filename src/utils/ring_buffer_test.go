package utils

import (
	"testing"

	"market-streamer/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------

func tick(ts int64, price float64) models.MTick {
	return models.MTick{Timestamp: ts, Price: price, Size: 1}
}

// -----------------------------------------------------------------------------

func TestRingBufferWrapsWithoutResizing(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 1; i <= 5; i++ {
		rb.Append(tick(int64(i), float64(i*10)))
	}

	// Oldest two entries were overwritten; capacity bounds the history.
	got := rb.GetLatest(10)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Timestamp)
	assert.Equal(t, int64(5), got[2].Timestamp)
	assert.Equal(t, 50.0, got[2].Price)
}

// -----------------------------------------------------------------------------

func TestRingBufferGetLatestBounds(t *testing.T) {
	rb := NewRingBuffer(5)

	assert.Empty(t, rb.GetLatest(3), "empty buffer yields no ticks")

	rb.Append(tick(1, 100))
	rb.Append(tick(2, 200))
	rb.Append(tick(3, 300))

	got := rb.GetLatest(2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Timestamp)
	assert.Equal(t, int64(3), got[1].Timestamp)

	assert.Empty(t, rb.GetLatest(0))
	assert.Len(t, rb.GetLatest(10), 3)
}
