package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}

	v, ok := SMA(prices, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-9)

	v, ok = SMA(prices, 5)
	require.True(t, ok)
	assert.InDelta(t, 3.0, v, 1e-9)

	_, ok = SMA(prices, 6)
	assert.False(t, ok, "series shorter than period must not produce a value")

	_, ok = SMA(prices, 0)
	assert.False(t, ok)
}

// -----------------------------------------------------------------------------

func TestEMASeededWithSMA(t *testing.T) {
	// With exactly n prices the EMA equals the SMA seed.
	prices := []float64{10, 20, 30}
	v, ok := EMA(prices, 3)
	require.True(t, ok)
	assert.InDelta(t, 20.0, v, 1e-9)

	// One more price folds in with k = 2/(n+1) = 0.5.
	prices = append(prices, 40)
	v, ok = EMA(prices, 3)
	require.True(t, ok)
	assert.InDelta(t, 40*0.5+20*0.5, v, 1e-9)
}

// -----------------------------------------------------------------------------

func TestRSI(t *testing.T) {
	// Monotonically rising series: no losses, RSI pegs at 100.
	rising := []float64{1, 2, 3, 4, 5, 6}
	v, ok := RSI(rising, 5)
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-9)

	// Monotonically falling series: no gains, RSI pegs at 0.
	falling := []float64{6, 5, 4, 3, 2, 1}
	v, ok = RSI(falling, 5)
	require.True(t, ok)
	assert.InDelta(t, 0.0, v, 1e-9)

	// Needs period+1 prices.
	_, ok = RSI([]float64{1, 2, 3}, 3)
	assert.False(t, ok)
}

// -----------------------------------------------------------------------------

func TestResolve(t *testing.T) {
	fn, minLen, err := Resolve("SMA_20")
	require.NoError(t, err)
	assert.Equal(t, 20, minLen)
	assert.NotNil(t, fn)

	_, minLen, err = Resolve("RSI_14")
	require.NoError(t, err)
	assert.Equal(t, 15, minLen, "RSI needs one extra price for the first delta")

	_, _, err = Resolve("rsi_14")
	assert.NoError(t, err, "indicator names are case-insensitive")

	for _, bad := range []string{"SMA", "SMA_", "SMA_0", "SMA_-3", "SMA_x", "MACD_12"} {
		_, _, err := Resolve(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

// -----------------------------------------------------------------------------

func TestSupported(t *testing.T) {
	assert.True(t, Supported("EMA_9"))
	assert.False(t, Supported("VWAP_1"))
}
