package core

import (
	"fmt"
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------
// Indicator Functions
//
// Each indicator is a pure function of a price series (oldest first).
// The boolean result is false while the series is too short.
// -----------------------------------------------------------------------------

type IndicatorFunc func(prices []float64) (float64, bool)

// -----------------------------------------------------------------------------

// SMA computes the simple moving average of the last n prices.
func SMA(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n {
		return 0, false
	}

	sum := 0.0
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n), true
}

// -----------------------------------------------------------------------------

// EMA computes the exponential moving average with period n, seeded with
// the SMA of the first n prices.
func EMA(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n {
		return 0, false
	}

	seed, _ := SMA(prices[:n], n)
	k := 2.0 / float64(n+1)

	ema := seed
	for _, p := range prices[n:] {
		ema = p*k + ema*(1-k)
	}
	return ema, true
}

// -----------------------------------------------------------------------------

// RSI computes Wilder's relative strength index with period n.
func RSI(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i <= n; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)

	// Wilder smoothing over the remainder of the series.
	for i := n + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if delta > 0 {
			g = delta
		} else {
			l = -delta
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// -----------------------------------------------------------------------------
// Indicator Resolution
//
// Names follow the "NAME_PERIOD" convention, e.g. "RSI_14", "SMA_20",
// "EMA_9". Unknown names are rejected at the subscribe boundary.
// -----------------------------------------------------------------------------

// Resolve parses an indicator name into its function and minimum series
// length.
func Resolve(name string) (IndicatorFunc, int, error) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("malformed indicator name %q", name)
	}

	period, err := strconv.Atoi(parts[1])
	if err != nil || period <= 0 {
		return nil, 0, fmt.Errorf("invalid indicator period in %q", name)
	}

	switch strings.ToUpper(parts[0]) {
	case "SMA":
		return func(p []float64) (float64, bool) { return SMA(p, period) }, period, nil
	case "EMA":
		return func(p []float64) (float64, bool) { return EMA(p, period) }, period, nil
	case "RSI":
		return func(p []float64) (float64, bool) { return RSI(p, period) }, period + 1, nil
	default:
		return nil, 0, fmt.Errorf("unsupported indicator %q", parts[0])
	}
}

// -----------------------------------------------------------------------------

// Supported reports whether an indicator name resolves.
func Supported(name string) bool {
	_, _, err := Resolve(name)
	return err == nil
}
