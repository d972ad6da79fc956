package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-streamer/src/analysis/core"
	"market-streamer/src/bus"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"
	"market-streamer/src/registry"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// IndicatorEngine
//
// Consumes tick topics from the bus, maintains one bounded candle series
// per (symbol, timeframe), and on each completed update computes every
// actively-subscribed indicator key for that series exactly once,
// regardless of how many connections subscribe to it. Results go to the
// out channel (consumed by the broadcast router) and into the snapshot
// cache that answers subscribe-time initial values.
// -----------------------------------------------------------------------------

const defaultSeriesCapacity = 500

type seriesKey struct {
	symbol    string
	timeframe string
}

// candleSeries is a bounded close-price series plus the bucket being built.
type candleSeries struct {
	interval    time.Duration
	closes      []float64
	capacity    int
	bucketStart int64
	bucketClose float64
	hasBucket   bool
}

type IndicatorEngine struct {
	Logger   *zap.Logger
	Bus      interfaces.IMessageBus
	Registry *registry.Registry

	mu       sync.Mutex
	series   map[seriesKey]*candleSeries
	watched  map[string]struct{} // symbol families with bus subscriptions
	snapshot map[models.MIndicatorKey]models.MIndicatorUpdate

	out chan models.MIndicatorUpdate
}

// -----------------------------------------------------------------------------

func NewIndicatorEngine(b interfaces.IMessageBus, reg *registry.Registry, log *zap.Logger) *IndicatorEngine {
	return &IndicatorEngine{
		Logger:   log.Named("engine"),
		Bus:      b,
		Registry: reg,
		series:   make(map[seriesKey]*candleSeries),
		watched:  make(map[string]struct{}),
		snapshot: make(map[models.MIndicatorKey]models.MIndicatorUpdate),
		out:      make(chan models.MIndicatorUpdate, 1024),
	}
}

// -----------------------------------------------------------------------------

// Updates is the stream of computed values, one per key per update cycle.
func (e *IndicatorEngine) Updates() <-chan models.MIndicatorUpdate {
	return e.out
}

// -----------------------------------------------------------------------------

// LatestValue satisfies registry.ValueSource for subscribe-time snapshots.
func (e *IndicatorEngine) LatestValue(key models.MIndicatorKey) (models.MIndicatorUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	upd, ok := e.snapshot[key]
	return upd, ok
}

// -----------------------------------------------------------------------------

// Watch attaches the engine to the underlying tick topic of a symbol
// family. Derivative contracts publish on their own topic and never fold
// into the family's close series; option and future prices are not the
// underlying price. Idempotent; called on the first client subscribe for
// a symbol.
func (e *IndicatorEngine) Watch(ctx context.Context, symbol string) error {
	e.mu.Lock()
	if _, ok := e.watched[symbol]; ok {
		e.mu.Unlock()
		return nil
	}
	e.watched[symbol] = struct{}{}
	e.mu.Unlock()

	handler := func(tick models.MTick) { e.onTick(symbol, tick) }
	if err := e.Bus.Subscribe(ctx, bus.UnderlyingTopic(symbol), handler); err != nil {
		return fmt.Errorf("engine: subscribe underlying topic: %w", err)
	}

	e.Logger.Info("watching symbol family", zap.String("symbol", symbol))
	return nil
}

// -----------------------------------------------------------------------------

// onTick folds a tick into every timeframe series that currently has
// demand, then recomputes the affected keys. Runs on the bus consumer
// goroutine for the symbol's topic, so per-symbol tick order is preserved.
func (e *IndicatorEngine) onTick(symbol string, tick models.MTick) {
	// Group the active keys of this symbol by timeframe.
	byTimeframe := make(map[string][]models.MIndicatorKey)
	for _, key := range e.Registry.ActiveKeys() {
		if key.Symbol == symbol {
			byTimeframe[key.Timeframe] = append(byTimeframe[key.Timeframe], key)
		}
	}
	if len(byTimeframe) == 0 {
		return
	}

	for timeframe, keys := range byTimeframe {
		interval, err := ParseTimeframe(timeframe)
		if err != nil {
			continue
		}

		e.mu.Lock()
		sk := seriesKey{symbol: symbol, timeframe: timeframe}
		s, ok := e.series[sk]
		if !ok {
			s = &candleSeries{interval: interval, capacity: defaultSeriesCapacity}
			e.series[sk] = s
		}
		s.apply(tick)
		prices := s.snapshotPrices()
		e.mu.Unlock()

		e.compute(keys, prices, tick.Timestamp)
	}
}

// -----------------------------------------------------------------------------

// compute evaluates each key once and publishes the result.
func (e *IndicatorEngine) compute(keys []models.MIndicatorKey, prices []float64, ts int64) {
	for _, key := range keys {
		fn, minLen, err := core.Resolve(key.Indicator)
		if err != nil {
			// Rejected at the subscribe boundary; a stray key is a bug worth
			// logging but never worth stopping the cycle for.
			e.Logger.Warn("unresolvable indicator key", zap.String("key", key.String()))
			continue
		}
		if len(prices) < minLen {
			continue
		}

		value, ok := fn(prices)
		if !ok {
			continue
		}

		update := models.MIndicatorUpdate{Key: key, Value: value, Timestamp: ts}

		e.mu.Lock()
		e.snapshot[key] = update
		e.mu.Unlock()

		select {
		case e.out <- update:
		default:
			// Router backlog: drop the oldest pending update to stay live.
			select {
			case <-e.out:
			default:
			}
			e.out <- update
		}
	}
}

// -----------------------------------------------------------------------------
// Candle folding
// -----------------------------------------------------------------------------

func (s *candleSeries) apply(tick models.MTick) {
	bucket := tick.Timestamp - (tick.Timestamp % s.interval.Milliseconds())

	switch {
	case !s.hasBucket:
		s.bucketStart = bucket
		s.bucketClose = tick.Price
		s.hasBucket = true
	case bucket == s.bucketStart:
		s.bucketClose = tick.Price
	default:
		// Bucket rolled over: seal the previous close into the series.
		s.closes = append(s.closes, s.bucketClose)
		if len(s.closes) > s.capacity {
			s.closes = s.closes[len(s.closes)-s.capacity:]
		}
		s.bucketStart = bucket
		s.bucketClose = tick.Price
	}
}

// snapshotPrices returns sealed closes plus the live bucket, oldest first.
func (s *candleSeries) snapshotPrices() []float64 {
	out := make([]float64, 0, len(s.closes)+1)
	out = append(out, s.closes...)
	if s.hasBucket {
		out = append(out, s.bucketClose)
	}
	return out
}

// -----------------------------------------------------------------------------

// ParseTimeframe converts "5m", "1h", "30s" style timeframes.
func ParseTimeframe(tf string) (time.Duration, error) {
	d, err := time.ParseDuration(tf)
	if err != nil {
		return 0, fmt.Errorf("invalid timeframe %q: %w", tf, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q: must be positive", tf)
	}
	return d, nil
}
