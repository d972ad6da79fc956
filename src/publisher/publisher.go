package publisher

import (
	"context"
	"sync"

	"market-streamer/src/bus"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"
	"market-streamer/src/utils"

	"go.uber.org/zap"
)

// Per-instrument in-memory tick history depth.
const historyCapacity = 1000

// -----------------------------------------------------------------------------
// TickPublisher
//
// Sits between the pool's live sessions and the bus. Ticks arrive on each
// session's own read goroutine; normalization and topic routing happen
// inline and the bus publish is non-blocking, so a slow consumer can never
// stall ingestion. Underlying and derivative instruments publish on
// separate topics because they have different subscriber populations.
// -----------------------------------------------------------------------------

type TickPublisher struct {
	Logger *zap.Logger
	Bus    interfaces.IMessageBus

	mu       sync.RWMutex
	catalog  map[string]models.MInstrument // instrument id -> metadata
	sequence map[string]uint64             // instrument id -> last published seq
	history  map[string]*utils.RingBuffer  // instrument id -> recent ticks
}

// -----------------------------------------------------------------------------

func NewTickPublisher(b interfaces.IMessageBus, log *zap.Logger) *TickPublisher {
	return &TickPublisher{
		Logger:   log.Named("publisher"),
		Bus:      b,
		catalog:  make(map[string]models.MInstrument),
		sequence: make(map[string]uint64),
		history:  make(map[string]*utils.RingBuffer),
	}
}

// -----------------------------------------------------------------------------

// RegisterInstrument teaches the publisher how to route one instrument.
// Unregistered instruments fall back to their own id as symbol family,
// treated as underlying.
func (p *TickPublisher) RegisterInstrument(inst models.MInstrument) {
	p.mu.Lock()
	p.catalog[inst.ID] = inst
	p.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Attach registers this publisher as the tick sink of a session.
func (p *TickPublisher) Attach(session interfaces.IUpstreamSession) {
	session.OnTick(p.Publish)
}

// -----------------------------------------------------------------------------

// Publish normalizes one tick and emits it on the right topic. The source
// flag must already be stamped by the producing session; it is never
// inferred here.
func (p *TickPublisher) Publish(tick models.MTick) {
	if tick.InstrumentID == "" {
		p.Logger.Warn("dropping tick without instrument id")
		return
	}
	if tick.Source == "" {
		// Refuse to guess: an unstamped tick is a producer bug.
		p.Logger.Error("dropping tick with unstamped source",
			zap.String("instrument", tick.InstrumentID))
		return
	}

	p.mu.Lock()
	inst, known := p.catalog[tick.InstrumentID]
	p.sequence[tick.InstrumentID]++
	tick.Sequence = p.sequence[tick.InstrumentID]
	hist, ok := p.history[tick.InstrumentID]
	if !ok {
		hist = utils.NewRingBuffer(historyCapacity)
		p.history[tick.InstrumentID] = hist
	}
	hist.Append(tick)
	p.mu.Unlock()

	symbol := tick.InstrumentID
	kind := models.KindUnderlying
	if known {
		symbol = inst.Symbol
		kind = inst.Kind
	}

	topic := bus.UnderlyingTopic(symbol)
	if kind == models.KindDerivative {
		topic = bus.DerivativesTopic(symbol)
	}

	if err := p.Bus.Publish(context.Background(), topic, tick); err != nil {
		// Local to one tick: log and move on, never abort the stream.
		p.Logger.Warn("bus publish failed",
			zap.String("topic", topic),
			zap.String("instrument", tick.InstrumentID),
			zap.Error(err))
	}
}

// -----------------------------------------------------------------------------

// Recent returns up to n recent ticks for an instrument from the in-memory
// history, oldest first.
func (p *TickPublisher) Recent(instrumentID string, n int) []models.MTick {
	p.mu.RLock()
	defer p.mu.RUnlock()

	hist, ok := p.history[instrumentID]
	if !ok {
		return []models.MTick{}
	}

	ticks := hist.GetLatest(n)
	for i := range ticks {
		ticks[i].InstrumentID = instrumentID
	}
	return ticks
}
