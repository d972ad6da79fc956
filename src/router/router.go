package router

import (
	"context"

	"market-streamer/src/models"
	"market-streamer/src/registry"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// BroadcastRouter
//
// Turns "one computed value for key K" into point-to-point sends to exactly
// the connections subscribed to K. The value is computed once per cycle per
// key upstream of the router; fan-out cost is the only per-subscriber work.
// -----------------------------------------------------------------------------

// IClientSink delivers one push to one connection. Send must not block;
// it reports false when the connection is gone or its buffer is full.
type IClientSink interface {
	Send(connID string, push models.MIndicatorPush) bool
}

type BroadcastRouter struct {
	Logger   *zap.Logger
	Registry *registry.Registry
	Sink     IClientSink
}

// -----------------------------------------------------------------------------

func NewBroadcastRouter(reg *registry.Registry, sink IClientSink, log *zap.Logger) *BroadcastRouter {
	return &BroadcastRouter{
		Logger:   log.Named("router"),
		Registry: reg,
		Sink:     sink,
	}
}

// -----------------------------------------------------------------------------

// Dispatch delivers one computed update to every subscriber of its key.
// A failed send is logged and skipped; it never aborts delivery to the
// remaining connections.
func (r *BroadcastRouter) Dispatch(update models.MIndicatorUpdate) {
	subscribers := r.Registry.LookupSubscribers(update.Key)
	if len(subscribers) == 0 {
		return
	}

	push := models.MIndicatorPush{
		Type:        "indicator_update",
		Symbol:      update.Key.Symbol,
		Timeframe:   update.Key.Timeframe,
		IndicatorID: update.Key.Indicator,
		Value:       update.Value,
		Timestamp:   update.Timestamp,
	}

	for _, connID := range subscribers {
		if !r.Sink.Send(connID, push) {
			r.Logger.Debug("send failed, connection gone or slow",
				zap.String("conn_id", connID),
				zap.String("key", update.Key.String()))
		}
	}
}

// -----------------------------------------------------------------------------

// Run consumes computed updates until the context is cancelled.
func (r *BroadcastRouter) Run(ctx context.Context, updates <-chan models.MIndicatorUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			r.Dispatch(update)
		}
	}
}
