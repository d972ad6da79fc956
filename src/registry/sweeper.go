package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Sweeper
//
// Abandoned clients that disconnect without a clean close would otherwise
// accumulate forever. The sweeper drops any connection whose heartbeat is
// older than the timeout, cascading through Unsubscribe.
// -----------------------------------------------------------------------------

type Sweeper struct {
	Logger   *zap.Logger
	Registry *Registry

	Timeout  time.Duration
	Interval time.Duration

	// OnDrop lets the server close the underlying transport when the
	// registry gives up on a connection. Optional.
	OnDrop func(connID string)
}

// -----------------------------------------------------------------------------

func NewSweeper(r *Registry, timeout, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		Logger:   log.Named("sweeper"),
		Registry: r,
		Timeout:  timeout,
		Interval: interval,
	}
}

// -----------------------------------------------------------------------------

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// -----------------------------------------------------------------------------

func (s *Sweeper) sweep(now time.Time) {
	stale := s.Registry.expired(s.Timeout, now)
	for _, connID := range stale {
		s.Logger.Info("dropping connection on heartbeat timeout",
			zap.String("conn_id", connID))
		s.Registry.Drop(connID)
		if s.OnDrop != nil {
			s.OnDrop(connID)
		}
	}
}
