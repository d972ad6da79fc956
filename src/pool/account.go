package pool

import (
	"context"
	"errors"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Account Actor
//
// All mutations of one account's assignment set run on a single goroutine
// fed by a command channel. That makes AddInstrument/RemoveInstrument
// mutually exclusive per account without any lock, and keeps accounts
// independent of each other: churn on account A never serializes behind
// account B, and nothing ever holds a lock while calling the upstream.
// -----------------------------------------------------------------------------

type assignment struct {
	mode models.SubscriptionMode
	refs int
}

type account struct {
	id       string
	capacity int
	session  interfaces.IUpstreamSession
	logger   *zap.Logger

	callTimeout time.Duration
	maxRetries  int
	retryDelay  time.Duration

	assigned   map[string]*assignment
	lastReload time.Time

	commands chan command
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

type command interface{ isCommand() }

type addCmd struct {
	id    string
	mode  models.SubscriptionMode
	reply chan error
}

type removeCmd struct {
	id    string
	reply chan removeResult
}

type removeResult struct {
	released bool // last reference gone, assignment removed
	err      error
}

type reloadCmd struct {
	reply chan error
}

type statusCmd struct {
	reply chan accountStatus
}

type accountStatus struct {
	status     models.MAccountStatus
	lastReload time.Time
}

func (addCmd) isCommand()    {}
func (removeCmd) isCommand() {}
func (reloadCmd) isCommand() {}
func (statusCmd) isCommand() {}

// -----------------------------------------------------------------------------

func newAccount(cfg models.MAccountConfig, session interfaces.IUpstreamSession, up models.MUpstreamConfig, log *zap.Logger) *account {
	return &account{
		id:          cfg.ID,
		capacity:    cfg.Capacity,
		session:     session,
		logger:      log.With(zap.String("account", cfg.ID)),
		callTimeout: time.Duration(up.CallTimeout) * time.Second,
		maxRetries:  up.MaxRetries,
		retryDelay:  time.Duration(up.RetryBaseDelay) * time.Millisecond,
		assigned:    make(map[string]*assignment),
		commands:    make(chan command, 64),
	}
}

// -----------------------------------------------------------------------------

// run is the actor loop. Exits when ctx is cancelled.
func (a *account) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.commands:
			switch c := cmd.(type) {
			case addCmd:
				c.reply <- a.handleAdd(ctx, c.id, c.mode)
			case removeCmd:
				c.reply <- a.handleRemove(ctx, c.id)
			case reloadCmd:
				c.reply <- a.handleReload(ctx)
			case statusCmd:
				c.reply <- accountStatus{
					status: models.MAccountStatus{
						AccountID:     a.id,
						Capacity:      a.capacity,
						Assigned:      len(a.assigned),
						SpareCapacity: a.capacity - len(a.assigned),
					},
					lastReload: a.lastReload,
				}
			}
		}
	}
}

// -----------------------------------------------------------------------------

// handleAdd places one instrument on this account. Capacity is checked
// here, on the actor, so two adds racing for the last slot cannot both win.
func (a *account) handleAdd(ctx context.Context, id string, mode models.SubscriptionMode) error {
	if existing, ok := a.assigned[id]; ok {
		// Shared demand: no upstream call, just another reference.
		existing.refs++
		return nil
	}

	if len(a.assigned) >= a.capacity {
		return helpers.ErrCapacityExhausted
	}

	err := a.callUpstream(ctx, func(callCtx context.Context) error {
		return a.session.Subscribe(callCtx, []string{id}, mode)
	})
	if err != nil {
		a.logger.Error("incremental subscribe failed",
			zap.String("instrument", id), zap.Error(err))
		return errors.Join(helpers.ErrUpstreamTransient, err)
	}

	a.assigned[id] = &assignment{mode: mode, refs: 1}
	a.logger.Debug("instrument subscribed",
		zap.String("instrument", id), zap.Int("assigned", len(a.assigned)))
	return nil
}

// -----------------------------------------------------------------------------

func (a *account) handleRemove(ctx context.Context, id string) removeResult {
	existing, ok := a.assigned[id]
	if !ok {
		// Never present: a no-op, not an error.
		return removeResult{}
	}

	existing.refs--
	if existing.refs > 0 {
		return removeResult{}
	}

	err := a.callUpstream(ctx, func(callCtx context.Context) error {
		return a.session.Unsubscribe(callCtx, []string{id})
	})
	if err != nil {
		// Keep the assignment so a later remove can retry the upstream call.
		existing.refs++
		a.logger.Error("incremental unsubscribe failed",
			zap.String("instrument", id), zap.Error(err))
		return removeResult{err: errors.Join(helpers.ErrUpstreamTransient, err)}
	}

	delete(a.assigned, id)
	return removeResult{released: true}
}

// -----------------------------------------------------------------------------

// handleReload is the explicit full resynchronization fallback. It restarts
// every stream on the account and therefore opens a multi-second gap for
// every instrument assigned here. Callers must prefer the incremental path.
func (a *account) handleReload(ctx context.Context) error {
	a.logger.Warn("full account reload requested; all streams on this account will restart",
		zap.Int("instruments", len(a.assigned)))

	byMode := make(map[models.SubscriptionMode][]string)
	all := make([]string, 0, len(a.assigned))
	for id, as := range a.assigned {
		byMode[as.mode] = append(byMode[as.mode], id)
		all = append(all, id)
	}

	if len(all) > 0 {
		if err := a.callUpstream(ctx, func(callCtx context.Context) error {
			return a.session.Unsubscribe(callCtx, all)
		}); err != nil {
			return errors.Join(helpers.ErrUpstreamTransient, err)
		}
	}

	for mode, ids := range byMode {
		mode, ids := mode, ids
		if err := a.callUpstream(ctx, func(callCtx context.Context) error {
			return a.session.Subscribe(callCtx, ids, mode)
		}); err != nil {
			return errors.Join(helpers.ErrUpstreamTransient, err)
		}
	}

	a.lastReload = time.Now()
	a.logger.Warn("full account reload complete")
	return nil
}

// -----------------------------------------------------------------------------

// callUpstream wraps one upstream call with the configured timeout and
// bounded retry. Unbounded blocking on the broker is never acceptable.
func (a *account) callUpstream(ctx context.Context, fn func(context.Context) error) error {
	return helpers.RetryWithBackoff(ctx, a.maxRetries, a.retryDelay, func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
		return fn(callCtx)
	})
}
