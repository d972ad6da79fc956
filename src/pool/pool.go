package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// ConnectionPool
//
// Keeps exactly the set of instruments that currently have demand
// subscribed on some upstream account, respecting per-account capacity,
// without interrupting unrelated instruments. Placement is first-fit; the
// only cross-account state is the instrument -> account index, held under
// a short mutex that is never held across an upstream call.
// -----------------------------------------------------------------------------

type ConnectionPool struct {
	Logger *zap.Logger

	accounts []*account // first-fit order

	mu    sync.RWMutex
	index map[string]*account // instrument -> owning account

	ctx    context.Context
	cancel context.CancelFunc
}

// -----------------------------------------------------------------------------

// NewConnectionPool wires one actor per configured account. Sessions are
// injected so tests (and simulated mode) can swap the transport.
func NewConnectionPool(cfg models.MUpstreamConfig, sessions []interfaces.IUpstreamSession, log *zap.Logger) (*ConnectionPool, error) {
	if len(cfg.Accounts) != len(sessions) {
		return nil, fmt.Errorf("pool: %d accounts configured but %d sessions provided", len(cfg.Accounts), len(sessions))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ConnectionPool{
		Logger: log.Named("pool"),
		index:  make(map[string]*account),
		ctx:    ctx,
		cancel: cancel,
	}

	for i, accCfg := range cfg.Accounts {
		acc := newAccount(accCfg, sessions[i], cfg, p.Logger)
		p.accounts = append(p.accounts, acc)
		go acc.run(ctx)
	}

	return p, nil
}

// -----------------------------------------------------------------------------

// AddInstrument places an instrument on an account with spare capacity and
// issues the incremental subscribe. Returns the owning account id. When no
// account has room the error is ErrCapacityExhausted: fatal for this
// instrument, surfaced to the caller, never silently dropped.
func (p *ConnectionPool) AddInstrument(ctx context.Context, id string, mode models.SubscriptionMode) (string, error) {
	if id == "" {
		return "", fmt.Errorf("pool: empty instrument id")
	}
	if mode == "" {
		mode = models.ModeFull
	}

	// Shared demand goes to the existing owner: one upstream stream per
	// instrument, reference-counted.
	p.mu.RLock()
	owner := p.index[id]
	p.mu.RUnlock()

	if owner != nil {
		if err := p.send(ctx, owner, id, mode); err != nil {
			return "", err
		}
		// Re-assert the index entry: a concurrent remove may have released
		// the instrument between the lookup and the add.
		p.mu.Lock()
		p.index[id] = owner
		p.mu.Unlock()
		return owner.id, nil
	}

	// First-fit over accounts. The actor re-checks capacity, so two adds
	// racing for the last slot resolve safely: the loser moves on to the
	// next account or gets ErrCapacityExhausted.
	for _, acc := range p.accounts {
		err := p.send(ctx, acc, id, mode)
		if err == nil {
			p.mu.Lock()
			p.index[id] = acc
			p.mu.Unlock()
			return acc.id, nil
		}
		if errors.Is(err, helpers.ErrCapacityExhausted) {
			continue
		}
		return "", err
	}

	p.Logger.Error("no upstream account has spare capacity", zap.String("instrument", id))
	return "", helpers.ErrCapacityExhausted
}

// -----------------------------------------------------------------------------

func (p *ConnectionPool) send(ctx context.Context, acc *account, id string, mode models.SubscriptionMode) error {
	reply := make(chan error, 1)
	select {
	case acc.commands <- addCmd{id: id, mode: mode, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------

// RemoveInstrument releases one reference to an instrument and issues the
// incremental unsubscribe when the last reference goes. Removing an
// instrument that was never present is a no-op.
func (p *ConnectionPool) RemoveInstrument(ctx context.Context, id string) error {
	p.mu.RLock()
	owner := p.index[id]
	p.mu.RUnlock()

	if owner == nil {
		return nil
	}

	reply := make(chan removeResult, 1)
	select {
	case owner.commands <- removeCmd{id: id, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return res.err
		}
		if res.released {
			p.mu.Lock()
			delete(p.index, id)
			p.mu.Unlock()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------

// BulkAdd applies AddInstrument per item and reports per-item results.
// Partial failure is the caller's decision point; the pool never escalates
// to a full resubscribe on its own.
func (p *ConnectionPool) BulkAdd(ctx context.Context, reqs []models.MSubscriptionRequest) []models.MBulkResult {
	results := make([]models.MBulkResult, 0, len(reqs))
	for _, req := range reqs {
		accountID, err := p.AddInstrument(ctx, req.InstrumentID, req.Mode)
		res := models.MBulkResult{InstrumentID: req.InstrumentID, AccountID: accountID, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// -----------------------------------------------------------------------------

// Reload performs the explicit full resynchronization of one account. It is
// the documented last resort for total failure recovery: every stream on
// the account restarts, causing a multi-second gap for each instrument.
func (p *ConnectionPool) Reload(ctx context.Context, accountID string) error {
	for _, acc := range p.accounts {
		if acc.id != accountID {
			continue
		}
		reply := make(chan error, 1)
		select {
		case acc.commands <- reloadCmd{reply: reply}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("pool: %w: account %s", helpers.ErrNotFound, accountID)
}

// -----------------------------------------------------------------------------

// ActiveInstruments returns the instruments currently placed on some
// account. The reconciliation worker takes its universe from here, so its
// scope shrinks and grows with live demand.
func (p *ConnectionPool) ActiveInstruments() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.index))
	for id := range p.index {
		ids = append(ids, id)
	}
	return ids
}

// -----------------------------------------------------------------------------

// Owner returns the account id currently holding an instrument, if any.
func (p *ConnectionPool) Owner(id string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acc, ok := p.index[id]
	if !ok {
		return "", false
	}
	return acc.id, true
}

// -----------------------------------------------------------------------------

// Status reports total subscriptions and the per-account breakdown.
func (p *ConnectionPool) Status(ctx context.Context) models.MPoolStatus {
	status := models.MPoolStatus{}

	var lastReload time.Time
	for _, acc := range p.accounts {
		reply := make(chan accountStatus, 1)
		select {
		case acc.commands <- statusCmd{reply: reply}:
		case <-ctx.Done():
			return status
		}
		select {
		case st := <-reply:
			status.Accounts = append(status.Accounts, st.status)
			status.TotalSubscriptions += st.status.Assigned
			if st.lastReload.After(lastReload) {
				lastReload = st.lastReload
			}
		case <-ctx.Done():
			return status
		}
	}
	status.LastReloadTime = lastReload
	return status
}

// -----------------------------------------------------------------------------

// Shutdown stops the account actors and closes the upstream sessions.
func (p *ConnectionPool) Shutdown() {
	p.cancel()
	for _, acc := range p.accounts {
		if err := acc.session.Close(); err != nil {
			p.Logger.Warn("closing upstream session", zap.String("account", acc.id), zap.Error(err))
		}
	}
}
