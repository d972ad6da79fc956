package reconcile

import (
	"context"
	"errors"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"
	"market-streamer/src/utils"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Gap Reconciliation Worker
//
// Keeps the persisted series of actively-subscribed instruments free of
// holes. The instrument universe comes from the connection pool's live
// assignment set, never from a standing configuration, so reconciliation
// scope tracks real demand. Backfill ranges are capped per cycle; a slow
// cycle cannot accumulate unbounded work.
// -----------------------------------------------------------------------------

// IInstrumentSource is the pool-side dependency: which instruments have
// live demand right now.
type IInstrumentSource interface {
	ActiveInstruments() []string
}

// ICandleFetcher fetches historical rows for one instrument and range.
type ICandleFetcher interface {
	FetchCandles(ctx context.Context, instrumentID string, from, to time.Time) ([]models.MCandle, error)
}

type Worker struct {
	Logger   *zap.Logger
	Source   IInstrumentSource
	Store    interfaces.ITimeSeriesStore
	Fetcher  ICandleFetcher
	Calendar *utils.TradingCalendar

	cfg models.MReconcileConfig

	// Retry state, keyed by instrument. Accessed only from the worker
	// goroutine apart from Gaps(), which copies under the channel-free
	// single-runner discipline below.
	gaps map[string]*models.MGapRecord

	kick    chan string
	request chan chan []models.MGapRecord
}

// -----------------------------------------------------------------------------

func NewWorker(src IInstrumentSource, store interfaces.ITimeSeriesStore, fetcher ICandleFetcher,
	cal *utils.TradingCalendar, cfg models.MReconcileConfig, log *zap.Logger) *Worker {
	return &Worker{
		Logger:   log.Named("reconcile"),
		Source:   src,
		Store:    store,
		Fetcher:  fetcher,
		Calendar: cal,
		cfg:      cfg,
		gaps:     make(map[string]*models.MGapRecord),
		kick:     make(chan string, 64),
		request:  make(chan chan []models.MGapRecord),
	}
}

// -----------------------------------------------------------------------------

// Kick requests an immediate reconciliation of one instrument, used as a
// latency optimization right after a new subscription. Non-blocking.
func (w *Worker) Kick(instrumentID string) {
	select {
	case w.kick <- instrumentID:
	default:
	}
}

// -----------------------------------------------------------------------------

// Gaps returns a snapshot of the current gap records.
func (w *Worker) Gaps() []models.MGapRecord {
	reply := make(chan []models.MGapRecord, 1)
	select {
	case w.request <- reply:
		return <-reply
	case <-time.After(time.Second):
		return nil
	}
}

// -----------------------------------------------------------------------------

// Run loops on the configured interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.cycle(ctx, time.Now())
		case id := <-w.kick:
			w.reconcileOne(ctx, id, time.Now())
		case reply := <-w.request:
			out := make([]models.MGapRecord, 0, len(w.gaps))
			for _, g := range w.gaps {
				out = append(out, *g)
			}
			reply <- out
		}
	}
}

// -----------------------------------------------------------------------------

// cycle reconciles every actively-subscribed instrument, bounded by half
// the interval so a slow upstream cannot push cycles into each other.
func (w *Worker) cycle(ctx context.Context, now time.Time) {
	budget := time.Duration(w.cfg.Interval) * time.Second / 2
	cycleCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, id := range w.Source.ActiveInstruments() {
		if cycleCtx.Err() != nil {
			w.Logger.Warn("reconciliation cycle hit its time budget, deferring remainder")
			return
		}
		w.reconcileOne(cycleCtx, id, now)
	}
}

// -----------------------------------------------------------------------------

func (w *Worker) reconcileOne(ctx context.Context, id string, now time.Time) {
	if gap, ok := w.gaps[id]; ok && !gap.Retryable(now, w.cfg.MaxAttempts) {
		return
	}

	latest, err := w.Store.LatestTimestamp(id)
	if err != nil {
		w.Logger.Error("latest timestamp lookup failed", zap.String("instrument", id), zap.Error(err))
		return
	}

	from := latest
	if latest.IsZero() {
		// Empty series: backfill at most one capped range back from now.
		from = now.Add(-time.Duration(w.cfg.MaxRangePerRun) * time.Minute)
	}

	if now.Sub(from) < time.Duration(w.cfg.StaleThreshold)*time.Second {
		return
	}
	if w.Calendar != nil && w.Calendar.OpenMinutesBetween(from, now) == 0 {
		// Silence over a closed market is not a gap.
		return
	}

	// Never an unbounded fetch: cap the range per cycle.
	to := now
	if max := from.Add(time.Duration(w.cfg.MaxRangePerRun) * time.Minute); max.Before(to) {
		to = max
	}

	rows, err := w.Fetcher.FetchCandles(ctx, id, from, to)
	if err != nil {
		w.recordFailure(id, from, to, now, err)
		return
	}

	if err := w.Store.Upsert(id, rows); err != nil {
		w.Logger.Error("backfill upsert failed", zap.String("instrument", id), zap.Error(err))
		return
	}

	delete(w.gaps, id)
	w.Logger.Info("gap repaired",
		zap.String("instrument", id),
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("rows", len(rows)))
}

// -----------------------------------------------------------------------------

// recordFailure classifies the failure and sets up the retry schedule.
// Expired instruments get a permanent record and are never retried; all
// other failures are transient with exponential backoff up to the bound.
func (w *Worker) recordFailure(id string, from, to, now time.Time, cause error) {
	gap, ok := w.gaps[id]
	if !ok {
		gap = &models.MGapRecord{InstrumentID: id, From: from, To: to, Class: models.GapTransient}
		w.gaps[id] = gap
	}
	gap.Attempts++
	gap.LastError = cause.Error()

	if errors.Is(cause, helpers.ErrNotFound) {
		meta, metaErr := w.Store.InstrumentMeta(id)
		if metaErr == nil && meta.Expired(now) {
			gap.Class = models.GapPermanent
			w.Logger.Warn("permanent gap recorded for expired instrument",
				zap.String("instrument", id))
			return
		}
	}

	backoff := time.Duration(w.cfg.BackoffBase) * time.Second * (1 << (gap.Attempts - 1))
	gap.NextRetry = now.Add(backoff)

	if gap.Attempts >= w.cfg.MaxAttempts {
		w.Logger.Error("backfill retries exhausted",
			zap.String("instrument", id),
			zap.Int("attempts", gap.Attempts),
			zap.String("last_error", gap.LastError))
		return
	}

	w.Logger.Warn("backfill attempt failed, will retry",
		zap.String("instrument", id),
		zap.Int("attempt", gap.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause))
}
