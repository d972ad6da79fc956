package supervisor

import (
	"context"
	"sync"
	"time"

	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Supervisor
//
// Runs named background loops with an explicit restart policy. A crashed
// loop restarts with backoff up to MaxRestarts, and the outcome is
// reported through Status() as structured state, not log output.
// -----------------------------------------------------------------------------

const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateStopped    = "stopped"
	StateGaveUp     = "gave_up"
)

type Task func(ctx context.Context) error

type taskState struct {
	name      string
	state     string
	restarts  int
	lastError string
	startedAt time.Time
}

type Supervisor struct {
	Logger *zap.Logger

	MaxRestarts int
	Backoff     time.Duration

	mu    sync.RWMutex
	tasks map[string]*taskState
	wg    sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewSupervisor(maxRestarts int, backoff time.Duration, log *zap.Logger) *Supervisor {
	if maxRestarts <= 0 {
		maxRestarts = 5
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Supervisor{
		Logger:      log.Named("supervisor"),
		MaxRestarts: maxRestarts,
		Backoff:     backoff,
		tasks:       make(map[string]*taskState),
	}
}

// -----------------------------------------------------------------------------

// Go starts a named task under supervision. The task is expected to run
// until its context is cancelled; returning context.Canceled counts as a
// clean stop, anything else as a crash.
func (s *Supervisor) Go(ctx context.Context, name string, task Task) {
	s.mu.Lock()
	st := &taskState{name: name, state: StateRunning, startedAt: time.Now()}
	s.tasks[name] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, name, task)
	}()
}

// -----------------------------------------------------------------------------

func (s *Supervisor) supervise(ctx context.Context, name string, task Task) {
	for {
		err := s.runOnce(ctx, task)

		if ctx.Err() != nil {
			s.setState(name, StateStopped, "")
			return
		}

		errMsg := "task returned"
		if err != nil {
			errMsg = err.Error()
		}

		s.mu.Lock()
		st := s.tasks[name]
		st.restarts++
		restarts := st.restarts
		st.lastError = errMsg
		s.mu.Unlock()

		if restarts > s.MaxRestarts {
			s.setState(name, StateGaveUp, errMsg)
			s.Logger.Error("task exceeded restart budget, giving up",
				zap.String("task", name),
				zap.Int("restarts", restarts-1),
				zap.String("last_error", errMsg))
			return
		}

		s.setState(name, StateRestarting, errMsg)
		s.Logger.Warn("task crashed, restarting",
			zap.String("task", name),
			zap.Int("restart", restarts),
			zap.String("error", errMsg))

		// Backoff grows with consecutive restarts.
		delay := s.Backoff * time.Duration(restarts)
		select {
		case <-ctx.Done():
			s.setState(name, StateStopped, "")
			return
		case <-time.After(delay):
		}

		s.setState(name, StateRunning, "")
	}
}

// -----------------------------------------------------------------------------

// runOnce isolates one execution, converting a panic into an error so one
// bad loop can never take the process down.
func (s *Supervisor) runOnce(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return task(ctx)
}

type panicError struct{ value interface{} }

func (p *panicError) Error() string { return "panic in supervised task" }

// -----------------------------------------------------------------------------

func (s *Supervisor) setState(name, state, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[name]; ok {
		st.state = state
		if lastError != "" {
			st.lastError = lastError
		}
	}
}

// -----------------------------------------------------------------------------

// Status reports every task's structured state.
func (s *Supervisor) Status() []models.MTaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MTaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, models.MTaskStatus{
			Name:      st.name,
			State:     st.state,
			Restarts:  st.restarts,
			LastError: st.lastError,
			StartedAt: st.startedAt,
		})
	}
	return out
}

// -----------------------------------------------------------------------------

// Wait blocks until every supervised task has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
