package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------

func taskStatus(s *Supervisor, name string) (string, int) {
	for _, st := range s.Status() {
		if st.Name == name {
			return st.State, st.Restarts
		}
	}
	return "", 0
}

// -----------------------------------------------------------------------------

func TestCrashingTaskRestartsThenGivesUp(t *testing.T) {
	s := NewSupervisor(2, time.Millisecond, zap.NewNop())

	var runs atomic.Int32
	s.Go(context.Background(), "crasher", func(ctx context.Context) error {
		runs.Add(1)
		return fmt.Errorf("boom")
	})
	s.Wait()

	// Initial run plus MaxRestarts restarts.
	assert.Equal(t, int32(3), runs.Load())

	state, _ := taskStatus(s, "crasher")
	assert.Equal(t, StateGaveUp, state)
}

// -----------------------------------------------------------------------------

func TestPanicIsRecovered(t *testing.T) {
	s := NewSupervisor(1, time.Millisecond, zap.NewNop())

	s.Go(context.Background(), "panicky", func(ctx context.Context) error {
		panic("unexpected state")
	})
	s.Wait() // must return instead of crashing the test binary

	state, _ := taskStatus(s, "panicky")
	assert.Equal(t, StateGaveUp, state)
}

// -----------------------------------------------------------------------------

func TestCancelledTaskStopsCleanly(t *testing.T) {
	s := NewSupervisor(5, time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	s.Go(ctx, "loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cancel()
	s.Wait()

	state, restarts := taskStatus(s, "loop")
	assert.Equal(t, StateStopped, state)
	assert.Equal(t, 0, restarts, "cancellation is not a crash")
}

// -----------------------------------------------------------------------------

func TestTransientCrashRecovers(t *testing.T) {
	s := NewSupervisor(5, time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	s.Go(ctx, "flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return fmt.Errorf("first run fails")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	require.Eventually(t, func() bool {
		state, _ := taskStatus(s, "flaky")
		return state == StateRunning && runs.Load() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}
