package subtask

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shengquan-ni/flink-exp/pkg/logstore"
	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

type fakeOperator struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	disposed  bool
	snapshots int
}

func (f *fakeOperator) Open() error    { f.mu.Lock(); f.opened = true; f.mu.Unlock(); return nil }
func (f *fakeOperator) Close() error    { f.mu.Lock(); f.closed = true; f.mu.Unlock(); return nil }
func (f *fakeOperator) Dispose() error  { f.mu.Lock(); f.disposed = true; f.mu.Unlock(); return nil }
func (f *fakeOperator) SnapshotState(checkpointID uint64) ([]byte, error) {
	f.mu.Lock()
	f.snapshots++
	f.mu.Unlock()
	return []byte("state"), nil
}
func (f *fakeOperator) RestoreState(data []byte) error { return nil }

type fakeGate struct {
	mu       sync.Mutex
	consumed bool
}

func (g *fakeGate) RequestPartitions() error { return nil }
func (g *fakeGate) StateConsumed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumed
}
func (g *fakeGate) markConsumed() {
	g.mu.Lock()
	g.consumed = true
	g.mu.Unlock()
}

type fakeCoordinator struct {
	mu        sync.Mutex
	acked     []uint64
	declined  []uint64
	ackDelay  chan struct{} // if non-nil, AcknowledgeCheckpoint blocks until closed
}

func (c *fakeCoordinator) AcknowledgeCheckpoint(checkpointID uint64, snapshot []byte) error {
	if c.ackDelay != nil {
		<-c.ackDelay
	}
	c.mu.Lock()
	c.acked = append(c.acked, checkpointID)
	c.mu.Unlock()
	return nil
}

func (c *fakeCoordinator) DeclineCheckpoint(checkpointID uint64, reason error) error {
	c.mu.Lock()
	c.declined = append(c.declined, checkpointID)
	c.mu.Unlock()
	return nil
}

func (c *fakeCoordinator) ackedIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.acked))
	copy(out, c.acked)
	return out
}

func newTestSubtask(t *testing.T, gate *fakeGate, action mailbox.DefaultAction) (*Subtask, *fakeOperator, *fakeCoordinator) {
	t.Helper()
	op := &fakeOperator{}
	coord := &fakeCoordinator{}
	s, err := NewSubtask(Deps{
		ID:          "test-subtask",
		Config:      types.Config{},
		Backend:     logstore.NewMemStore(),
		Operators:   []Operator{op},
		Gates:       []Gate{gate},
		Coordinator: coord,
		UserAction:  action,
	})
	require.NoError(t, err)
	return s, op, coord
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// Scenario A: basic run to completion.
func TestInvokeRunsUntilAllActionsCompleted(t *testing.T) {
	gate := &fakeGate{}
	var invocations int
	var mu sync.Mutex
	action := func(ctl mailbox.Controller) error {
		mu.Lock()
		invocations++
		n := invocations
		mu.Unlock()
		if n >= 3 {
			ctl.AllActionsCompleted()
		}
		return nil
	}
	s, op, _ := newTestSubtask(t, gate, action)
	gate.markConsumed()

	err := s.Invoke()
	require.NoError(t, err)
	assert.True(t, op.opened)
	assert.True(t, op.closed)
	assert.True(t, op.disposed)
	assert.Equal(t, PhaseDisposed, s.currentPhase())
}

// Scenario D: cancellation during gate recovery must not be reported as a
// failure, and must still run Dispose.
func TestCancelDuringGateRecoveryIsNotAFailure(t *testing.T) {
	gate := &fakeGate{} // never marked consumed
	action := func(ctl mailbox.Controller) error { return nil }
	s, op, _ := newTestSubtask(t, gate, action)

	done := make(chan error, 1)
	go func() { done <- s.Invoke() }()

	waitUntil(t, func() bool { return s.currentPhase() == PhaseGatesRecovering })
	s.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Invoke did not return after Cancel")
	}
	assert.True(t, op.disposed)
}

// Asynchronous checkpoint: acknowledges via the coordinator and advances
// the output-cache clearing path.
func TestTriggerCheckpointAsyncAcknowledges(t *testing.T) {
	gate := &fakeGate{}
	gate.markConsumed()
	action := func(ctl mailbox.Controller) error {
		ctl.SuspendDefaultAction(0)
		return nil
	}
	s, _, coord := newTestSubtask(t, gate, action)

	go func() { _ = s.Invoke() }()
	waitUntil(t, func() bool { return s.currentPhase() == PhaseRunning })

	require.NoError(t, s.TriggerCheckpointAsync(
		types.CheckpointMetadata{ID: 7, Timestamp: time.Now()},
		types.CheckpointOptions{},
	))

	waitUntil(t, func() bool {
		for _, id := range coord.ackedIDs() {
			if id == 7 {
				return true
			}
		}
		return false
	})

	s.Cancel()
}

// Scenario C: a synchronous checkpoint yields to high-priority mails (pause)
// while its coordinator acknowledgement is outstanding.
func TestSynchronousCheckpointYieldsToHighPriorityMails(t *testing.T) {
	gate := &fakeGate{}
	gate.markConsumed()
	action := func(ctl mailbox.Controller) error {
		ctl.SuspendDefaultAction(0)
		return nil
	}
	s, _, coord := newTestSubtask(t, gate, action)
	coord.ackDelay = make(chan struct{})

	go func() { _ = s.Invoke() }()
	waitUntil(t, func() bool { return s.currentPhase() == PhaseRunning })

	require.NoError(t, s.TriggerCheckpointAsync(
		types.CheckpointMetadata{ID: 9, Timestamp: time.Now()},
		types.CheckpointOptions{Synchronous: true},
	))

	waitUntil(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.syncSavepointID != nil
	})

	pauseErr := s.Pause()
	require.NoError(t, pauseErr)

	select {
	case <-s.processor.PauseFuture():
	case <-time.After(2 * time.Second):
		t.Fatal("pause mail was not processed while synchronous checkpoint was outstanding")
	}

	close(coord.ackDelay)
	waitUntil(t, func() bool {
		for _, id := range coord.ackedIDs() {
			if id == 9 {
				return true
			}
		}
		return false
	})
	s.Cancel()
}

// Scenario E: operator events are rejected once the subtask has left the
// phases that still accept externally originated signals.
func TestOperatorEventRejectedAfterCancel(t *testing.T) {
	gate := &fakeGate{}
	gate.markConsumed()
	action := func(ctl mailbox.Controller) error {
		ctl.SuspendDefaultAction(0)
		return nil
	}
	s, _, _ := newTestSubtask(t, gate, action)

	go func() { _ = s.Invoke() }()
	waitUntil(t, func() bool { return s.currentPhase() == PhaseRunning })

	s.Cancel()
	waitUntil(t, func() bool { return s.currentPhase() != PhaseRunning })

	err := s.DispatchOperatorEvent(0, []byte("late"))
	assert.Error(t, err)
}

func TestReadyReflectsPhase(t *testing.T) {
	gate := &fakeGate{}
	action := func(ctl mailbox.Controller) error { return nil }
	s, _, _ := newTestSubtask(t, gate, action)

	ready, reason := s.Ready()
	assert.False(t, ready)
	assert.NotEmpty(t, reason)

	s.setPhase(PhaseRunning)
	ready, _ = s.Ready()
	assert.True(t, ready)
}

// Scenario F: a crash-and-restart over the same replay log must reproduce
// the exact bytes the first run emitted (spec invariant 2), rather than
// re-running the default action's emission live.
func TestEmitReplaysIdenticalBytesAfterRestart(t *testing.T) {
	backend := logstore.NewMemStore()
	liveBytes := []byte("live-computed-output")

	firstRunGate := &fakeGate{}
	firstRunGate.markConsumed()
	var firstEmitted []byte
	var firstOK bool
	firstAction := func(ctl mailbox.Controller) error {
		out, ok, err := ctl.Emit(0, liveBytes)
		require.NoError(t, err)
		firstEmitted, firstOK = out, ok
		ctl.AllActionsCompleted()
		return nil
	}
	op := &fakeOperator{}
	first, err := NewSubtask(Deps{
		ID:         "restart-subtask",
		Config:     types.Config{EnableLogging: true},
		Backend:    backend,
		Operators:  []Operator{op},
		Gates:      []Gate{firstRunGate},
		UserAction: firstAction,
	})
	require.NoError(t, err)
	require.NoError(t, first.Invoke())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, first.Shutdown(ctx))
	require.True(t, firstOK)
	require.Equal(t, liveBytes, firstEmitted)

	// Second run over the same backend: a restart recovering from the log
	// the first run left behind. Its default action tries to emit
	// different bytes, but replay must still hand back exactly what the
	// first run logged.
	secondRunGate := &fakeGate{}
	secondRunGate.markConsumed()
	var secondEmitted []byte
	var secondOK bool
	secondAction := func(ctl mailbox.Controller) error {
		out, ok, err := ctl.Emit(0, []byte("different-bytes-this-time"))
		require.NoError(t, err)
		secondEmitted, secondOK = out, ok
		ctl.AllActionsCompleted()
		return nil
	}
	op2 := &fakeOperator{}
	second, err := NewSubtask(Deps{
		ID:         "restart-subtask",
		Config:     types.Config{EnableLogging: true},
		Backend:    backend,
		Operators:  []Operator{op2},
		Gates:      []Gate{secondRunGate},
		UserAction: secondAction,
	})
	require.NoError(t, err)
	require.NoError(t, second.Invoke())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, second.Shutdown(ctx2))

	assert.True(t, secondOK)
	assert.Equal(t, liveBytes, secondEmitted, "replay must reproduce the first run's emitted bytes, not the second run's live computation")
}

func TestShutdownWaitsForWriterFlush(t *testing.T) {
	gate := &fakeGate{}
	gate.markConsumed()
	var mu sync.Mutex
	done := false
	action := func(ctl mailbox.Controller) error {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			done = true
			ctl.AllActionsCompleted()
		}
		return nil
	}
	s, _, _ := newTestSubtask(t, gate, action)
	require.NoError(t, s.Invoke())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
