package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

func newTestSetup(t *testing.T) (*mailbox.Processor, *Service) {
	t.Helper()
	mb := mailbox.New()
	resolver := mailbox.NewResolver()
	p := mailbox.NewProcessor(mb, resolver, func(ctl mailbox.Controller) error {
		return nil
	})
	svc := NewService(p)
	svc.RegisterHandler(resolver)
	return p, svc
}

func TestTimerFireDeliversMailOnTaskThread(t *testing.T) {
	p, svc := newTestSetup(t)
	var fired int32
	id := svc.Register(func() error {
		atomic.AddInt32(&fired, 1)
		return nil
	})
	svc.ScheduleOnce(id, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&fired) == 0 && time.Now().Before(deadline) {
		_, err := p.RunStep()
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestTimerCancelPreventsFire(t *testing.T) {
	p, svc := newTestSetup(t)
	var fired int32
	id := svc.Register(func() error {
		atomic.AddInt32(&fired, 1)
		return nil
	})
	svc.ScheduleOnce(id, 20*time.Millisecond)
	svc.Cancel(id)

	time.Sleep(40 * time.Millisecond)
	_, err := p.RunStep()
	require.NoError(t, err)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestReplayedTimerCallbackResolvesByStableID(t *testing.T) {
	_, svc := newTestSetup(t)
	var got uint64
	id := svc.Register(func() error {
		got = id
		return nil
	})
	err := svc.dispatch([]types.Arg{types.Uint64Arg(id)})
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDispatchUnknownIDIsFatal(t *testing.T) {
	_, svc := newTestSetup(t)
	err := svc.dispatch([]types.Arg{types.Uint64Arg(999)})
	assert.Error(t, err)
}

func TestStopCancelsAllActiveTimers(t *testing.T) {
	_, svc := newTestSetup(t)
	var fired int32
	id := svc.Register(func() error {
		atomic.AddInt32(&fired, 1)
		return nil
	})
	svc.SchedulePeriodic(id, 5*time.Millisecond)
	svc.Stop()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&fired), int32(1))
}
