package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shengquan-ni/flink-exp/pkg/logstore"
	"github.com/shengquan-ni/flink-exp/pkg/types"
	"github.com/shengquan-ni/flink-exp/pkg/writer"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond())
}

func TestStepCursorEmptyLogIsImmediatelyComplete(t *testing.T) {
	c := NewStepCursor(types.InvalidStep)
	assert.True(t, c.RecoveryComplete())
}

func TestStepCursorCompletesExactlyAtTarget(t *testing.T) {
	c := NewStepCursor(3)
	assert.False(t, c.RecoveryComplete())
	c.AdvanceReplayed(1)
	assert.False(t, c.RecoveryComplete())
	c.AdvanceReplayed(2)
	assert.False(t, c.RecoveryComplete())
	c.AdvanceReplayed(3)
	assert.True(t, c.RecoveryComplete())
}

func TestStepCursorLiveStepsStartAfterTarget(t *testing.T) {
	c := NewStepCursor(5)
	assert.Equal(t, types.StepNumber(6), c.NextLiveStep())
	assert.Equal(t, types.StepNumber(7), c.NextLiveStep())
}

func seedLog(t *testing.T, be logstore.Backend, recs ...types.LogRecord) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, be.Append(r))
	}
}

func TestDPLogManagerReplaysMailsInOrderStoppingAtOutputs(t *testing.T) {
	be := logstore.NewMemStore()
	seedLog(t, be,
		types.LogRecord{Step: 1, Kind: types.KindMailEnqueued, MailName: "ping"},
		types.LogRecord{Step: 2, Kind: types.KindOutputEmitted, Partition: 0, Output: []byte("x")},
		types.LogRecord{Step: 3, Kind: types.KindMailEnqueued, MailName: "pong"},
	)
	w := writer.New(be)
	w.Start()
	defer func() { <-w.Shutdown() }()

	dp, err := NewDPLogManager(be, w)
	require.NoError(t, err)
	assert.False(t, dp.RecoveryComplete())

	mail, ok := dp.NextMail()
	require.True(t, ok)
	assert.Equal(t, "ping", mail.Name)
	assert.False(t, dp.RecoveryComplete())

	// The next record is an OutputEmitted one: NextMail holds off until the
	// corresponding Emit call claims it through the cursor's NextStep, the
	// same one DataLogManager.EmitOrReplay uses.
	_, ok = dp.NextMail()
	assert.False(t, ok)
	assert.Equal(t, types.StepNumber(2), dp.cursor.NextStep())

	mail, ok = dp.NextMail()
	require.True(t, ok)
	assert.Equal(t, "pong", mail.Name)
	assert.True(t, dp.RecoveryComplete())

	_, ok = dp.NextMail()
	assert.False(t, ok)
}

func TestDPLogManagerOnMailEnqueuedOnlyWhenEnabled(t *testing.T) {
	be := logstore.NewMemStore()
	w := writer.New(be)
	w.Start()
	defer func() { <-w.Shutdown() }()

	dp, err := NewDPLogManager(be, w)
	require.NoError(t, err)
	assert.True(t, dp.RecoveryComplete()) // empty log

	dp.OnMailEnqueued("should-not-log", nil)
	time.Sleep(20 * time.Millisecond)
	last, _ := be.LastStep()
	assert.Equal(t, types.InvalidStep, last)

	dp.Enable()
	dp.OnMailEnqueued("ping", []types.Arg{types.StringArg("a")})
	waitUntil(t, func() bool { l, _ := be.LastStep(); return l == 1 })
}

func TestDataLogManagerSuppressesDuringRecoveryAndReplaysLoggedBytes(t *testing.T) {
	be := logstore.NewMemStore()
	seedLog(t, be,
		types.LogRecord{Step: 1, Kind: types.KindMailEnqueued, MailName: "ping"},
		types.LogRecord{Step: 2, Kind: types.KindOutputEmitted, Partition: 0, Output: []byte("logged-bytes")},
	)
	w := writer.New(be)
	w.Start()
	defer func() { <-w.Shutdown() }()

	cursor := NewStepCursor(2)
	dl, err := NewDataLogManager(cursor, be, w)
	require.NoError(t, err)

	out, ok, err := dl.EmitOrReplay(2, 0, []byte("live-bytes-would-differ"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("logged-bytes"), out)

	out, ok, err = dl.EmitOrReplay(99, 0, []byte("no log entry"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)

	cursor.AdvanceReplayed(2)
	assert.True(t, cursor.RecoveryComplete())

	out, ok, err = dl.EmitOrReplay(3, 0, []byte("fresh-live-bytes"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("fresh-live-bytes"), out)
}

func TestDataLogManagerCheckpointCompleteClearsWriterCache(t *testing.T) {
	be := logstore.NewMemStore()
	w := writer.New(be)
	w.Start()
	w.EnableOutputCache()
	defer func() { <-w.Shutdown() }()

	cursor := NewStepCursor(types.InvalidStep) // empty log: already live
	dl, err := NewDataLogManager(cursor, be, w)
	require.NoError(t, err)

	_, ok, err := dl.EmitOrReplay(1, 0, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, dl.LogCheckpointBoundary(2, 5))
	_, ok, err = dl.EmitOrReplay(3, 0, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, dl.LogCheckpointBoundary(4, 6))

	waitUntil(t, func() bool { return len(w.CachedOutputs(6)) == 1 })
	assert.Len(t, w.CachedOutputs(5), 1)

	dl.NotifyCheckpointComplete(5)
	assert.Empty(t, w.CachedOutputs(5))
	assert.Len(t, w.CachedOutputs(6), 1)
}
