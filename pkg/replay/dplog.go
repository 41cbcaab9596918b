package replay

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/logstore"
	"github.com/shengquan-ni/flink-exp/pkg/metrics"
	"github.com/shengquan-ni/flink-exp/pkg/types"
	"github.com/shengquan-ni/flink-exp/pkg/writer"
)

// DPLogManager is the deterministic-replay log manager (spec §4.5): it
// records every mail enqueue decision under an incrementing step number,
// and during recovery it paces the mailbox processor by supplying the next
// expected mail read back from the log in step order — mirroring how
// WarrenFSM.Apply walks committed raft.Log entries and applies each to
// cluster state, except there is exactly one node and no consensus.
//
// It satisfies mailbox.ReplaySource without importing pkg/mailbox, so the
// owning subtask wires the two together.
type DPLogManager struct {
	cursor  *StepCursor
	backend logstore.Backend
	writer  *writer.Writer
	logger  zerolog.Logger

	mu      sync.Mutex
	enabled bool
}

// NewDPLogManager loads the pre-existing log (if any) from backend and
// returns a DPLogManager ready to either drive replay (non-empty log) or
// start logging live mails immediately once Enable is called (empty log).
func NewDPLogManager(backend logstore.Backend, w *writer.Writer) (*DPLogManager, error) {
	target, err := backend.LastStep()
	if err != nil {
		return nil, fmt.Errorf("replay: reading recovery target: %w", err)
	}

	var records []types.LogRecord
	if err := backend.Iterate(func(r types.LogRecord) error {
		records = append(records, r)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("replay: loading log for recovery: %w", err)
	}

	cursor := NewStepCursor(target)
	cursor.loadRecords(records)

	return &DPLogManager{
		cursor:  cursor,
		backend: backend,
		writer:  w,
		logger:  logging.WithComponent("dp-log-manager"),
	}, nil
}

// Cursor exposes the shared step cursor, e.g. for the data log manager to
// consult the same recovery-complete signal.
func (d *DPLogManager) Cursor() *StepCursor { return d.cursor }

// Enable turns logging on. Called after gate recovery so pre-run
// initialization is not recorded (spec §4.5).
func (d *DPLogManager) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
}

func (d *DPLogManager) isEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// OnMailEnqueued assigns the next step number and writes a MailEnqueued
// record, matching the mailbox processor's EnqueueHook signature.
func (d *DPLogManager) OnMailEnqueued(name string, args []types.Arg) {
	if !d.isEnabled() {
		return
	}
	step := d.cursor.NextLiveStep()
	metrics.StepCursorLive.Set(float64(step))
	rec := types.LogRecord{Step: step, Kind: types.KindMailEnqueued, MailName: name, MailArgs: args}
	if err := d.writer.Append(rec); err != nil {
		d.logger.Error().Err(err).Str("mail", name).Msg("failed to log mail enqueue")
	}
}

// NextMail implements mailbox.ReplaySource: it consumes the next
// MailEnqueued record due in the pre-existing log's sequence (skipping past
// informational records ahead of it) and returns it as a live-shaped
// types.Mail with no resolved Handler — the mailbox processor falls back to
// resolving it by name, which is itself the fatal-on-miss check spec
// §4.7/§7 requires for an unrecognized name encountered during replay. If
// an OutputEmitted record is next instead, NextMail reports ok=false and
// leaves it for the corresponding Emit call to consume via StepCursor.NextStep.
func (d *DPLogManager) NextMail() (types.Mail, bool) {
	rec, ok := d.cursor.NextMailRecord()
	if !ok {
		return types.Mail{}, false
	}
	metrics.StepCursorReplayed.Set(float64(rec.Step))
	return types.Mail{
		Name:     rec.MailName,
		Args:     rec.MailArgs,
		Priority: types.PriorityDefault,
	}, true
}

// RecoveryComplete implements mailbox.ReplaySource by delegating to the
// step cursor.
func (d *DPLogManager) RecoveryComplete() bool {
	return d.cursor.RecoveryComplete()
}
