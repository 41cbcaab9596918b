// Package replay is the deterministic-replay log manager (spec §4.5, §4.6):
// the DP log manager drives the mailbox processor off the durable log
// during recovery, and the data log manager logs/suppresses/replays
// outbound records. Grounded directly on the teacher's
// pkg/manager/fsm.go WarrenFSM.Apply/Snapshot/Restore and
// poc/raft/fsm.go's minimal KeyValueFSM: both replay loops are a
// single-node analogue of Apply, reading committed entries in order and
// invoking the resolved handler — without Raft's leader election or
// replication, which this module never uses.
package replay

import (
	"sync"

	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// StepCursor holds the last durably recorded step number (the recovery
// target), the currently replayed step number, and the shared walk over the
// pre-existing log's records. Mail replay (NextMailRecord, driven by
// DPLogManager) and output replay (NextStep, driven by Processor.Emit)
// both consume from this one sequence in order, so whichever side's turn
// comes first in the real call order is the one that advances past it —
// mirroring exactly how the two were originally interleaved when recorded.
// RecoveryComplete transitions false→true exactly once, when the replayed
// cursor reaches the stored target.
type StepCursor struct {
	mu       sync.Mutex
	target   types.StepNumber
	replayed types.StepNumber
	live     types.StepNumber
	complete bool

	records []types.LogRecord
	nextIdx int
}

// NewStepCursor returns a StepCursor whose recovery target is the last step
// number found in storage at startup (types.InvalidStep if the log was
// empty, in which case recovery is trivially already complete).
func NewStepCursor(target types.StepNumber) *StepCursor {
	return &StepCursor{
		target:   target,
		live:     target,
		complete: target == types.InvalidStep,
	}
}

// loadRecords installs the pre-existing log's records, in step order, for
// NextMailRecord/NextStep to walk. Called once, by NewDPLogManager.
func (c *StepCursor) loadRecords(records []types.LogRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = records
}

// Target returns the recovery target step number.
func (c *StepCursor) Target() types.StepNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Replayed returns the most recently replayed step number.
func (c *StepCursor) Replayed() types.StepNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replayed
}

// AdvanceReplayed records that step has now been replayed and flips
// RecoveryComplete to true the moment it reaches the target.
func (c *StepCursor) AdvanceReplayed(step types.StepNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(step)
}

func (c *StepCursor) advanceLocked(step types.StepNumber) {
	c.replayed = step
	if !c.complete && c.replayed >= c.target {
		c.complete = true
	}
}

// RecoveryComplete reports whether the replayed cursor has reached the
// stored target.
func (c *StepCursor) RecoveryComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// NextMailRecord returns the next MailEnqueued record due in the
// pre-existing log's sequence, consuming it and every non-output record
// ahead of it (CheckpointBoundary, Clear — informational, nothing in the
// live path replays them directly). It stops without consuming as soon as
// an OutputEmitted record is next: that one is the corresponding Emit
// call's to consume, via NextStep, in its own time.
func (c *StepCursor) NextMailRecord() (types.LogRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.nextIdx < len(c.records) {
		rec := c.records[c.nextIdx]
		if rec.Kind == types.KindOutputEmitted {
			return types.LogRecord{}, false
		}
		c.nextIdx++
		c.advanceLocked(rec.Step)
		if rec.Kind == types.KindMailEnqueued {
			return rec, true
		}
	}
	return types.LogRecord{}, false
}

// NextLiveStep assigns and returns the next step number for a live
// scheduling event. Step numbers assigned during the live run are always
// strictly greater than any step number present in the pre-existing log on
// resumption, since live numbering continues from the recovery target.
func (c *StepCursor) NextLiveStep() types.StepNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live++
	return c.live
}

// Live returns the most recently assigned live step number.
func (c *StepCursor) Live() types.StepNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// NextStep assigns the step number an output emission happening right now
// should carry (spec §4.6). Before recovery completes it consumes the next
// record due in the pre-existing log's sequence — whichever one that is —
// so a deterministic replay's emission lines up with exactly the step its
// prior run logged for it, the same shared walk NextMailRecord advances.
// Once recovery is complete it assigns a fresh live step, the same counter
// NextLiveStep draws from, so mail and output steps continue to interleave
// on one sequence.
func (c *StepCursor) NextStep() types.StepNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.complete && c.nextIdx < len(c.records) {
		rec := c.records[c.nextIdx]
		c.nextIdx++
		c.advanceLocked(rec.Step)
		return rec.Step
	}
	c.live++
	return c.live
}
