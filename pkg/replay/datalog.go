package replay

import (
	"fmt"
	"sync"

	"github.com/shengquan-ni/flink-exp/pkg/logstore"
	"github.com/shengquan-ni/flink-exp/pkg/types"
	"github.com/shengquan-ni/flink-exp/pkg/writer"
)

// DataLogManager is the output log (spec §4.6): for each outbound record
// about to be pushed into a network partition, it appends an
// OutputEmitted record carrying (step, partition, bytes). During recovery
// it suppresses live emission and instead supplies the bytes the log
// already recorded for that step, so downstream state ends up
// bit-identical regardless of whether the operator itself is
// deterministic.
type DataLogManager struct {
	cursor *StepCursor
	writer *writer.Writer

	mu     sync.Mutex
	logged map[types.StepNumber]types.LogRecord // OutputEmitted records loaded from the pre-existing log
}

// NewDataLogManager preloads every OutputEmitted record already present in
// backend, keyed by step, so replayed emissions can be served without
// re-reading storage on the hot path.
func NewDataLogManager(cursor *StepCursor, backend logstore.Backend, w *writer.Writer) (*DataLogManager, error) {
	logged := make(map[types.StepNumber]types.LogRecord)
	if err := backend.Iterate(func(r types.LogRecord) error {
		if r.Kind == types.KindOutputEmitted {
			logged[r.Step] = r
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("replay: loading output log: %w", err)
	}
	return &DataLogManager{cursor: cursor, writer: w, logged: logged}, nil
}

// EmitOrReplay is called by the subtask's output path immediately before a
// record would be pushed to partition at the given step. A step the
// pre-existing log already recorded is always replayed from there — the
// decision is keyed on the step itself rather than the cursor's overall
// completion flag, since NextStep may consume the matching record (and flip
// RecoveryComplete) in the same instant EmitOrReplay is asked about it.
// Otherwise, while recovery is still in progress, nothing should be emitted
// this step (ok=false); once live, it durably logs liveBytes and returns
// them unchanged.
func (d *DataLogManager) EmitOrReplay(step types.StepNumber, partition uint16, liveBytes []byte) (out []byte, ok bool, err error) {
	d.mu.Lock()
	rec, found := d.logged[step]
	d.mu.Unlock()
	if found {
		return rec.Output, true, nil
	}
	if !d.cursor.RecoveryComplete() {
		return nil, false, nil
	}
	live := types.LogRecord{Step: step, Kind: types.KindOutputEmitted, Partition: partition, Output: liveBytes}
	if err := d.writer.Append(live); err != nil {
		return nil, false, fmt.Errorf("replay: logging output at step %d: %w", step, err)
	}
	return liveBytes, true, nil
}

// LogCheckpointBoundary appends a CheckpointBoundary record, delimiting the
// output-cache bucket the writer associates with checkpointID (spec §4.2,
// §4.6).
func (d *DataLogManager) LogCheckpointBoundary(step types.StepNumber, checkpointID uint64) error {
	return d.writer.Append(types.LogRecord{Step: step, Kind: types.KindCheckpointBoundary, CheckpointID: checkpointID})
}

// NotifyCheckpointComplete discards cached outputs whose checkpoint
// boundary has now been confirmed durable elsewhere (spec invariant 9).
func (d *DataLogManager) NotifyCheckpointComplete(checkpointID uint64) {
	d.writer.ClearCachedOutput(checkpointID)
}

// ClearFrom appends a Clear record and discards the in-memory preload table
// for steps at or before upTo. Nothing in this module calls it: clear-old-log
// is applied by NewSubtask clearing the backend before the log managers are
// built.
func (d *DataLogManager) ClearFrom(step types.StepNumber, upTo types.StepNumber) error {
	if err := d.writer.Append(types.LogRecord{Step: step, Kind: types.KindClear}); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.logged {
		if s <= upTo {
			delete(d.logged, s)
		}
	}
	return nil
}
