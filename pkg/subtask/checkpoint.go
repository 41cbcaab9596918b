package subtask

import (
	"fmt"
	"time"

	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/metrics"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// TriggerCheckpointAsync is the Control API operation that starts a
// checkpoint (spec §4.2, §6). It never runs the checkpoint itself; it
// posts a high-priority mail so the actual snapshot work always happens on
// the task thread, serialized with everything else the subtask does.
//
// The metadata and options are flattened into loggable Args rather than
// passed through the closure, so a replayed checkpoint mail reconstructs
// identical behavior from the log (spec §9's "all mails are logged and
// replayed" reading) instead of diverging from the live path.
func (s *Subtask) TriggerCheckpointAsync(meta types.CheckpointMetadata, opts types.CheckpointOptions) error {
	if !s.currentPhase().canSend() {
		return fmt.Errorf("subtask: checkpoint rejected, phase is %s", s.currentPhase())
	}
	return s.processor.Execute(types.PriorityHigh, mailbox.MailCheckpoint, s.handleCheckpointMail,
		types.Uint64Arg(meta.ID),
		types.Int64Arg(meta.Timestamp.UnixNano()),
		types.BoolArg(opts.Synchronous),
		types.BoolArg(opts.ShouldAdvanceToEndOfTime),
	)
}

// NotifyCheckpointCompleteAsync tells the subtask a previously triggered
// checkpoint has been durably confirmed elsewhere (spec invariant 9): the
// writer's output cache for steps at or before it can be discarded.
func (s *Subtask) NotifyCheckpointCompleteAsync(checkpointID uint64) error {
	return s.processor.Execute(types.PriorityHigh, mailbox.MailCheckpointComplete, s.handleCheckpointCompleteMail,
		types.Uint64Arg(checkpointID))
}

// NotifyCheckpointAbortAsync tells the subtask a previously triggered
// checkpoint was abandoned.
func (s *Subtask) NotifyCheckpointAbortAsync(checkpointID uint64, reason error) error {
	reasonText := ""
	if reason != nil {
		reasonText = reason.Error()
	}
	return s.processor.Execute(types.PriorityHigh, mailbox.MailCheckpointAborted, s.handleCheckpointAbortedMail,
		types.Uint64Arg(checkpointID), types.StringArg(reasonText))
}

func (s *Subtask) handleCheckpointMail(args []types.Arg) error {
	if len(args) < 4 {
		return fmt.Errorf("subtask: malformed checkpoint mail: %d args", len(args))
	}
	id := args[0].AsUint64()
	ts := time.Unix(0, args[1].AsInt64())
	synchronous := args[2].AsBool()
	_ = args[3].AsBool() // ShouldAdvanceToEndOfTime: no sources model end-of-time in this driver.
	meta := types.CheckpointMetadata{ID: id, Timestamp: ts}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CheckpointDuration)

	if synchronous {
		return s.runSynchronousCheckpoint(meta)
	}
	return s.runCheckpoint(meta)
}

// runCheckpoint performs the checkpoint inline on the task thread: snapshot
// every operator, append the checkpoint boundary, and acknowledge (or
// decline) to the coordinator.
func (s *Subtask) runCheckpoint(meta types.CheckpointMetadata) error {
	snapshot, err := s.snapshotOperators(meta.ID)
	step := s.dplog.Cursor().NextLiveStep()
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("declined").Inc()
		if s.coordinator != nil {
			return s.coordinator.DeclineCheckpoint(meta.ID, err)
		}
		return nil
	}
	if err := s.datalog.LogCheckpointBoundary(step, meta.ID); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("subtask: logging checkpoint boundary: %w", err)
	}
	metrics.CheckpointsTotal.WithLabelValues("completed").Inc()
	if s.coordinator != nil {
		return s.coordinator.AcknowledgeCheckpoint(meta.ID, snapshot)
	}
	return nil
}

// runSynchronousCheckpoint implements the synchronous-savepoint nested loop
// (spec §4.8 Scenario C). The snapshot itself (snapshotOperators, logging
// the checkpoint boundary) runs inline on the task thread, same as the
// asynchronous path — operator state must never be touched from a second
// goroutine. Only the round trip back to the external coordinator is
// treated as the "outstanding" part a synchronous savepoint waits on: while
// that acknowledgement is in flight, the task thread yields to
// high-priority mails only, leaving default-priority work and the default
// action suspended until the savepoint resolves.
func (s *Subtask) runSynchronousCheckpoint(meta types.CheckpointMetadata) error {
	id := meta.ID
	s.mu.Lock()
	s.syncSavepointID = &id
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncSavepointID = nil
		s.mu.Unlock()
	}()

	snapshot, err := s.snapshotOperators(meta.ID)
	step := s.dplog.Cursor().NextLiveStep()
	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues("declined").Inc()
		if s.coordinator != nil {
			return s.coordinator.DeclineCheckpoint(meta.ID, err)
		}
		return nil
	}
	if err := s.datalog.LogCheckpointBoundary(step, meta.ID); err != nil {
		metrics.CheckpointsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("subtask: logging checkpoint boundary: %w", err)
	}

	if s.coordinator == nil {
		metrics.CheckpointsTotal.WithLabelValues("completed").Inc()
		return nil
	}

	ackErrCh := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		ackErrCh <- s.coordinator.AcknowledgeCheckpoint(meta.ID, snapshot)
		close(finished)
		s.mailbox.WakeConsumer() // unblocks a TakeHighPriorityUnless parked with nothing queued
	}()

	waitErr := s.processor.RunHighPriorityOnly(func() bool {
		select {
		case <-finished:
			return false
		default:
			return true
		}
	})

	ackErr := <-ackErrCh
	if waitErr != nil {
		metrics.CheckpointsTotal.WithLabelValues("failed").Inc()
		return waitErr
	}
	if ackErr != nil {
		metrics.CheckpointsTotal.WithLabelValues("failed").Inc()
		return ackErr
	}
	metrics.CheckpointsTotal.WithLabelValues("completed").Inc()
	return nil
}

func (s *Subtask) snapshotOperators(checkpointID uint64) ([]byte, error) {
	var combined []byte
	for _, op := range s.operators {
		data, err := op.SnapshotState(checkpointID)
		if err != nil {
			return nil, fmt.Errorf("subtask: snapshotting operator: %w", err)
		}
		combined = append(combined, data...)
	}
	return combined, nil
}

func (s *Subtask) handleCheckpointCompleteMail(args []types.Arg) error {
	if len(args) < 1 {
		return fmt.Errorf("subtask: malformed checkpoint-complete mail")
	}
	id := args[0].AsUint64()
	s.datalog.NotifyCheckpointComplete(id)
	metrics.OutputCacheSize.Set(float64(len(s.writer.CachedOutputs(id))))
	return nil
}

func (s *Subtask) handleCheckpointAbortedMail(args []types.Arg) error {
	if len(args) < 1 {
		return fmt.Errorf("subtask: malformed checkpoint-aborted mail")
	}
	id := args[0].AsUint64()
	reason := ""
	if len(args) > 1 {
		reason = args[1].AsString()
	}
	s.logger.Warn().Uint64("checkpoint_id", id).Str("reason", reason).Msg("checkpoint aborted")
	return nil
}
