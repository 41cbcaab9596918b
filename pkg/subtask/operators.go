package subtask

// Operator is one operator in the subtask's chain (spec §4.1). Open runs
// before gate recovery and before the mailbox processor's loop starts;
// Close runs once input is exhausted; Dispose always runs last, even on a
// failed or canceled run, and must be safe to call after a failed Close.
type Operator interface {
	Open() error
	Close() error
	Dispose() error
	SnapshotState(checkpointID uint64) ([]byte, error)
	RestoreState(data []byte) error
}

// Gate is one input gate feeding the subtask (spec §4.8 gates-recovering
// phase). RequestPartitions kicks off upstream partition discovery;
// StateConsumed reports whether the gate has finished replaying whatever
// buffered/in-flight state it owns, the condition the GatesRecovering phase
// blocks on before moving to Running.
type Gate interface {
	RequestPartitions() error
	StateConsumed() bool
}

// CheckpointCoordinator is the external collaborator a subtask reports
// checkpoint outcomes to (spec §4.2, §6). Triggering always originates
// externally via TriggerCheckpointAsync; this interface carries the
// subtask's half of the round trip back to the coordinator.
type CheckpointCoordinator interface {
	AcknowledgeCheckpoint(checkpointID uint64, snapshot []byte) error
	DeclineCheckpoint(checkpointID uint64, reason error) error
}

// ControlHandler answers one named control request (spec §6 Control API)
// with an opaque response payload.
type ControlHandler func(payload []byte) ([]byte, error)
