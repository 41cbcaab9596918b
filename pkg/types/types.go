// Package types holds the data shared across the subtask execution driver:
// mail envelopes, step numbers, log records, and the small set of lifecycle
// enums that every other package (mailbox, replay, subtask) builds on.
package types

import "time"

// StepNumber is a 64-bit monotonically increasing counter, advanced exactly
// once per logged scheduling event and once per logged output record.
type StepNumber uint64

// InvalidStep marks the absence of a recorded step (an empty log's recovery target).
const InvalidStep StepNumber = 0

// Priority selects which of the mailbox's two queues a mail is enqueued onto.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "default"
}

// ArgTag identifies the wire representation of one serialized mail argument.
type ArgTag byte

const (
	ArgString ArgTag = 'S'
	ArgInt64  ArgTag = 'I'
	ArgUint64 ArgTag = 'U'
	ArgBytes  ArgTag = 'B'
	ArgBool   ArgTag = 'Z'
)

// Arg is one serializable mail argument: a tag plus its encoded bytes.
// Mails carry a finite sequence of Args so that (name, args) can be
// durably logged and, on replay, handed back to the resolved handler
// unchanged.
type Arg struct {
	Tag   ArgTag
	Bytes []byte
}

// StringArg wraps a string argument.
func StringArg(s string) Arg { return Arg{Tag: ArgString, Bytes: []byte(s)} }

// Int64Arg wraps a signed integer argument.
func Int64Arg(v int64) Arg {
	return Arg{Tag: ArgInt64, Bytes: encodeUint64(uint64(v))}
}

// Uint64Arg wraps an unsigned integer argument.
func Uint64Arg(v uint64) Arg { return Arg{Tag: ArgUint64, Bytes: encodeUint64(v)} }

// BytesArg wraps an opaque byte-slice argument.
func BytesArg(b []byte) Arg { return Arg{Tag: ArgBytes, Bytes: b} }

// BoolArg wraps a boolean argument.
func BoolArg(v bool) Arg {
	if v {
		return Arg{Tag: ArgBool, Bytes: []byte{1}}
	}
	return Arg{Tag: ArgBool, Bytes: []byte{0}}
}

// AsString decodes a string argument; the caller is responsible for checking Tag.
func (a Arg) AsString() string { return string(a.Bytes) }

// AsInt64 decodes a signed integer argument.
func (a Arg) AsInt64() int64 { return int64(decodeUint64(a.Bytes)) }

// AsUint64 decodes an unsigned integer argument.
func (a Arg) AsUint64() uint64 { return decodeUint64(a.Bytes) }

// AsBytes returns the raw bytes argument.
func (a Arg) AsBytes() []byte { return a.Bytes }

// AsBool decodes a boolean argument.
func (a Arg) AsBool() bool { return len(a.Bytes) > 0 && a.Bytes[0] != 0 }

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Handler is the live-path function bound to a mail name. It is resolved on
// enqueue from the call site and, on replay, from the mail resolver keyed by
// Name — the registration must be frozen, since name strings are part of the
// on-disk log format.
type Handler func(args []Arg) error

// Mail is a named callable enqueued for execution on the task thread: a
// tuple of (name, arguments, handler-reference). Arguments must be
// serializable whenever logging is enabled; a mail that cannot be logged
// must only carry data reconstructible at replay from other sources.
type Mail struct {
	Name       string
	Args       []Arg
	Handler    Handler
	Priority   Priority
	EnqueuedAt time.Time
}

// MailboxState is one of {Open, Quiesced, Closed}. Transitions are one-way:
// Open accepts new mails; Quiesced stops accepting but drains what remains;
// Closed rejects everything.
type MailboxState int

const (
	Open MailboxState = iota
	Quiesced
	Closed
)

func (s MailboxState) String() string {
	switch s {
	case Open:
		return "open"
	case Quiesced:
		return "quiesced"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsAcceptingMails reports whether put() would succeed — true only in Open.
func (s MailboxState) IsAcceptingMails() bool { return s == Open }

// LogRecordKind tags the union stored in the deterministic-replay log.
type LogRecordKind byte

const (
	KindMailEnqueued      LogRecordKind = 'M'
	KindOutputEmitted     LogRecordKind = 'O'
	KindCheckpointBoundary LogRecordKind = 'C'
	KindClear             LogRecordKind = 'X'
)

func (k LogRecordKind) String() string {
	switch k {
	case KindMailEnqueued:
		return "MailEnqueued"
	case KindOutputEmitted:
		return "OutputEmitted"
	case KindCheckpointBoundary:
		return "CheckpointBoundary"
	case KindClear:
		return "Clear"
	default:
		return "Unknown"
	}
}

// LogRecord is one entry of the append-only deterministic-replay log.
// Records are appended in the order their Step is assigned; the on-disk
// sequence is strictly increasing in Step.
type LogRecord struct {
	Step LogRecordStep
	Kind LogRecordKind

	// Populated when Kind == KindMailEnqueued.
	MailName string
	MailArgs []Arg

	// Populated when Kind == KindOutputEmitted.
	Partition uint16
	Output    []byte

	// Populated when Kind == KindCheckpointBoundary.
	CheckpointID uint64
}

// LogRecordStep is StepNumber spelled out in full at the one place (the log
// record) where brevity would hide what's being ordered.
type LogRecordStep = StepNumber

// CheckpointOptions controls trigger-checkpoint-async behavior.
type CheckpointOptions struct {
	Synchronous              bool
	ShouldAdvanceToEndOfTime bool
}

// CheckpointMetadata identifies one checkpoint request.
type CheckpointMetadata struct {
	ID        uint64
	Timestamp time.Time
}

// SubtaskState is the four independent booleans that make up a subtask's
// lifecycle state. Nothing in this module uses it: pkg/subtask tracks the
// lifecycle with its own Phase enum.
type SubtaskState struct {
	Running            bool
	Canceled           bool
	Failing            bool
	DisposedOperators  bool
}

// StorageType selects a log storage backend implementation.
type StorageType string

const (
	StorageMem    StorageType = "mem"
	StorageLocal  StorageType = "local"
	StorageRemote StorageType = "remote"
)

// Config is the immutable configuration record threaded into a subtask at
// construction — see spec Configuration table (§6) and Design Notes (§9):
// structured config like this always overrides ambient/global flags.
type Config struct {
	EnableLogging     bool
	StorageType       StorageType
	HDFSLogStorage    string
	ClearOldLog       bool
	PrintLevel        int
	ControlDelay      time.Duration
	EnableOutputCache bool
}
