package mailbox

import (
	"fmt"
	"sync"

	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// Frozen mail names recognized by every subtask — the linchpin of replay.
// Changing these strings is a forward-incompatible log format change.
const (
	MailTimerCallback        = "timer-callback"
	MailPartitionRequest     = "partition-request"
	MailOperatorEvent        = "operator-event"
	MailPause                = "pause"
	MailResume               = "resume"
	MailControl              = "control"
	MailCheckpoint           = "checkpoint"
	MailCheckpointComplete   = "checkpoint-complete"
	MailCheckpointAborted    = "checkpoint-aborted"
	MailNoOp                 = "exp"
)

// Resolver is the name → handler registry (spec §4.7). Binding happens once
// at subtask construction for every mail name the system recognizes;
// unknown names encountered during replay are a fatal recovery error.
type Resolver struct {
	mu       sync.RWMutex
	handlers map[string]types.Handler
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{handlers: make(map[string]types.Handler)}
}

// Register binds name to handler. Re-registering the same name replaces the
// previous binding — used when a subtask rebuilds its operator chain on
// restore.
func (r *Resolver) Register(name string, handler types.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Resolve looks up the handler bound to name. A miss during replay is a
// fatal recovery error per spec §4.7/§7.
func (r *Resolver) Resolve(name string) (types.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("mailbox: no handler registered for mail name %q", name)
	}
	return h, nil
}
