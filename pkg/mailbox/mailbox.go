// Package mailbox is the task mailbox and mailbox processor (spec §4.3,
// §4.4, §4.7): the priority FIFO queue of mails owned by one subtask, and
// the single-consumer loop that interleaves a default action with queued
// mails.
//
// The queue discipline is grounded on the teacher's pkg/events.Broker: a
// mutex-guarded map/slice of pending work fed by many producers and drained
// by one consumer goroutine. Where the Broker fans one event out to many
// subscribers, the mailbox instead holds two FIFOs (high, default) drained
// by exactly one consumer — the task thread.
package mailbox

import (
	"fmt"
	"sync"

	"github.com/shengquan-ni/flink-exp/pkg/metrics"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// TaskMailbox is a priority FIFO with states {Open, Quiesced, Closed}.
// Thread-safe; multi-producer, single-consumer.
type TaskMailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state types.MailboxState
	high  []types.Mail
	def   []types.Mail
}

// New returns an Open, empty TaskMailbox.
func New() *TaskMailbox {
	m := &TaskMailbox{state: types.Open}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put enqueues mail at the given priority. It returns an error if the
// mailbox is not Open — callers during shutdown (e.g. a late operator
// event) may swallow that error per the spec's rejected-enqueue rule.
func (m *TaskMailbox) Put(mail types.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsAcceptingMails() {
		return fmt.Errorf("mailbox: put rejected, state is %s", m.state)
	}
	if mail.Priority == types.PriorityHigh {
		m.high = append(m.high, mail)
		metrics.MailboxQueueDepth.WithLabelValues("high").Set(float64(len(m.high)))
	} else {
		m.def = append(m.def, mail)
		metrics.MailboxQueueDepth.WithLabelValues("default").Set(float64(len(m.def)))
	}
	m.cond.Signal()
	return nil
}

// Take blocks until a mail is available or the mailbox is Closed, in which
// case it returns the zero Mail and ok=false — the shutdown sentinel.
// High-priority mails are always returned before default-priority ones.
func (m *TaskMailbox) Take() (types.Mail, bool) {
	return m.TakeUnless(func() bool { return false })
}

// TakeUnless is Take, but also wakes and returns ok=false as soon as done
// reports true — used by the mailbox processor so AllActionsCompleted can
// unblock a task thread parked waiting for the next mail.
func (m *TaskMailbox) TakeUnless(done func() bool) (types.Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.state != types.Closed && len(m.high) == 0 && len(m.def) == 0 && !done() {
		m.cond.Wait()
	}
	if len(m.high) == 0 && len(m.def) == 0 {
		return types.Mail{}, false
	}
	return m.popLocked(), true
}

// TakeHighPriorityUnless blocks until a high-priority mail is available,
// the mailbox is Closed, or done reports true — default-priority mails are
// left queued untouched. Used by the synchronous-savepoint loop (spec §4.8),
// which yields to high-priority mails only until the savepoint resolves.
func (m *TaskMailbox) TakeHighPriorityUnless(done func() bool) (types.Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.state != types.Closed && len(m.high) == 0 && !done() {
		m.cond.Wait()
	}
	if len(m.high) == 0 {
		return types.Mail{}, false
	}
	mail := m.high[0]
	m.high = m.high[1:]
	metrics.MailboxQueueDepth.WithLabelValues("high").Set(float64(len(m.high)))
	return mail, true
}

// TryTakeHighPriority pops the head of the high-priority queue without
// blocking; ok is false if it is empty.
func (m *TaskMailbox) TryTakeHighPriority() (types.Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.high) == 0 {
		return types.Mail{}, false
	}
	mail := m.high[0]
	m.high = m.high[1:]
	metrics.MailboxQueueDepth.WithLabelValues("high").Set(float64(len(m.high)))
	return mail, true
}

// TryTakeDefault pops the head of the default queue without blocking.
func (m *TaskMailbox) TryTakeDefault() (types.Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.def) == 0 {
		return types.Mail{}, false
	}
	mail := m.def[0]
	m.def = m.def[1:]
	metrics.MailboxQueueDepth.WithLabelValues("default").Set(float64(len(m.def)))
	return mail, true
}

// WakeConsumer wakes a goroutine blocked in Take() without enqueuing or
// changing state — used by AllActionsCompleted to unblock the task thread.
func (m *TaskMailbox) WakeConsumer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cond.Broadcast()
}

// HasMail reports whether either queue currently has a pending mail.
func (m *TaskMailbox) HasMail() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.high) > 0 || len(m.def) > 0
}

// State returns the current mailbox state.
func (m *TaskMailbox) State() types.MailboxState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Quiesce moves Open to Quiesced: stop accepting new mails, keep draining
// what remains. A no-op once already Quiesced or Closed.
func (m *TaskMailbox) Quiesce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.Open {
		m.state = types.Quiesced
		metrics.MailboxState.Set(1)
	}
}

// Drain executes fn for every remaining mail in both queues, high first,
// without blocking.
func (m *TaskMailbox) Drain(fn func(types.Mail)) {
	for {
		mail, ok := m.TryTakeHighPriority()
		if !ok {
			mail, ok = m.TryTakeDefault()
		}
		if !ok {
			return
		}
		fn(mail)
	}
}

// Close moves the mailbox to Closed: any lingering mail is dropped, and any
// blocked Take() call returns the shutdown sentinel.
func (m *TaskMailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = types.Closed
	m.high = nil
	m.def = nil
	metrics.MailboxState.Set(2)
	m.cond.Broadcast()
}

func (m *TaskMailbox) popLocked() types.Mail {
	if len(m.high) > 0 {
		mail := m.high[0]
		m.high = m.high[1:]
		metrics.MailboxQueueDepth.WithLabelValues("high").Set(float64(len(m.high)))
		return mail
	}
	mail := m.def[0]
	m.def = m.def[1:]
	metrics.MailboxQueueDepth.WithLabelValues("default").Set(float64(len(m.def)))
	return mail
}
