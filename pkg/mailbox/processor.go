package mailbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/metrics"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// DefaultAction is the continuously-running work performed by the task
// thread whenever the mailbox has no urgent work — usually "process one
// input record." A correct implementation either does work and returns,
// calls ctl.SuspendDefaultAction when no input is available, or calls
// ctl.AllActionsCompleted on end-of-input.
type DefaultAction func(ctl Controller) error

// Controller is the interface a DefaultAction uses to yield control back to
// the mailbox processor.
type Controller interface {
	SuspendDefaultAction(watchdog time.Duration) *Suspension
	AllActionsCompleted()

	// Emit routes one outbound record through the deterministic-replay
	// output log before it reaches partition (spec §4.6 EmitOrReplay). ok
	// is false when recovery is suppressing live emission and no record was
	// logged for this step, meaning nothing should be pushed downstream
	// this call.
	Emit(partition uint16, data []byte) (out []byte, ok bool, err error)
}

// OutputSink is the data log manager's half of Controller.Emit — defined
// here rather than imported from pkg/replay to avoid a cycle, the same
// reason ReplaySource lives in this package instead of pkg/replay.
type OutputSink interface {
	EmitOrReplay(step types.StepNumber, partition uint16, liveBytes []byte) ([]byte, bool, error)
}

// StepSource assigns the step number an Emit call should carry. The DP log
// manager's StepCursor is the concrete implementation wired by pkg/subtask.
type StepSource interface {
	NextStep() types.StepNumber
}

// ReplaySource lets the DP log manager (pkg/replay) drive the processor
// during recovery instead of the live mailbox — defined here rather than
// imported from pkg/replay to avoid a cycle; pkg/replay implements it and
// pkg/subtask wires the two together.
type ReplaySource interface {
	// NextMail returns the next mail to execute from the log, or ok=false
	// when none is due: once recovery has caught up to the live cursor, or
	// while the next logged record is an output an Emit call has not yet
	// claimed.
	NextMail() (types.Mail, bool)
	// RecoveryComplete reports whether the replayed cursor has reached the
	// stored target.
	RecoveryComplete() bool
}

// EnqueueHook is invoked synchronously before a mail becomes visible to the
// consumer, giving the DP log manager a chance to durably log it first
// (spec §4.5 on-mail-enqueued).
type EnqueueHook func(name string, args []types.Arg)

// Processor is the mailbox processor: the single-consumer loop that
// interleaves the default action with prioritized mails, grounded on the
// teacher's `select { case <-ticker.C: ... case <-stopCh: return }` idiom
// generalized from a fixed ticker to a priority-aware queue plus an
// explicit default-action fallthrough.
type Processor struct {
	mailbox  *TaskMailbox
	resolver *Resolver
	logger   zerolog.Logger

	defaultAction DefaultAction
	replay        ReplaySource
	enqueueHook   EnqueueHook
	outputSink    OutputSink
	steps         StepSource

	mu                  sync.Mutex
	suspension          *Suspension
	paused              bool
	pauseFuture         *pauseFuture
	allActionsCompleted bool
}

// NewProcessor builds a Processor over mailbox, draining mails by resolving
// their Handler field directly (the live path) and, for replayed mails,
// falling back to resolver by name.
func NewProcessor(mb *TaskMailbox, resolver *Resolver, action DefaultAction) *Processor {
	return &Processor{
		mailbox:       mb,
		resolver:      resolver,
		logger:        logging.WithComponent("mailbox-processor"),
		defaultAction: action,
		pauseFuture:   newPauseFuture(),
	}
}

// SetReplaySource wires the DP log manager that paces recovery. Must be
// called before RunLoop if the subtask was restored from a non-empty log.
func (p *Processor) SetReplaySource(r ReplaySource) { p.replay = r }

// SetEnqueueHook wires the callback invoked for every mail put through
// Execute, before it becomes visible to the consumer.
func (p *Processor) SetEnqueueHook(h EnqueueHook) { p.enqueueHook = h }

// SetOutputSink wires the data log manager and its step source that back
// Controller.Emit. Must be called before the default action first runs.
func (p *Processor) SetOutputSink(sink OutputSink, steps StepSource) {
	p.outputSink = sink
	p.steps = steps
}

// Emit implements Controller.
func (p *Processor) Emit(partition uint16, data []byte) ([]byte, bool, error) {
	if p.outputSink == nil || p.steps == nil {
		return nil, false, fmt.Errorf("mailbox: no output sink configured")
	}
	step := p.steps.NextStep()
	return p.outputSink.EmitOrReplay(step, partition, data)
}

// PauseFuture exposes the pause/resume observation point to external
// waiters (spec §4.3 pause semantics).
func (p *Processor) PauseFuture() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseFuture.Done()
}

// Execute enqueues a mail from any thread — the operation exposed to
// "other threads" in spec §4.3. Rejected if the mailbox is not Open.
func (p *Processor) Execute(priority types.Priority, name string, handler types.Handler, args ...types.Arg) error {
	if p.enqueueHook != nil {
		p.enqueueHook(name, args)
	}
	return p.mailbox.Put(types.Mail{
		Name:       name,
		Args:       args,
		Handler:    handler,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	})
}

// SuspendDefaultAction implements Controller. If watchdog > 0, the
// Suspension auto-resumes after that duration regardless of whether the
// caller ever calls Resume — a bounded-starvation safety net; pass 0 to
// disable it.
func (p *Processor) SuspendDefaultAction(watchdog time.Duration) *Suspension {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := newSuspension(func() {
		p.mu.Lock()
		if p.suspension != nil {
			p.suspension = nil
		}
		p.mu.Unlock()
	})
	p.suspension = s
	metrics.SuspensionsTotal.Inc()

	if watchdog > 0 {
		go func() {
			time.Sleep(watchdog)
			s.Resume()
		}()
	}
	return s
}

// AllActionsCompleted implements Controller: an idempotent signal to end
// the loop, waking a blocked task thread.
func (p *Processor) AllActionsCompleted() {
	p.mu.Lock()
	p.allActionsCompleted = true
	p.mu.Unlock()
	p.mailbox.WakeConsumer()
}

func (p *Processor) isSuspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspension != nil
}

func (p *Processor) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Processor) isDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allActionsCompleted
}

// HandlePause and HandleResume are registered against MailPause/MailResume
// by the owning subtask; exported so callers can register them verbatim.
func (p *Processor) HandlePause([]types.Arg) error {
	p.mu.Lock()
	p.paused = true
	f := p.pauseFuture
	p.mu.Unlock()
	f.complete()
	return nil
}

func (p *Processor) HandleResume([]types.Arg) error {
	p.mu.Lock()
	p.paused = false
	f := p.pauseFuture
	p.mu.Unlock()
	f.reset()
	return nil
}

// RunLoop runs until the mailbox is Closed or AllActionsCompleted was
// signaled.
func (p *Processor) RunLoop() error {
	for {
		done, err := p.RunStep()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// RunStep runs one iteration of the loop described in spec §4.3: drain the
// high-priority queue, then either run the default action once or run the
// next default-priority mail. It reports done=true once the mailbox is
// Closed or all actions have completed.
func (p *Processor) RunStep() (done bool, err error) {
	if p.mailbox.State() == types.Closed {
		return true, nil
	}
	if p.isDone() {
		return true, nil
	}

	// Replay takes the wheel until the DP log manager reports caught up.
	if p.replay != nil && !p.replay.RecoveryComplete() {
		mail, ok := p.replay.NextMail()
		if ok {
			return false, p.executeMail(mail)
		}
	}

	// 1. Drain every mail currently at the head of the high-priority queue.
	for {
		mail, ok := p.mailbox.TryTakeHighPriority()
		if !ok {
			break
		}
		if err := p.executeMail(mail); err != nil {
			return false, err
		}
		if p.isDone() {
			return true, nil
		}
	}

	// 2. No pending mail anywhere, default action eligible: run it once.
	if !p.mailbox.HasMail() && !p.isSuspended() && !p.isPaused() {
		if p.defaultAction == nil {
			return false, fmt.Errorf("mailbox: no default action configured")
		}
		metrics.DefaultActionInvocationsTotal.Inc()
		if err := p.defaultAction(p); err != nil {
			return false, fmt.Errorf("default action: %w", err)
		}
		return p.isDone(), nil
	}

	// 3. Otherwise run the next default-priority mail, blocking if none is
	// queued yet (suspended or paused, waiting on external work).
	mail, ok := p.mailbox.TryTakeDefault()
	if !ok {
		mail, ok = p.mailbox.TakeUnless(p.isDone)
		if !ok {
			return true, nil // shutdown sentinel, or all actions completed while blocked.
		}
	}
	if err := p.executeMail(mail); err != nil {
		return false, err
	}
	return p.isDone(), nil
}

func (p *Processor) executeMail(mail types.Mail) error {
	handler := mail.Handler
	if handler == nil {
		resolved, err := p.resolver.Resolve(mail.Name)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		handler = resolved
	}
	if err := handler(mail.Args); err != nil {
		return fmt.Errorf("mail %q: %w", mail.Name, err)
	}
	return nil
}

// RunHighPriorityOnly implements the synchronous-savepoint nested loop (spec
// §4.8): it executes only high-priority mails, blocking the task thread
// when none are queued, until stillWaiting reports false or the mailbox is
// Closed. Default-priority mails remain queued, untouched, for the outer
// loop to resume once this returns.
func (p *Processor) RunHighPriorityOnly(stillWaiting func() bool) error {
	for stillWaiting() {
		if p.mailbox.State() == types.Closed {
			return nil
		}
		mail, ok := p.mailbox.TakeHighPriorityUnless(func() bool { return !stillWaiting() })
		if !ok {
			return nil
		}
		if err := p.executeMail(mail); err != nil {
			return err
		}
	}
	return nil
}

// RunUntil drains the mailbox — high-priority mail first, then
// default-priority mail, blocking when neither queue has one ready — without
// ever invoking the default action, until done reports true or the mailbox
// is Closed. Used by the subtask lifecycle during gate recovery (spec §4.8
// restore): the wait for gates to report state-consumed is satisfied by
// draining whatever mail arrives in the meantime, not by polling a flag.
func (p *Processor) RunUntil(done func() bool) error {
	for !done() {
		if p.mailbox.State() == types.Closed {
			return nil
		}
		mail, ok := p.mailbox.TryTakeHighPriority()
		if !ok {
			mail, ok = p.mailbox.TryTakeDefault()
		}
		if !ok {
			mail, ok = p.mailbox.TakeUnless(done)
			if !ok {
				return nil
			}
		}
		if err := p.executeMail(mail); err != nil {
			return err
		}
	}
	return nil
}

// Suspend marks "no more default action"; queued mails still drain. Returns
// the Suspension so the caller can Resume it once it no longer applies.
// Used by the subtask lifecycle around the gate-recovery handshake (spec
// §4.8 restore).
func (p *Processor) Suspend() *Suspension {
	return p.SuspendDefaultAction(0)
}

// PrepareClose moves the mailbox to Quiesced: reject new mails, let queued
// ones finish.
func (p *Processor) PrepareClose() { p.mailbox.Quiesce() }

// Drain executes every remaining queued mail without blocking.
func (p *Processor) Drain() {
	p.mailbox.Drain(func(mail types.Mail) {
		if err := p.executeMail(mail); err != nil {
			p.logger.Error().Err(err).Str("mail", mail.Name).Msg("error draining mail")
		}
	})
}

// Close releases the mailbox; any lingering mail is dropped.
func (p *Processor) Close() { p.mailbox.Close() }
