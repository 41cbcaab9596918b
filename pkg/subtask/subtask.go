// Package subtask is the per-subtask execution driver: it wires the
// mailbox processor, the deterministic-replay log managers, the timer and
// pinger services, and the operator chain into the lifecycle state machine
// described by spec §4.8, and exposes the Control API operations of §6.
//
// Constructor wiring is grounded on the teacher's pkg/worker.NewWorker: a
// single constructor assembling every collaborator up front, with Start/Stop
// (here Invoke/Cancel) driving a background goroutine loop.
package subtask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/logstore"
	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/pinger"
	"github.com/shengquan-ni/flink-exp/pkg/replay"
	"github.com/shengquan-ni/flink-exp/pkg/timers"
	"github.com/shengquan-ni/flink-exp/pkg/types"
	"github.com/shengquan-ni/flink-exp/pkg/writer"
)

// Subtask is one subtask's execution driver: exactly one task thread, one
// mailbox, one deterministic-replay log.
type Subtask struct {
	id     string
	config types.Config
	logger zerolog.Logger

	mailbox   *mailbox.TaskMailbox
	resolver  *mailbox.Resolver
	processor *mailbox.Processor

	backend logstore.Backend
	writer  *writer.Writer
	dplog   *replay.DPLogManager
	datalog *replay.DataLogManager

	timers *timers.Service
	pinger *pinger.Pinger

	operators   []Operator
	gates       []Gate
	coordinator CheckpointCoordinator

	cancelables *CancelableRegistry

	mu              sync.Mutex
	phase           Phase
	failureReason   string
	syncSavepointID *uint64
	controlHandlers map[string]ControlHandler
}

// Deps bundles the collaborators NewSubtask wires together, so callers do
// not need to remember constructor argument order across a dozen fields.
type Deps struct {
	ID          string
	Config      types.Config
	Backend     logstore.Backend
	Operators   []Operator
	Gates       []Gate
	Coordinator CheckpointCoordinator
	UserAction  mailbox.DefaultAction
}

// NewSubtask assembles the mailbox, resolver, processor, log managers, and
// ancillary services, and registers every frozen mail name's handler. The
// returned Subtask is in PhaseCreated; call Invoke to run it.
func NewSubtask(deps Deps) (*Subtask, error) {
	if deps.Config.ClearOldLog {
		if err := deps.Backend.Clear(); err != nil {
			return nil, fmt.Errorf("subtask: clearing old log: %w", err)
		}
	}

	w := writer.New(deps.Backend)
	if deps.Config.EnableOutputCache {
		w.EnableOutputCache()
	}

	dplog, err := replay.NewDPLogManager(deps.Backend, w)
	if err != nil {
		return nil, fmt.Errorf("subtask: building dp log manager: %w", err)
	}
	datalog, err := replay.NewDataLogManager(dplog.Cursor(), deps.Backend, w)
	if err != nil {
		return nil, fmt.Errorf("subtask: building data log manager: %w", err)
	}

	mb := mailbox.New()
	resolver := mailbox.NewResolver()

	s := &Subtask{
		id:              deps.ID,
		config:          deps.Config,
		logger:          logging.WithComponent("subtask").With().Str("subtask_id", deps.ID).Logger(),
		mailbox:         mb,
		resolver:        resolver,
		backend:         deps.Backend,
		writer:          w,
		dplog:           dplog,
		datalog:         datalog,
		operators:       deps.Operators,
		gates:           deps.Gates,
		coordinator:     deps.Coordinator,
		cancelables:     NewCancelableRegistry(),
		phase:           PhaseCreated,
		controlHandlers: make(map[string]ControlHandler),
	}

	s.processor = mailbox.NewProcessor(mb, resolver, deps.UserAction)
	s.processor.SetReplaySource(dplog)
	s.processor.SetEnqueueHook(dplog.OnMailEnqueued)
	s.processor.SetOutputSink(datalog, dplog.Cursor())

	s.timers = timers.NewService(s.processor)
	s.timers.RegisterHandler(resolver)

	s.pinger = pinger.New(s.processor, deps.Config.ControlDelay)
	pinger.RegisterHandler(resolver)

	resolver.Register(mailbox.MailPause, s.processor.HandlePause)
	resolver.Register(mailbox.MailResume, s.processor.HandleResume)
	resolver.Register(mailbox.MailOperatorEvent, s.handleOperatorEvent)
	resolver.Register(mailbox.MailControl, s.handleControl)
	resolver.Register(mailbox.MailCheckpoint, s.handleCheckpointMail)
	resolver.Register(mailbox.MailCheckpointComplete, s.handleCheckpointCompleteMail)
	resolver.Register(mailbox.MailCheckpointAborted, s.handleCheckpointAbortedMail)
	resolver.Register(mailbox.MailPartitionRequest, s.handlePartitionRequest)

	w.Start()
	go s.watchAsyncErrors()

	return s, nil
}

// watchAsyncErrors forwards the log writer's fail-fast async-exception
// channel into the subtask's own failure path (spec §7 async-worker
// failure). Returns once the channel is closed by writer Shutdown.
func (s *Subtask) watchAsyncErrors() {
	for err := range s.writer.AsyncErrors() {
		s.HandleAsyncException(fmt.Errorf("log writer: %w", err))
	}
}

// Ready implements control.StatusProvider.
func (s *Subtask) Ready() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseRunning:
		return true, ""
	case PhaseFailing:
		return false, fmt.Sprintf("failing: %s", s.failureReason)
	default:
		return false, s.phase.String()
	}
}

func (s *Subtask) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.logger.Info().Str("phase", p.String()).Msg("subtask phase transition")
}

func (s *Subtask) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RegisterControlHandler binds name to handler for SendControl/MailControl
// dispatch (spec §6 Control API). Must be called before Invoke.
func (s *Subtask) RegisterControlHandler(name string, handler ControlHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlHandlers[name] = handler
}

// Invoke runs the subtask to completion: restore, run the gates-recovering
// handshake, then drive the mailbox processor loop until end-of-input,
// cancellation, or failure. It returns the first non-suppressed error, per
// the §7 "first-or-suppressed" rule — a cancellation is reported as nil.
func (s *Subtask) Invoke() error {
	if err := s.restore(); err != nil {
		if isCancelTask(err) {
			err = nil
		}
		cleanupErr := s.cleanUpInvoke(err)
		return firstOrSuppressed(err, cleanupErr)
	}

	s.setPhase(PhaseRunning)
	s.pinger.Start()

	runErr := s.processor.RunLoop()
	if isCancelTask(runErr) {
		runErr = nil
	}

	cleanupErr := s.cleanUpInvoke(runErr)
	return firstOrSuppressed(runErr, cleanupErr)
}

// restore drives Created -> Restoring -> GatesRecovering (spec §4.8): it
// opens every operator, then runs the mailbox loop — without the default
// action — until every gate reports its channel state consumed. Only once
// that wait is satisfied does it suspend the default action and enqueue one
// "request partitions" mail per gate, so the request itself is logged and
// replays identically after a crash during this handshake.
func (s *Subtask) restore() error {
	s.setPhase(PhaseRestoring)
	for _, op := range s.operators {
		if err := op.Open(); err != nil {
			return fmt.Errorf("subtask: opening operator: %w", err)
		}
	}

	s.setPhase(PhaseGatesRecovering)
	if err := s.processor.RunUntil(s.gatesRecovered); err != nil {
		return fmt.Errorf("subtask: gate recovery: %w", err)
	}
	if s.currentPhase() == PhaseCanceling {
		return newCancelTaskError("canceled during gate recovery")
	}

	// Logging turns on once gate recovery completes (spec §4.5), so pre-run
	// initialization is never recorded but the partition-request handshake
	// below is.
	if s.config.EnableLogging {
		s.dplog.Enable()
	}

	sus := s.processor.Suspend()
	for idx := range s.gates {
		gateIdx := idx
		if err := s.processor.Execute(types.PriorityDefault, mailbox.MailPartitionRequest, s.handlePartitionRequest,
			types.Int64Arg(int64(gateIdx))); err != nil {
			return fmt.Errorf("subtask: requesting partitions: %w", err)
		}
	}
	sus.Resume()
	return nil
}

// gatesRecovered reports whether every gate has finished replaying its
// buffered/in-flight channel state, or the subtask is being canceled out
// from under the wait.
func (s *Subtask) gatesRecovered() bool {
	if s.currentPhase() == PhaseCanceling {
		return true
	}
	for _, g := range s.gates {
		if !g.StateConsumed() {
			return false
		}
	}
	return true
}

// cleanUpInvoke runs the operator Close/Dispose sequence and tears down
// ancillary services, regardless of how the run ended. It never lets a
// teardown failure mask invokeErr; the caller combines the two via
// firstOrSuppressed.
func (s *Subtask) cleanUpInvoke(invokeErr error) error {
	normalCompletion := invokeErr == nil && s.currentPhase() != PhaseCanceling && s.currentPhase() != PhaseFailing
	s.setPhase(PhaseClosing)
	s.pinger.Stop()
	s.timers.Stop()

	var closeErr error
	if normalCompletion {
		for _, op := range s.operators {
			if err := op.Close(); err != nil {
				closeErr = firstOrSuppressed(closeErr, err)
			}
		}
	}

	var disposeErr error
	for _, op := range s.operators {
		if err := op.Dispose(); err != nil {
			disposeErr = firstOrSuppressed(disposeErr, err)
		}
	}

	s.cancelables.CloseAll()
	s.processor.Close()
	s.setPhase(PhaseDisposed)
	return firstOrSuppressed(closeErr, disposeErr)
}

// Cancel requests cancellation (spec §4.8 Canceling branch): it moves the
// phase to Canceling, tears down every registered Cancelable, and closes
// the mailbox so a blocked task thread observes the shutdown sentinel.
// Safe to call from any thread, any number of times.
func (s *Subtask) Cancel() {
	phase := s.currentPhase()
	if phase == PhaseDisposed || phase == PhaseCanceling {
		return
	}
	s.setPhase(PhaseCanceling)
	s.cancelables.CloseAll()
	s.processor.PrepareClose()
	s.processor.Close()
}

// HandleAsyncException is invoked when an async worker (the log writer, a
// timer callback) fails outside the task thread (spec §7 async-worker
// failure). It marks the subtask Failing and tears it down the same way a
// task-local failure would.
func (s *Subtask) HandleAsyncException(err error) {
	s.mu.Lock()
	s.failureReason = err.Error()
	s.mu.Unlock()
	s.setPhase(PhaseFailing)
	s.logger.Error().Err(err).Msg("async exception, failing subtask")
	s.processor.PrepareClose()
	s.processor.Close()
}

// Pause requests the mailbox processor suspend its default action via a
// high-priority mail, observable through PauseFuture (spec §4.3).
func (s *Subtask) Pause() error {
	return s.processor.Execute(types.PriorityHigh, mailbox.MailPause, s.processor.HandlePause)
}

// Resume undoes Pause.
func (s *Subtask) Resume() error {
	return s.processor.Execute(types.PriorityHigh, mailbox.MailResume, s.processor.HandleResume)
}

// Shutdown stops the writer and waits for its final flush, bounded by ctx.
// Call after Invoke has returned.
func (s *Subtask) Shutdown(ctx context.Context) error {
	select {
	case err := <-s.writer.Shutdown():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
