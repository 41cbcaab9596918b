package timers

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// Callback is invoked on the task thread when a timer fires, exactly like
// any other resolved mail handler (spec §5: "Timer threads — post mails
// only").
type Callback func() error

type armed interface {
	Stop() bool
}

// Service wraps an external timer source (time.AfterFunc/time.Ticker helper
// goroutines) so every fire only ever posts a mail onto the owning
// processor — it never touches operator state directly. Grounded on
// pkg/scheduler.Scheduler and pkg/reconciler.Reconciler's
// time.NewTicker-driven run loops, generalized from one fixed interval to a
// registry of independently timed, independently identified callbacks.
type Service struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	processor *mailbox.Processor

	nextID    uint64
	callbacks map[uint64]Callback
	active    map[uint64]armed
	stopped   bool
}

// NewService creates a timer service that posts callback mails onto
// processor.
func NewService(processor *mailbox.Processor) *Service {
	return &Service{
		logger:    logging.WithComponent("timers"),
		processor: processor,
		callbacks: make(map[uint64]Callback),
		active:    make(map[uint64]armed),
	}
}

// RegisterHandler installs the frozen "timer-callback" mail handler on
// resolver, so a replayed timer-callback mail (carrying only the stable
// integer id) can be resolved back to the live callback object (spec §4.9).
func (s *Service) RegisterHandler(resolver *mailbox.Resolver) {
	resolver.Register(mailbox.MailTimerCallback, s.dispatch)
}

// Register assigns a new stable integer id to cb, returned for the caller to
// hold onto and later pass to ScheduleOnce/SchedulePeriodic. The id, not the
// callback, is what gets logged and replayed.
func (s *Service) Register(cb Callback) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.callbacks[id] = cb
	return id
}

// ScheduleOnce arms a one-shot timer that, after d, posts a "timer-callback"
// mail carrying id.
func (s *Service) ScheduleOnce(id uint64, d time.Duration) {
	t := time.AfterFunc(d, func() { s.fire(id) })
	s.arm(id, t)
}

// SchedulePeriodic arms a repeating timer that posts a "timer-callback" mail
// carrying id every d, until Cancel(id) or Stop is called.
func (s *Service) SchedulePeriodic(id uint64, d time.Duration) {
	ticker := time.NewTicker(d)
	s.arm(id, ticker)
	go func() {
		for range ticker.C {
			s.fire(id)
		}
	}()
}

func (s *Service) arm(id uint64, t armed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		t.Stop()
		return
	}
	s.active[id] = t
}

// Cancel stops the active timer for id, if any.
func (s *Service) Cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.active[id]; ok {
		t.Stop()
		delete(s.active, id)
	}
}

// Stop cancels every active timer. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, t := range s.active {
		t.Stop()
		delete(s.active, id)
	}
}

func (s *Service) fire(id uint64) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if err := s.processor.Execute(types.PriorityDefault, mailbox.MailTimerCallback, s.dispatch, types.Uint64Arg(id)); err != nil {
		s.logger.Error().Err(err).Uint64("timer_id", id).Msg("failed to post timer callback mail")
	}
}

// dispatch is the resolved handler for every "timer-callback" mail, live or
// replayed: it maps the stable id back to the registered callback and
// invokes it on the task thread.
func (s *Service) dispatch(args []types.Arg) error {
	if len(args) == 0 {
		return fmt.Errorf("timers: timer-callback mail missing id argument")
	}
	id := args[0].AsUint64()
	s.mu.Lock()
	cb, ok := s.callbacks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("timers: no callback registered for timer id %d", id)
	}
	return cb()
}
