// Package pinger implements the control-delay configuration option: a
// periodic no-op mail that keeps the mailbox processor's step cursor
// advancing and observable even while the subtask is otherwise fully idle.
// Directly adapted from pkg/reconciler.Reconciler's ticker+stopCh loop —
// here the "reconciliation" is simply posting a no-op mail instead of
// comparing desired/actual cluster state.
package pinger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// Pinger posts mailbox.MailNoOp mails at a fixed interval.
type Pinger struct {
	processor *mailbox.Processor
	interval  time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a Pinger that, once Start is called, posts a no-op mail onto
// processor every interval. A non-positive interval disables the pinger
// entirely (Start becomes a no-op), matching control-delay's documented
// "0 disables" behavior.
func New(processor *mailbox.Processor, interval time.Duration) *Pinger {
	return &Pinger{
		processor: processor,
		interval:  interval,
		logger:    logging.WithComponent("pinger"),
	}
}

// RegisterHandler installs the frozen no-op mail handler. The handler does
// nothing; its entire purpose is to be a schedulable, loggable mail. Live
// pings are posted without an inline handler, so the processor resolves them
// to this one by name, the same as replayed pings.
func RegisterHandler(resolver *mailbox.Resolver) {
	resolver.Register(mailbox.MailNoOp, func([]types.Arg) error { return nil })
}

// Start begins the ping loop. No-op if interval <= 0.
func (p *Pinger) Start() {
	if p.interval <= 0 {
		return
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	stopCh := p.stopCh
	done := p.done
	p.mu.Unlock()

	go p.run(stopCh, done)
}

func (p *Pinger) run(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.processor.Execute(types.PriorityDefault, mailbox.MailNoOp, nil); err != nil {
				p.logger.Debug().Err(err).Msg("failed to post control-delay ping mail")
			}
		case <-stopCh:
			return
		}
	}
}

// Stop halts the ping loop and waits for the loop goroutine to exit. Safe to
// call even if Start was never called or already stopped.
func (p *Pinger) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	done := p.done
	p.stopCh = nil
	p.mu.Unlock()

	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-done
}
