package mailbox

import "sync"

// Suspension is the token returned by Controller.SuspendDefaultAction when
// the default action detects "no input available." At most one is live at
// a time (spec invariant 6); Resume on an already-resumed Suspension is a
// no-op, so an expired token can be resumed harmlessly from any thread.
type Suspension struct {
	mu      sync.Mutex
	resumed bool
	onResume func()
}

func newSuspension(onResume func()) *Suspension {
	return &Suspension{onResume: onResume}
}

// Resume re-enables the default action in the loop. Safe to call from any
// thread, any number of times; only the first call has an effect.
func (s *Suspension) Resume() {
	s.mu.Lock()
	if s.resumed {
		s.mu.Unlock()
		return
	}
	s.resumed = true
	s.mu.Unlock()
	s.onResume()
}

// IsResumed reports whether Resume has already been called.
func (s *Suspension) IsResumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

// pauseFuture is completed when the processor reaches the paused state and
// reset back to pending on resume, ready for the next pause/resume cycle —
// see DESIGN.md for why this follows the spec's Scenario B over its more
// ambiguous §4.3 prose.
type pauseFuture struct {
	mu sync.Mutex
	ch chan struct{}
}

func newPauseFuture() *pauseFuture {
	return &pauseFuture{ch: make(chan struct{})}
}

func (f *pauseFuture) complete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		// already complete
	default:
		close(f.ch)
	}
}

func (f *pauseFuture) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = make(chan struct{})
}

// Done returns a channel that is closed once the future is complete.
func (f *pauseFuture) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}
