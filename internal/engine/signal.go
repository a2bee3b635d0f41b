package engine

import "sync"

// Outcome is the discriminated result a completion signal resolves with.
// Succeeded is true for COMPLETED and FORCE_COMPLETED, false for FAILED.
type Outcome struct {
	Succeeded bool
	Result    any
	Err       any
}

// Signal is a per-task one-shot future. It resolves exactly once, when the
// task reaches a terminal state, and notifies every subscriber without
// polling. Subscribers added after resolution fire immediately.
//
// Callbacks always run on their own goroutine, so resolving never blocks the
// caller and a callback is free to acquire other task locks.
type Signal struct {
	mu       sync.Mutex
	resolved bool
	outcome  Outcome
	done     chan struct{}
	subs     []func(Outcome)
}

// NewSignal creates an unresolved signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Subscribe registers a callback invoked once the signal resolves.
func (s *Signal) Subscribe(fn func(Outcome)) {
	s.mu.Lock()
	if s.resolved {
		outcome := s.outcome
		s.mu.Unlock()
		go fn(outcome)
		return
	}
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Resolve sets the outcome and fires all subscribers. Only the first call
// wins; later calls are no-ops and return false.
func (s *Signal) Resolve(outcome Outcome) bool {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return false
	}
	s.resolved = true
	s.outcome = outcome
	subs := s.subs
	s.subs = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range subs {
		go fn(outcome)
	}
	return true
}

// Done returns a channel closed when the signal resolves.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the resolution value, if resolved.
func (s *Signal) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.resolved
}
