// Package notify carries change wakeups between collector components
// without coupling the producer to its consumers.
package notify

import "sync"

// Signal broadcasts a wakeup to every current waiter. A producer calls
// Notify after changing shared state; consumers receive on the channel
// from Wait and call Wait again to arm the next round. Notifications
// coalesce: a waiter that missed several still wakes exactly once, and
// a notification with no waiters is dropped.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns an armed Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes every goroutine currently waiting.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Wait returns a channel closed by the next Notify.
func (s *Signal) Wait() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}
