package livestate

import "sync"

// Subscription is one listener on a handle's stream.
type Subscription struct {
	hub       *Hub
	p         *poller
	handle    string
	stopAfter func() bool

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Handle returns the subscribed handle.
func (s *Subscription) Handle() string { return s.handle }

// Events delivers state and error events. It holds at most one pending
// event; a newer one replaces it. The channel is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the listener. Once Close returns no further event is
// delivered. The handle's poller stops when its last listener closes.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	stop := s.stopAfter
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.hub.remove(s)
}

// offer delivers ev without blocking, replacing a pending event.
func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}
