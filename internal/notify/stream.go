package notify

import (
	"log"
	"sync"

	"introbroker/internal/rbac"
)

// Stream is one viewer's filtered view of the bus.
type Stream struct {
	viewer rbac.Viewer
	events chan Event
	cancel func()

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Open subscribes viewer to bus. Events the viewer may not observe are
// discarded in the handler; the rest are queued without blocking the
// publisher. buffer bounds the queue.
func Open(bus *Bus, viewer rbac.Viewer, buffer int) *Stream {
	if buffer <= 0 {
		buffer = 32
	}
	s := &Stream{viewer: viewer, events: make(chan Event, buffer)}
	s.cancel = bus.Subscribe(viewer.UserID, s.handle)
	return s
}

func (s *Stream) handle(event Event) {
	if !rbac.CanObserve(s.viewer, event.FromUserID()) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped++
		log.Printf("push stream full user=%s type=%s connection=%s dropped=%d", s.viewer.UserID, event.Type, event.ConnectionID, s.dropped)
	}
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close unregisters from the bus before returning.
func (s *Stream) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
