package dispatch

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/roomlink/protocol"
)

// Sink delivers events to a buffered channel.
type Sink struct {
	name   string
	events chan protocol.Event
	mu     sync.Mutex
	closed bool
}

// NewSink creates a Sink. A non-positive bufferSize defaults to 64.
//
// Postcondition: Returns a Sink with an open events channel.
func NewSink(name string, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Sink{name: name, events: make(chan protocol.Event, bufferSize)}
}

// Push enqueues ev without blocking.
//
// Postcondition: ev is enqueued, or an error is returned if the sink is closed or full.
func (s *Sink) Push(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink %s is closed", s.name)
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return fmt.Errorf("sink %s event buffer full", s.name)
	}
}

// Events returns the read-only events channel.
func (s *Sink) Events() <-chan protocol.Event {
	return s.events
}

// Close closes the events channel. Safe to call multiple times.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// IsClosed reports whether the sink has been closed.
func (s *Sink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
