package memory

import (
	"context"
	"sync"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

// EventSink keeps published events in memory. All operations are thread-safe.
type EventSink struct {
	mu        sync.RWMutex
	events    []outbound.Event
	closed    bool
	onPublish func(outbound.Event)
}

// NewEventSink creates an empty sink.
func NewEventSink() *EventSink {
	return &EventSink{}
}

// Publish stores the event. Events published after Close are dropped.
func (s *EventSink) Publish(ctx context.Context, event outbound.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events = append(s.events, event)
	if s.onPublish != nil {
		s.onPublish(event)
	}
	return nil
}

// Close marks the sink as closed.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetOnPublish registers a callback run for every stored event.
func (s *EventSink) SetOnPublish(fn func(outbound.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = fn
}

// Events returns a copy of every stored event.
func (s *EventSink) Events() []outbound.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outbound.Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsByType filters stored events.
func (s *EventSink) EventsByType(eventType outbound.EventType) []outbound.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbound.Event
	for _, e := range s.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}
