package testkit

import (
	"context"
	"sync"

	"github.com/trogers1052/surge-autotrader/internal/notify"
)

// Sink records notifications instead of delivering them
type Sink struct {
	mu     sync.Mutex
	events []notify.Event
}

var _ notify.Sink = (*Sink)(nil)

// Notify implements notify.Sink
func (s *Sink) Notify(ctx context.Context, userID int64, eventType notify.EventType, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, notify.Event{
		Type:     eventType,
		UserID:   userID,
		Priority: eventType.Priority(),
		Payload:  payload,
	})
}

// Events returns everything recorded so far
func (s *Sink) Events() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

// Count returns how many events of type t were recorded
func (s *Sink) Count(t notify.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
