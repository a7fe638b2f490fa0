// Package notify delivers trading events to users. Delivery is
// fire-and-forget: Notify never blocks on a sender and never returns an
// error to the trading path that raised the event.
package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trogers1052/surge-autotrader/internal/logging"
)

// EventType names a user-facing trading event
type EventType string

const (
	EntryExecuted     EventType = "entry_executed"
	EntryFailed       EventType = "entry_failed"
	ExitWin           EventType = "exit_win"
	ExitLose          EventType = "exit_lose"
	ExitNeutral       EventType = "exit_neutral"
	QuotaExceeded     EventType = "quota_exceeded"
	BudgetExceeded    EventType = "budget_exceeded"
	NeedsIntervention EventType = "needs_intervention"
)

// Priority returns "high" for events that need a human
func (t EventType) Priority() string {
	if t == NeedsIntervention {
		return "high"
	}
	return "normal"
}

// Event is one notification
type Event struct {
	Type       EventType              `json:"event_type"`
	UserID     int64                  `json:"user_id"`
	Priority   string                 `json:"priority"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Sink is what the trading loops notify through
type Sink interface {
	Notify(ctx context.Context, userID int64, eventType EventType, payload map[string]interface{})
}

// Sender is one delivery channel
type Sender interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Dispatcher queues events and fans them out to every sender from a
// background goroutine. A full queue drops the event and logs it.
type Dispatcher struct {
	senders     []Sender
	queue       chan Event
	sendTimeout time.Duration
	logger      zerolog.Logger
	onDrop      func(Event)

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with a bounded queue
func NewDispatcher(senders []Sender, bufferSize int, logger zerolog.Logger) *Dispatcher {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &Dispatcher{
		senders:     senders,
		queue:       make(chan Event, bufferSize),
		sendTimeout: 5 * time.Second,
		logger:      logging.Component(logger, "notifier"),
		done:        make(chan struct{}),
	}
}

// OnDrop registers a callback for events dropped on a full queue
func (d *Dispatcher) OnDrop(fn func(Event)) {
	d.onDrop = fn
}

// Notify implements Sink
func (d *Dispatcher) Notify(ctx context.Context, userID int64, eventType EventType, payload map[string]interface{}) {
	event := Event{
		Type:       eventType,
		UserID:     userID,
		Priority:   eventType.Priority(),
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}

	select {
	case d.queue <- event:
	default:
		d.logger.Error().
			Str("event", string(eventType)).
			Int64("user_id", userID).
			Msg("notification queue full, dropping event")
		if d.onDrop != nil {
			d.onDrop(event)
		}
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// left in the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case event := <-d.queue:
			d.dispatch(event)
		}
	}
}

// Wait blocks until Run has returned
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.dispatch(event)
		default:
			return
		}
	}
}

// dispatch sends to every sender; one failing sender does not stop the rest
func (d *Dispatcher) dispatch(event Event) {
	for _, s := range d.senders {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := s.Send(ctx, event)
		cancel()
		if err != nil {
			d.logger.Error().Err(err).
				Str("sender", s.Name()).
				Str("event", string(event.Type)).
				Int64("user_id", event.UserID).
				Msg("sender failed")
			continue
		}
		d.logger.Debug().
			Str("sender", s.Name()).
			Str("event", string(event.Type)).
			Msg("notification sent")
	}
}

// LogSender writes every event to the log
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a sender that only logs
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notify-log").Logger()}
}

// Send implements Sender
func (s *LogSender) Send(ctx context.Context, event Event) error {
	e := s.logger.Info()
	if event.Priority == "high" {
		e = s.logger.Warn()
	}
	e.Str("event", string(event.Type)).
		Int64("user_id", event.UserID).
		Interface("payload", event.Payload).
		Msg("notification")
	return nil
}

// Name implements Sender
func (s *LogSender) Name() string { return "log" }

// Publisher is satisfied by the Redis client
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// PubSubSender publishes events on a per-user Redis channel for live UIs
type PubSubSender struct {
	pub    Publisher
	prefix string
}

// NewPubSubSender creates a sender publishing to prefix:<user_id>
func NewPubSubSender(pub Publisher, prefix string) *PubSubSender {
	return &PubSubSender{pub: pub, prefix: prefix}
}

// Send implements Sender
func (s *PubSubSender) Send(ctx context.Context, event Event) error {
	return s.pub.Publish(ctx, s.prefix+":"+strconv.FormatInt(event.UserID, 10), event)
}

// Name implements Sender
func (s *PubSubSender) Name() string { return "redis-pubsub" }
