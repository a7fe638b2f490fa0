package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/surge-autotrader/internal/notify"
)

// messageWriter is the subset of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes notification events to Kafka
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates an async producer. Delivery errors are reported via
// the completion callback and logged; they never reach the caller.
func NewProducer(brokers []string, topic string, logger zerolog.Logger) *Producer {
	log := logger.With().Str("component", "kafka-producer").Logger()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(messages)).Msg("failed to deliver notifications")
			}
		},
	}
	return &Producer{writer: writer, topic: topic}
}

// Send implements notify.Sender. Events are keyed by user so one user's
// notifications stay ordered within a partition.
func (p *Producer) Send(ctx context.Context, event notify.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.UserID, 10)),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "priority", Value: []byte(event.Priority)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification to %s: %w", p.topic, err)
	}
	return nil
}

// Name implements notify.Sender
func (p *Producer) Name() string { return "kafka" }

// Close flushes and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}

var _ notify.Sender = (*Producer)(nil)
