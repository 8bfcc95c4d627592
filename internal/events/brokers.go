package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

const (
	TopicTerminalEvents = "pos.terminal.events"
	TopicStateChanged   = "payment.state.changed"

	SubjectPrefix = "pos.telemetry."
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes every event on TopicTerminalEvents and state changes on
// TopicStateChanged. The writer must not have a fixed Topic.
type KafkaSink struct {
	Writer MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{Writer: w}
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		telemetry.Logger.Error("Error marshaling event", zap.Error(err))
		return
	}

	msgs := []kafka.Message{{Topic: TopicTerminalEvents, Key: []byte(e.Component), Value: value}}
	if c := e.StateChange; c != nil {
		change, err := json.Marshal(c)
		if err != nil {
			telemetry.Logger.Error("Error marshaling state change", zap.Error(err))
			return
		}
		msgs[0].Key = []byte(c.SessionID)
		msgs = append(msgs, kafka.Message{Topic: TopicStateChanged, Key: []byte(c.SessionID), Value: change})
	}

	if err := s.Writer.WriteMessages(ctx, msgs...); err != nil {
		telemetry.Logger.Warn("Failed to publish event to Kafka",
			zap.String("component", e.Component),
			zap.Error(err),
		)
	}
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes events on pos.telemetry.<component>.
type NATSSink struct {
	Conn Publisher
}

func NewNATSSink(p Publisher) *NATSSink {
	return &NATSSink{Conn: p}
}

func Subject(component string) string {
	if component == "" {
		component = "unknown"
	}
	return SubjectPrefix + strings.ReplaceAll(component, " ", "_")
}

func (s *NATSSink) Emit(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		telemetry.Logger.Error("Error marshaling event", zap.Error(err))
		return
	}
	if err := s.Conn.Publish(Subject(e.Component), data); err != nil {
		telemetry.Logger.Warn("Failed to publish event to NATS",
			zap.String("component", e.Component),
			zap.Error(err),
		)
	}
}
