// Package events is the boundary to the remote telemetry collector. Sinks are
// best-effort: delivery failures are logged and never reach the caller.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

const (
	ComponentSession  = "payment_session"
	ComponentRegistry = "payment_registry"
	ComponentGuard    = "order_guard"
	ComponentService  = "pos_service"
)

type Event struct {
	Component string         `json:"component"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"timestamp"`

	// StateChange is set for session transitions.
	StateChange *models.StateChange `json:"state_change,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Transition builds the event published for a session state change.
func Transition(c models.StateChange) Event {
	sev := SeverityInfo
	if c.To.Retryable() {
		sev = SeverityWarning
	}
	return Event{
		Component:   ComponentSession,
		Severity:    sev,
		Message:     "payment session " + string(c.From) + " -> " + string(c.To),
		Time:        c.Timestamp,
		StateChange: &c,
	}
}

// LogSink writes events to the process logger.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("component", e.Component),
		zap.String("severity", string(e.Severity)),
	}
	if c := e.StateChange; c != nil {
		fields = append(fields,
			zap.String("session_id", c.SessionID),
			zap.String("line_id", c.LineID),
			zap.String("method_id", c.MethodID),
			zap.String("from_state", string(c.From)),
			zap.String("to_state", string(c.To)),
		)
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}

	switch e.Severity {
	case SeverityError:
		telemetry.Logger.Error(e.Message, fields...)
	case SeverityWarning:
		telemetry.Logger.Warn(e.Message, fields...)
	default:
		telemetry.Logger.Info(e.Message, fields...)
	}
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// StateChanges returns the recorded transitions in order.
func (r *Recorder) StateChanges() []models.StateChange {
	var out []models.StateChange
	for _, e := range r.Events() {
		if e.StateChange != nil {
			out = append(out, *e.StateChange)
		}
	}
	return out
}
