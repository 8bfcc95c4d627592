// Package registry maps payment methods to their terminal and keeps at most
// one payment session per method.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/events"
	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/pos"
	"github.com/akylbek/payment-system/pos-terminal/internal/session"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
)

var (
	ErrUnknownMethod  = errors.New("payment method not registered")
	ErrMethodMismatch = errors.New("payment line belongs to another payment method")
)

type Options struct {
	Locker          Locker
	Sink            events.Sink
	Notifier        models.Notifier
	ResponseTimeout time.Duration
}

type entry struct {
	// gate serializes BeginPayment for the method, so a new channel is only
	// opened once the previous one is closed. It is held across the open.
	gate sync.Mutex

	// mu guards the fields below and is never held while talking to the
	// terminal.
	mu      sync.Mutex
	method  models.PaymentMethod
	opener  terminal.Opener
	current *session.Session
}

func (e *entry) snapshot() (models.PaymentMethod, terminal.Opener, *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.method, e.opener, e.current
}

// clear drops s as the current session unless a newer one replaced it.
func (e *entry) clear(s *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == s {
		e.current = nil
	}
}

type Registry struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(opts Options) *Registry {
	if opts.Locker == nil {
		opts.Locker = LocalLocker{}
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	return &Registry{opts: opts, entries: make(map[string]*entry)}
}

// Register adds a payment method and the factory for its terminal channel.
// Re-registering a method with an active session is refused.
func (r *Registry) Register(method models.PaymentMethod, opener terminal.Opener) error {
	if method.ID == "" {
		return errors.New("payment method has no id")
	}
	if opener == nil {
		return fmt.Errorf("payment method %s: no terminal opener", method.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[method.ID]
	if !ok {
		r.entries[method.ID] = &entry{method: method, opener: opener}
		return nil
	}

	// the entry is updated in place so an in-flight BeginPayment keeps
	// serializing with later ones
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.current; c != nil {
		if st := c.State(); !st.IsTerminal() && st != models.StatePending {
			return fmt.Errorf("payment method %s has an active session", method.ID)
		}
	}
	e.method, e.opener = method, opener
	return nil
}

func (r *Registry) entry(methodID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[methodID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, methodID)
	}
	return e, nil
}

func (r *Registry) Method(methodID string) (models.PaymentMethod, bool) {
	e, err := r.entry(methodID)
	if err != nil {
		return models.PaymentMethod{}, false
	}
	m, _, _ := e.snapshot()
	return m, true
}

// Methods returns the registered methods ordered by id.
func (r *Registry) Methods() []models.PaymentMethod {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.PaymentMethod, 0, len(entries))
	for _, e := range entries {
		m, _, _ := e.snapshot()
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BeginPayment starts a new session for line on methodID. Any previous session
// for the method is reset and its channel fully closed before the new one is
// opened. Status and Reset stay available while the channel opens; a Reset in
// that window aborts the attempt and Start reports session.ErrRetired. The
// session is returned even when starting it failed; the error then matches the
// terminal state it reached.
func (r *Registry) BeginPayment(ctx context.Context, methodID, orderRef string, line *pos.PaymentLine) (*session.Session, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "registry.BeginPayment")
	defer span.End()
	span.SetAttributes(telemetry.AttrMethodID.String(methodID))

	e, err := r.entry(methodID)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, errors.New("begin payment: no payment line")
	}
	if line.MethodID() != methodID {
		return nil, fmt.Errorf("%w: line %s uses %s", ErrMethodMismatch, line.ID(), line.MethodID())
	}

	e.gate.Lock()
	defer e.gate.Unlock()

	method, opener, prev := e.snapshot()
	if prev != nil {
		if err := prev.Reset(ctx); err != nil {
			return nil, fmt.Errorf("release previous session %s: %w", prev.ID(), err)
		}
		e.clear(prev)
		r.emit(ctx, "previous payment session released", prev, nil)
	}

	unlock, err := r.opts.Locker.Lock(ctx, methodID)
	if err != nil {
		return nil, err
	}

	s := session.New(session.Config{
		Method:          method,
		Opener:          opener,
		Line:            line,
		OrderRef:        orderRef,
		Sink:            r.opts.Sink,
		Notifier:        r.opts.Notifier,
		ResponseTimeout: r.opts.ResponseTimeout,
	})
	e.mu.Lock()
	e.current = s
	e.mu.Unlock()
	go func() {
		<-s.Done()
		unlock()
	}()

	telemetry.Logger.Info("Beginning terminal payment",
		zap.String("method_id", methodID),
		zap.String("session_id", s.ID()),
		zap.String("line_id", line.ID()),
		zap.String("order_id", orderRef),
	)
	r.emit(ctx, "payment session created", s, nil)

	if err := s.Start(ctx); err != nil {
		span.RecordError(err)
		return s, err
	}
	return s, nil
}

// Reset releases the session of methodID, if any, and waits for its channel
// to close. A session still connecting is aborted. Other methods' sessions and
// lines are untouched.
func (r *Registry) Reset(ctx context.Context, methodID string) error {
	e, err := r.entry(methodID)
	if err != nil {
		return err
	}

	_, _, prev := e.snapshot()
	if prev == nil {
		return nil
	}
	if err := prev.Reset(ctx); err != nil {
		return fmt.Errorf("reset session %s: %w", prev.ID(), err)
	}
	e.clear(prev)
	r.emit(ctx, "payment session reset", prev, nil)
	return nil
}

// ResetAll resets every method, e.g. when a new order is created.
func (r *Registry) ResetAll(ctx context.Context) error {
	var errs []error
	for _, m := range r.Methods() {
		if err := r.Reset(ctx, m.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status describes the current session of a method for the UI.
type Status struct {
	MethodID  string              `json:"method_id"`
	SessionID string              `json:"session_id,omitempty"`
	LineID    string              `json:"line_id,omitempty"`
	State     models.SessionState `json:"state"`
	Active    bool                `json:"active"`
	Retryable bool                `json:"retryable"`
	Reason    string              `json:"reason,omitempty"`
}

func (r *Registry) Status(methodID string) (Status, error) {
	e, err := r.entry(methodID)
	if err != nil {
		return Status{}, err
	}
	_, _, s := e.snapshot()

	st := Status{MethodID: methodID, State: models.StatePending}
	if s == nil {
		return st, nil
	}
	o := s.Outcome()
	st.SessionID = o.SessionID
	st.LineID = o.LineID
	st.State = o.State
	st.Active = o.State == models.StateConnecting || o.State == models.StateWaiting
	st.Retryable = o.Retryable
	st.Reason = o.Reason
	return st, nil
}

// Session returns the current session of methodID.
func (r *Registry) Session(methodID string) (*session.Session, bool) {
	e, err := r.entry(methodID)
	if err != nil {
		return nil, false
	}
	_, _, s := e.snapshot()
	return s, s != nil
}

func (r *Registry) emit(ctx context.Context, msg string, s *session.Session, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = s.ID()
	data["method_id"] = s.MethodID()
	data["state"] = string(s.State())
	r.opts.Sink.Emit(ctx, events.Event{
		Component: events.ComponentRegistry,
		Severity:  events.SeverityInfo,
		Message:   msg,
		Data:      data,
		Time:      time.Now().UTC(),
	})
}
