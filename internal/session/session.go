// Package session runs one payment attempt against a terminal: it owns the
// channel for the attempt, maps terminal frames onto session states and
// mirrors the outcome on the payment line it was started for.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/events"
	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/pos"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
)

var (
	ErrAlreadyStarted = errors.New("payment session already started")
	ErrRetired        = errors.New("payment session was reset")
)

type Config struct {
	Method models.PaymentMethod
	Opener terminal.Opener
	Line   *pos.PaymentLine
	// OrderRef is sent to the terminal as the ECR number.
	OrderRef string

	Sink     events.Sink
	Notifier models.Notifier

	// ResponseTimeout fails a WAITING session with no outcome. Zero disables it.
	ResponseTimeout time.Duration
}

type Session struct {
	id  string
	cfg Config
	log *zap.Logger

	// emitMu keeps events in transition order without holding mu.
	emitMu sync.Mutex

	mu      sync.Mutex
	state   models.SessionState
	reason  string
	txn     *models.TransactionRecord
	started bool
	retired bool
	opening bool
	// cancelOpen aborts a channel open still in progress.
	cancelOpen context.CancelFunc
	ch         terminal.Channel
	timer   *time.Timer
	changes []models.StateChange
	notices []models.Notice

	released    chan struct{}
	releaseOnce sync.Once
}

func New(cfg Config) *Session {
	if cfg.Sink == nil {
		cfg.Sink = events.Nop{}
	}
	id := uuid.NewString()
	lineID := ""
	if cfg.Line != nil {
		lineID = cfg.Line.ID()
	}
	return &Session{
		id:  id,
		cfg: cfg,
		log: telemetry.Logger.With(
			zap.String("session_id", id),
			zap.String("method_id", cfg.Method.ID),
			zap.String("line_id", lineID),
		),
		state:    models.StatePending,
		released: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) MethodID() string { return s.cfg.Method.ID }

func (s *Session) Line() *pos.PaymentLine { return s.cfg.Line }

func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start binds the line and runs the attempt up to WAITING. Failures move the
// session to a terminal state and are also returned.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := telemetry.Tracer.Start(ctx, "session.Start")
	defer span.End()
	span.SetAttributes(
		telemetry.AttrSessionID.String(s.id),
		telemetry.AttrMethodID.String(s.cfg.Method.ID),
	)

	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return ErrRetired
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true

	if s.cfg.Line == nil {
		s.retired = true
		s.mu.Unlock()
		s.markReleased()
		return errors.New("payment session has no payment line")
	}
	if err := s.cfg.Line.Bind(s.id); err != nil {
		s.retired = true
		s.mu.Unlock()
		s.markReleased()
		return err
	}

	if err := s.cfg.Method.Validate(); err != nil {
		s.finishLocked(models.StateConfigError, err.Error(), nil)
		s.mu.Unlock()
		s.flush(ctx)
		return err
	}

	s.transitionLocked(models.StateConnecting, "")
	s.mirrorLocked(pos.LineUpdate{Status: models.LineWaiting})
	s.opening = true
	openCtx, cancelOpen := context.WithCancel(ctx)
	s.cancelOpen = cancelOpen
	s.mu.Unlock()
	s.flush(ctx)

	ch, err := s.cfg.Opener.Open(openCtx, s.cfg.Method)

	s.mu.Lock()
	s.opening = false
	s.cancelOpen = nil
	cancelOpen()
	if s.retired {
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close(context.Background())
		}
		s.markReleased()
		return ErrRetired
	}
	if err != nil {
		s.finishLocked(models.StateCommError, ReasonCommFailed, nil)
		s.mu.Unlock()
		s.flush(ctx)
		span.RecordError(err)
		return err
	}

	s.ch = ch
	telemetry.ActiveSessions.WithLabelValues(s.cfg.Method.ID).Inc()
	ch.OnFrame(s.id, s.handle)
	s.transitionLocked(models.StateWaiting, "")
	s.mu.Unlock()
	s.flush(ctx)

	purchase := terminal.NewPurchaseFrame(s.cfg.Line.Amount(), s.cfg.OrderRef, s.cfg.Method)
	if err := ch.Send(ctx, purchase); err != nil {
		s.mu.Lock()
		retired := s.retired
		if s.ch == ch && s.state == models.StateWaiting {
			s.finishLocked(models.StateCommError, ReasonCommFailed, nil)
		}
		s.mu.Unlock()
		s.flush(ctx)
		if retired {
			return ErrRetired
		}
		span.RecordError(err)
		return fmt.Errorf("send purchase: %w", err)
	}

	s.log.Info("Purchase sent to terminal", zap.String("amount", purchase.Amount))
	s.armTimeout()
	return nil
}

func (s *Session) armTimeout() {
	if s.cfg.ResponseTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateWaiting {
		return
	}
	s.timer = time.AfterFunc(s.cfg.ResponseTimeout, func() {
		s.mu.Lock()
		if s.state == models.StateWaiting && s.ch != nil {
			s.finishLocked(models.StateCommError, ReasonNoResponse, nil)
		}
		s.mu.Unlock()
		s.flush(context.Background())
	})
}

// handle is the channel handler for this session.
func (s *Session) handle(in terminal.Inbound) {
	s.mu.Lock()
	if in.SessionID != s.id || s.ch == nil || s.state != models.StateWaiting {
		s.mu.Unlock()
		telemetry.DiscardedFrames.Inc()
		s.log.Debug("Discarding terminal frame",
			zap.String("owner", in.SessionID),
			zap.String("event", in.Frame.Event),
		)
		return
	}

	v := classify(in)
	if v.ignore {
		s.mu.Unlock()
		s.log.Debug("Ignoring terminal frame",
			zap.String("event", in.Frame.Event),
			zap.String("terminal_status", in.Frame.TerminalStatus),
			zap.String("terminal_action", in.Frame.TerminalAction),
		)
		return
	}
	if in.Err != nil {
		s.log.Warn("Terminal channel error", zap.Error(in.Err))
	}
	s.finishLocked(v.state, v.reason, v.txn)
	s.mu.Unlock()
	s.flush(context.Background())
}

func (s *Session) transitionLocked(to models.SessionState, reason string) {
	from := s.state
	s.state = to
	s.reason = reason
	s.changes = append(s.changes, models.StateChange{
		SessionID: s.id,
		MethodID:  s.cfg.Method.ID,
		OrderID:   s.cfg.OrderRef,
		LineID:    s.lineID(),
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	telemetry.SessionTransitions.WithLabelValues(s.cfg.Method.ID, string(to)).Inc()
	s.log.Info("Payment session transition",
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
		zap.String("reason", reason),
	)
}

// finishLocked moves to a terminal state and releases the channel.
func (s *Session) finishLocked(to models.SessionState, reason string, txn *models.TransactionRecord) {
	s.transitionLocked(to, reason)
	s.txn = txn
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.mirrorLocked(pos.LineUpdate{Status: to.LineStatus(), Reason: reason, Transaction: txn})
	if to != models.StateApproved {
		title := noticeTitlePayment
		if to == models.StateConfigError {
			title = noticeTitleConfig
		}
		s.notices = append(s.notices, models.Notice{
			Severity:  models.NoticeError,
			Title:     title,
			Body:      reason,
			OrderID:   s.cfg.OrderRef,
			LineID:    s.lineID(),
			CreatedAt: time.Now().UTC(),
		})
	}
	s.detachLocked()
}

func (s *Session) mirrorLocked(u pos.LineUpdate) {
	if err := s.cfg.Line.Apply(s.id, u); err != nil {
		s.log.Warn("Payment line not updated", zap.String("status", string(u.Status)), zap.Error(err))
	}
}

// detachLocked hands the channel to a background close. released fires once
// the close has finished.
func (s *Session) detachLocked() {
	ch := s.ch
	s.ch = nil
	if ch == nil {
		if !s.opening {
			s.markReleased()
		}
		return
	}
	ch.OnFrame("", nil)
	go func() {
		if err := ch.Close(context.Background()); err != nil {
			s.log.Warn("Terminal channel close", zap.Error(err))
		}
		telemetry.ActiveSessions.WithLabelValues(s.cfg.Method.ID).Dec()
		s.markReleased()
	}()
}

func (s *Session) markReleased() {
	s.releaseOnce.Do(func() { close(s.released) })
}

func (s *Session) flush(ctx context.Context) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	changes, notices := s.changes, s.notices
	s.changes, s.notices = nil, nil
	s.mu.Unlock()

	for _, c := range changes {
		s.cfg.Sink.Emit(ctx, events.Transition(c))
	}
	if s.cfg.Notifier != nil {
		for _, n := range notices {
			s.cfg.Notifier.Notify(n)
		}
	}
}

func (s *Session) lineID() string {
	if s.cfg.Line == nil {
		return ""
	}
	return s.cfg.Line.ID()
}

// Done is closed once the session is over and holds no channel.
func (s *Session) Done() <-chan struct{} { return s.released }

// Wait blocks until the session is over and its channel released.
func (s *Session) Wait(ctx context.Context) (models.Outcome, error) {
	select {
	case <-s.released:
		return s.Outcome(), nil
	case <-ctx.Done():
		return s.Outcome(), ctx.Err()
	}
}

func (s *Session) Outcome() models.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := models.Outcome{
		SessionID:  s.id,
		LineID:     s.lineID(),
		State:      s.state,
		LineStatus: s.state.LineStatus(),
		Retryable:  s.state.Retryable(),
		Reason:     s.reason,
	}
	if s.txn != nil {
		rec := *s.txn
		o.Transaction = &rec
	}
	return o
}

// Reset retires the session and waits for its channel to be closed. An
// approved session keeps its state. A channel still being opened is aborted
// and closed as soon as the open returns; its line is marked for retry
// straight away. A session reset before Start still claims its line so the
// attempt reads as reset rather than never made.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.retired = true
	switch {
	case !s.started:
		s.started = true
		if s.cfg.Line != nil && s.cfg.Line.Bind(s.id) == nil {
			s.mirrorLocked(pos.LineUpdate{Status: models.LineRetryNeeded, Reason: ReasonReset})
		}
		s.markReleased()
	case s.state == models.StateApproved:
	case s.state.IsTerminal():
		s.transitionLocked(models.StatePending, "")
		s.txn = nil
	case s.state == models.StateConnecting || s.state == models.StateWaiting:
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.cancelOpen != nil {
			s.cancelOpen()
		}
		s.transitionLocked(models.StatePending, ReasonReset)
		s.mirrorLocked(pos.LineUpdate{Status: models.LineRetryNeeded, Reason: ReasonReset})
		s.detachLocked()
	default:
		s.detachLocked()
	}
	s.mu.Unlock()
	s.flush(ctx)

	select {
	case <-s.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestCancel only advises the cashier; the terminal owns cancellation.
func (s *Session) RequestCancel() string {
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(models.Notice{
			Severity:  models.NoticeInfo,
			Title:     noticeTitleCancel,
			Body:      CancelAdvice,
			OrderID:   s.cfg.OrderRef,
			LineID:    s.lineID(),
			CreatedAt: time.Now().UTC(),
		})
	}
	return CancelAdvice
}
