package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/events"
	"github.com/akylbek/payment-system/pos-terminal/internal/guard"
	"github.com/akylbek/payment-system/pos-terminal/internal/interfaces"
	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/pos"
	"github.com/akylbek/payment-system/pos-terminal/internal/registry"
	"github.com/akylbek/payment-system/pos-terminal/internal/session"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

var (
	ErrPaymentInProgress = errors.New("payment line is already being processed on the terminal")
	ErrInvalidAmount     = errors.New("payment amount must be positive")
	ErrNoCurrentOrder    = errors.New("no current order")
)

// DeniedError is returned when the order guard refuses an action.
type DeniedError struct {
	Decision guard.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Decision.Title, e.Decision.Reason)
}

// Orchestrator is the entry point of the UI layer: it owns the open orders and
// routes payments through the registry, consulting the guard first.
type Orchestrator struct {
	book     *pos.Book
	registry *registry.Registry
	repo     interfaces.PaymentLineRepository
	sink     events.Sink
	notices  *NoticeQueue

	trackers sync.WaitGroup
}

// NewOrchestrator wires the service. repo may be nil when lines are not persisted.
func NewOrchestrator(
	book *pos.Book,
	reg *registry.Registry,
	repo interfaces.PaymentLineRepository,
	sink events.Sink,
	notices *NoticeQueue,
) *Orchestrator {
	if sink == nil {
		sink = events.Nop{}
	}
	if notices == nil {
		notices = NewNoticeQueue(0)
	}
	return &Orchestrator{
		book:     book,
		registry: reg,
		repo:     repo,
		sink:     sink,
		notices:  notices,
	}
}

// check runs the guard for orderID (the current order when empty).
func (o *Orchestrator) check(ctx context.Context, orderID string, req guard.Request) guard.Decision {
	snap := o.book.Snapshot()
	if orderID != "" {
		snap.CurrentOrderID = orderID
	}
	d := guard.IsActionAllowed(snap, req)
	if d.Allowed {
		return d
	}

	telemetry.GuardDenials.WithLabelValues(string(d.Action)).Inc()
	telemetry.Logger.Info("UI action denied",
		zap.String("action", string(d.Action)),
		zap.String("scope", string(d.Scope)),
		zap.String("order_id", d.OrderID),
		zap.String("line_id", d.LineID),
		zap.String("reason", d.Reason),
	)
	o.sink.Emit(ctx, events.Event{
		Component: events.ComponentGuard,
		Severity:  events.SeverityWarning,
		Message:   "action denied: " + string(d.Action),
		Data: map[string]any{
			"action":   string(d.Action),
			"order_id": d.OrderID,
			"line_id":  d.LineID,
			"reason":   d.Reason,
		},
		Time: time.Now().UTC(),
	})
	return d
}

func (o *Orchestrator) authorize(ctx context.Context, orderID string, req guard.Request) error {
	if d := o.check(ctx, orderID, req); !d.Allowed {
		return &DeniedError{Decision: d}
	}
	return nil
}

// Check evaluates a UI action without performing it.
func (o *Orchestrator) Check(ctx context.Context, orderID string, req guard.Request) guard.Decision {
	return o.check(ctx, orderID, req)
}

// CreateOrder opens a new order once no open order has a payment in flight.
// Idle sessions of every method are reset first.
func (o *Orchestrator) CreateOrder(ctx context.Context) (pos.OrderSnapshot, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "service.CreateOrder")
	defer span.End()

	if err := o.authorize(ctx, "", guard.Request{Action: guard.CreateNewOrder}); err != nil {
		return pos.OrderSnapshot{}, err
	}
	if err := o.registry.ResetAll(ctx); err != nil {
		return pos.OrderSnapshot{}, fmt.Errorf("reset payment sessions: %w", err)
	}

	order := o.book.NewOrder()
	telemetry.Logger.Info("Order created", zap.String("order_id", order.ID), zap.String("name", order.Name))
	return order.Snapshot(), nil
}

// SelectOrder switches the current order, which goes through the order list.
func (o *Orchestrator) SelectOrder(ctx context.Context, orderID string) error {
	if err := o.authorize(ctx, "", guard.Request{Action: guard.OpenOrderList}); err != nil {
		return err
	}
	return o.book.Select(orderID)
}

func (o *Orchestrator) Orders() []pos.OrderSnapshot {
	orders := o.book.Orders()
	out := make([]pos.OrderSnapshot, 0, len(orders))
	for _, order := range orders {
		out = append(out, order.Snapshot())
	}
	return out
}

func (o *Orchestrator) Order(orderID string) (pos.OrderSnapshot, error) {
	order, err := o.order(orderID)
	if err != nil {
		return pos.OrderSnapshot{}, err
	}
	return order.Snapshot(), nil
}

func (o *Orchestrator) order(orderID string) (*pos.Order, error) {
	if orderID == "" {
		order, ok := o.book.Current()
		if !ok {
			return nil, ErrNoCurrentOrder
		}
		return order, nil
	}
	return o.book.Get(orderID)
}

// AddPaymentLine attaches a new pending line. It never inherits anything from
// earlier lines or sessions.
func (o *Orchestrator) AddPaymentLine(ctx context.Context, orderID, methodID string, amount decimal.Decimal) (pos.LineSnapshot, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "service.AddPaymentLine")
	defer span.End()

	if !amount.IsPositive() {
		return pos.LineSnapshot{}, ErrInvalidAmount
	}
	method, ok := o.registry.Method(methodID)
	if !ok {
		return pos.LineSnapshot{}, fmt.Errorf("%w: %s", registry.ErrUnknownMethod, methodID)
	}
	order, err := o.order(orderID)
	if err != nil {
		return pos.LineSnapshot{}, err
	}

	line, err := order.AddLine(method, amount)
	if err != nil {
		return pos.LineSnapshot{}, err
	}
	snap := line.Snapshot()

	if o.repo != nil {
		err := o.repo.InsertLine(ctx, models.PaymentLineInfo{
			LineID:   snap.ID,
			OrderID:  snap.OrderID,
			MethodID: snap.MethodID,
			Amount:   snap.Amount.StringFixed(2),
			Status:   snap.Status,
		})
		if err != nil {
			_, _ = order.RemoveLine(snap.ID)
			return pos.LineSnapshot{}, fmt.Errorf("persist payment line: %w", err)
		}
	}

	telemetry.Logger.Info("Payment line added",
		zap.String("order_id", snap.OrderID),
		zap.String("line_id", snap.ID),
		zap.String("method_id", snap.MethodID),
		zap.String("amount", snap.Amount.StringFixed(2)),
	)
	return snap, nil
}

// RemovePaymentLine deletes a line unless it is being processed.
func (o *Orchestrator) RemovePaymentLine(ctx context.Context, orderID, lineID string) error {
	order, err := o.order(orderID)
	if err != nil {
		return err
	}
	line, err := order.Line(lineID)
	if err != nil {
		return err
	}
	if err := o.authorize(ctx, order.ID, guard.Request{Action: guard.DeletePaymentLine, LineID: lineID}); err != nil {
		return err
	}

	if s, ok := o.registry.Session(line.MethodID()); ok && s.Line() == line {
		if err := o.registry.Reset(ctx, line.MethodID()); err != nil {
			return err
		}
	}
	if _, err := order.RemoveLine(lineID); err != nil {
		return err
	}
	if o.repo != nil {
		if err := o.repo.DeleteLine(ctx, lineID); err != nil {
			telemetry.Logger.Error("Failed to delete payment line", zap.String("line_id", lineID), zap.Error(err))
		}
	}
	telemetry.Logger.Info("Payment line removed", zap.String("order_id", order.ID), zap.String("line_id", lineID))
	return nil
}

// StartPayment begins a terminal attempt for the line. The returned outcome is
// the state right after the request was sent; the final outcome is mirrored on
// the line and persisted when the terminal answers.
func (o *Orchestrator) StartPayment(ctx context.Context, orderID, lineID string) (models.Outcome, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "service.StartPayment")
	defer span.End()

	order, err := o.order(orderID)
	if err != nil {
		return models.Outcome{}, err
	}
	line, err := order.Line(lineID)
	if err != nil {
		return models.Outcome{}, err
	}
	span.SetAttributes(
		telemetry.AttrOrderID.String(orderID),
		telemetry.AttrLineID.String(lineID),
		telemetry.AttrMethodID.String(line.MethodID()),
	)

	prev := line.Status()
	switch prev {
	case models.LineWaiting:
		return models.Outcome{}, ErrPaymentInProgress
	case models.LineApproved:
		return models.Outcome{}, pos.ErrLineFinal
	}

	s, err := o.registry.BeginPayment(ctx, line.MethodID(), order.ID, line)
	if s == nil {
		return models.Outcome{}, err
	}

	if o.repo != nil {
		// the previous attempt's outcome may not be stored yet
		rows, perr := o.repo.TransitionStatus(ctx, lineID, s.ID(), models.LineWaiting,
			models.LinePending, models.LineRetryNeeded, models.LineWaiting)
		if perr != nil {
			telemetry.Logger.Error("Failed to persist payment start", zap.String("line_id", lineID), zap.Error(perr))
		} else if rows == 0 {
			telemetry.Logger.Warn("Invalid payment line transition",
				zap.String("line_id", lineID),
				zap.String("from_status", string(prev)),
				zap.String("to_status", string(models.LineWaiting)),
			)
		}
	}

	o.trackers.Add(1)
	go o.track(s)

	return s.Outcome(), err
}

// track persists the final outcome of s once its channel is released.
func (o *Orchestrator) track(s *session.Session) {
	defer o.trackers.Done()
	<-s.Done()

	out := s.Outcome()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sev := events.SeverityInfo
	if out.Retryable {
		sev = events.SeverityWarning
	}
	o.sink.Emit(ctx, events.Event{
		Component: events.ComponentService,
		Severity:  sev,
		Message:   "payment attempt finished",
		Data: map[string]any{
			"session_id":  out.SessionID,
			"line_id":     out.LineID,
			"state":       string(out.State),
			"line_status": string(out.LineStatus),
			"reason":      out.Reason,
		},
		Time: time.Now().UTC(),
	})

	if o.repo == nil {
		return
	}

	var (
		rows int64
		err  error
	)
	switch {
	case out.State == models.StateApproved && out.Transaction != nil:
		rows, err = o.repo.SaveApproval(ctx, out.LineID, out.SessionID, *out.Transaction)
	case out.Retryable:
		rows, err = o.repo.MarkRetry(ctx, out.LineID, out.SessionID, out.Reason)
	default:
		// reset before an outcome: the line status was already mirrored as retry
		rows, err = o.repo.MarkRetry(ctx, out.LineID, out.SessionID, session.ReasonReset)
	}
	if err != nil {
		telemetry.Logger.Error("Failed to persist payment outcome",
			zap.String("session_id", out.SessionID),
			zap.String("line_id", out.LineID),
			zap.Error(err),
		)
		return
	}
	if rows == 0 {
		telemetry.Logger.Warn("Payment outcome not persisted, line moved on",
			zap.String("session_id", out.SessionID),
			zap.String("line_id", out.LineID),
		)
	}
}

// CancelPayment only advises the cashier to cancel on the terminal.
func (o *Orchestrator) CancelPayment(ctx context.Context, orderID, lineID string) (string, error) {
	order, err := o.order(orderID)
	if err != nil {
		return "", err
	}
	line, err := order.Line(lineID)
	if err != nil {
		return "", err
	}
	if s, ok := o.registry.Session(line.MethodID()); ok && s.Line() == line {
		return s.RequestCancel(), nil
	}
	o.notices.Notify(models.Notice{
		Severity:  models.NoticeInfo,
		Title:     "Cancel Payment",
		Body:      session.CancelAdvice,
		OrderID:   order.ID,
		LineID:    lineID,
		CreatedAt: time.Now().UTC(),
	})
	return session.CancelAdvice, nil
}

// ResetPayment clears a finished attempt of methodID so it can be retried.
func (o *Orchestrator) ResetPayment(ctx context.Context, methodID string) error {
	return o.registry.Reset(ctx, methodID)
}

func (o *Orchestrator) ToggleInvoice(ctx context.Context, orderID string) (bool, error) {
	order, err := o.order(orderID)
	if err != nil {
		return false, err
	}
	if err := o.authorize(ctx, order.ID, guard.Request{Action: guard.ToggleInvoiceFlag}); err != nil {
		return false, err
	}
	return order.ToggleInvoice(), nil
}

func (o *Orchestrator) FinalizeOrder(ctx context.Context, orderID string) error {
	order, err := o.order(orderID)
	if err != nil {
		return err
	}
	if err := o.authorize(ctx, order.ID, guard.Request{Action: guard.FinalizeOrder}); err != nil {
		return err
	}
	if err := order.Finalize(); err != nil {
		return err
	}
	telemetry.Logger.Info("Order finalized", zap.String("order_id", order.ID))
	return nil
}

// DiscardOrder drops an order and its lines. Sessions bound to its lines are
// reset first; an order with a terminal payment in flight or completed stays.
func (o *Orchestrator) DiscardOrder(ctx context.Context, orderID string) error {
	order, err := o.order(orderID)
	if err != nil {
		return err
	}
	if err := o.authorize(ctx, order.ID, guard.Request{Action: guard.DiscardOrder}); err != nil {
		return err
	}

	lines := order.Lines()
	for _, line := range lines {
		if s, ok := o.registry.Session(line.MethodID()); ok && s.Line() == line {
			if err := o.registry.Reset(ctx, line.MethodID()); err != nil {
				return fmt.Errorf("release terminal for line %s: %w", line.ID(), err)
			}
		}
	}
	if _, err := o.book.Remove(order.ID); err != nil {
		return err
	}

	if o.repo != nil {
		for _, line := range lines {
			if err := o.repo.DeleteLine(ctx, line.ID()); err != nil {
				telemetry.Logger.Error("Failed to delete payment line",
					zap.String("order_id", order.ID),
					zap.String("line_id", line.ID()),
					zap.Error(err),
				)
			}
		}
	}
	telemetry.Logger.Info("Order discarded", zap.String("order_id", order.ID), zap.Int("lines", len(lines)))
	return nil
}

func (o *Orchestrator) MethodStatus(methodID string) (registry.Status, error) {
	return o.registry.Status(methodID)
}

func (o *Orchestrator) Methods() []models.PaymentMethod {
	return o.registry.Methods()
}

func (o *Orchestrator) Notices() []models.Notice {
	return o.notices.Drain()
}

// Shutdown releases every terminal and waits for outcomes to be persisted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.registry.ResetAll(ctx)

	done := make(chan struct{})
	go func() {
		o.trackers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
