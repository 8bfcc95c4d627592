package pos

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

var (
	ErrNotBound           = errors.New("payment line is not bound to this session")
	ErrLineFinal          = errors.New("payment line already approved")
	ErrMissingTransaction = errors.New("approval requires transaction metadata")
)

// PaymentLine is the durable record of one payment on an order. Only the session
// it is bound to may change its status.
type PaymentLine struct {
	id           string
	orderID      string
	methodID     string
	usesTerminal bool
	amount       decimal.Decimal
	createdAt    time.Time

	mu        sync.RWMutex
	status    models.LineStatus
	reason    string
	txn       *models.TransactionRecord
	sessionID string
}

// NewPaymentLine always starts pending with no transaction metadata.
func NewPaymentLine(orderID string, method models.PaymentMethod, amount decimal.Decimal) *PaymentLine {
	return &PaymentLine{
		id:           uuid.NewString(),
		orderID:      orderID,
		methodID:     method.ID,
		usesTerminal: method.UsesTerminal(),
		amount:       amount,
		createdAt:    time.Now().UTC(),
		status:       models.LinePending,
	}
}

func (l *PaymentLine) ID() string              { return l.id }
func (l *PaymentLine) OrderID() string         { return l.orderID }
func (l *PaymentLine) MethodID() string        { return l.methodID }
func (l *PaymentLine) UsesTerminal() bool      { return l.usesTerminal }
func (l *PaymentLine) Amount() decimal.Decimal { return l.amount }

func (l *PaymentLine) Status() models.LineStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Transaction returns a copy of the metadata; ok is false until approval.
func (l *PaymentLine) Transaction() (models.TransactionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.txn == nil {
		return models.TransactionRecord{}, false
	}
	return *l.txn, true
}

// Bind hands the line to a new session and resets it to pending.
func (l *PaymentLine) Bind(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == models.LineApproved {
		return ErrLineFinal
	}
	l.sessionID = sessionID
	l.status = models.LinePending
	l.reason = ""
	return nil
}

type LineUpdate struct {
	Status      models.LineStatus
	Reason      string
	Transaction *models.TransactionRecord
}

// Apply changes the line on behalf of sessionID. Approval stores status and
// metadata together.
func (l *PaymentLine) Apply(sessionID string, u LineUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sessionID == "" || sessionID != l.sessionID {
		return fmt.Errorf("%w: line %s bound to %q, got %q", ErrNotBound, l.id, l.sessionID, sessionID)
	}
	if l.status == models.LineApproved {
		return ErrLineFinal
	}
	if u.Status == models.LineApproved {
		if u.Transaction == nil {
			return ErrMissingTransaction
		}
		rec := *u.Transaction
		l.txn = &rec
	}
	l.status = u.Status
	l.reason = u.Reason
	return nil
}

// LineSnapshot is an immutable copy of a line.
type LineSnapshot struct {
	ID           string                    `json:"id"`
	OrderID      string                    `json:"order_id"`
	MethodID     string                    `json:"method_id"`
	UsesTerminal bool                      `json:"uses_terminal"`
	Amount       decimal.Decimal           `json:"amount"`
	Status       models.LineStatus         `json:"status"`
	Reason       string                    `json:"reason,omitempty"`
	SessionID    string                    `json:"session_id,omitempty"`
	Transaction  *models.TransactionRecord `json:"transaction,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
}

func (l *PaymentLine) Snapshot() LineSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := LineSnapshot{
		ID:           l.id,
		OrderID:      l.orderID,
		MethodID:     l.methodID,
		UsesTerminal: l.usesTerminal,
		Amount:       l.amount,
		Status:       l.status,
		Reason:       l.reason,
		SessionID:    l.sessionID,
		CreatedAt:    l.createdAt,
	}
	if l.txn != nil {
		rec := *l.txn
		s.Transaction = &rec
	}
	return s
}
