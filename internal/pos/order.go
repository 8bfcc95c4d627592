package pos

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/pos-terminal/internal/guard"
	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrLineNotFound   = errors.New("payment line not found")
	ErrOrderFinalized = errors.New("order already finalized")
)

type Order struct {
	ID        string
	Name      string
	CreatedAt time.Time

	mu        sync.RWMutex
	lines     []*PaymentLine
	toInvoice bool
	finalized bool
}

// AddLine attaches a fresh pending line for method.
func (o *Order) AddLine(method models.PaymentMethod, amount decimal.Decimal) (*PaymentLine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return nil, ErrOrderFinalized
	}
	l := NewPaymentLine(o.ID, method, amount)
	o.lines = append(o.lines, l)
	return l, nil
}

func (o *Order) Line(id string) (*PaymentLine, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, l := range o.lines {
		if l.ID() == id {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLineNotFound, id)
}

func (o *Order) Lines() []*PaymentLine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*PaymentLine(nil), o.lines...)
}

func (o *Order) RemoveLine(id string) (*PaymentLine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, l := range o.lines {
		if l.ID() == id {
			o.lines = append(o.lines[:i:i], o.lines[i+1:]...)
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLineNotFound, id)
}

// ToggleInvoice flips the to-invoice flag and returns the new value.
func (o *Order) ToggleInvoice() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.toInvoice = !o.toInvoice
	return o.toInvoice
}

func (o *Order) Finalize() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return ErrOrderFinalized
	}
	o.finalized = true
	return nil
}

type OrderSnapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	ToInvoice bool           `json:"to_invoice"`
	Finalized bool           `json:"finalized"`
	Lines     []LineSnapshot `json:"lines"`
}

func (o *Order) Snapshot() OrderSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := OrderSnapshot{
		ID:        o.ID,
		Name:      o.Name,
		CreatedAt: o.CreatedAt,
		ToInvoice: o.toInvoice,
		Finalized: o.finalized,
		Lines:     make([]LineSnapshot, 0, len(o.lines)),
	}
	for _, l := range o.lines {
		s.Lines = append(s.Lines, l.Snapshot())
	}
	return s
}

func (o *Order) view() guard.OrderView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v := guard.OrderView{ID: o.ID, Name: o.Name, Lines: make([]guard.LineView, 0, len(o.lines))}
	for _, l := range o.lines {
		v.Lines = append(v.Lines, guard.LineView{
			ID:           l.ID(),
			MethodID:     l.MethodID(),
			UsesTerminal: l.UsesTerminal(),
			Status:       l.Status(),
		})
	}
	return v
}

// Book holds the open orders of one POS session.
type Book struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	order   []string
	current string
	seq     int
}

func NewBook() *Book {
	return &Book{orders: make(map[string]*Order)}
}

// NewOrder opens an order and makes it current.
func (b *Book) NewOrder() *Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	o := &Order{
		ID:        uuid.NewString(),
		Name:      fmt.Sprintf("Order %05d", b.seq),
		CreatedAt: time.Now().UTC(),
	}
	b.orders[o.ID] = o
	b.order = append(b.order, o.ID)
	b.current = o.ID
	return o
}

func (b *Book) Get(id string) (*Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, nil
}

func (b *Book) Current() (*Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[b.current]
	return o, ok
}

func (b *Book) Select(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[id]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	b.current = id
	return nil
}

// Remove discards an order with its lines.
func (b *Book) Remove(id string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	delete(b.orders, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	if b.current == id {
		b.current = ""
		if n := len(b.order); n > 0 {
			b.current = b.order[n-1]
		}
	}
	return o, nil
}

func (b *Book) Orders() []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Order, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.orders[id])
	}
	return out
}

// Snapshot builds the guard view of every open order.
func (b *Book) Snapshot() guard.Snapshot {
	b.mu.RLock()
	current := b.current
	b.mu.RUnlock()

	snap := guard.Snapshot{CurrentOrderID: current}
	for _, o := range b.Orders() {
		snap.Orders = append(snap.Orders, o.view())
	}
	return snap
}
