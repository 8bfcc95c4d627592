// Package guard decides whether a POS UI action may run given the payment state
// of the open orders. It holds no state; callers pass a snapshot.
package guard

import (
	"fmt"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

type Action string

const (
	LeaveForProductScreen Action = "leaveForProductScreen"
	OpenOrderList         Action = "openOrderList"
	CreateNewOrder        Action = "createNewOrder"
	DeletePaymentLine     Action = "deletePaymentLine"
	ToggleInvoiceFlag     Action = "toggleInvoiceFlag"
	FinalizeOrder         Action = "finalizeOrder"
	DiscardOrder          Action = "discardOrder"
)

var actions = []Action{
	LeaveForProductScreen, OpenOrderList, CreateNewOrder,
	DeletePaymentLine, ToggleInvoiceFlag, FinalizeOrder, DiscardOrder,
}

// ParseAction maps the wire name of an action, e.g. from an HTTP request.
func ParseAction(s string) (Action, error) {
	for _, a := range actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown guard action %q", s)
}

type Scope string

const (
	ScopeCurrentOrder Scope = "current_order"
	ScopeAllOrders    Scope = "all_orders"
)

// Scope is the set of orders an action is checked against.
func (a Action) Scope() Scope {
	if a == CreateNewOrder {
		return ScopeAllOrders
	}
	return ScopeCurrentOrder
}

type LineView struct {
	ID           string            `json:"id"`
	MethodID     string            `json:"method_id"`
	UsesTerminal bool              `json:"uses_terminal"`
	Status       models.LineStatus `json:"status"`
}

type OrderView struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Lines []LineView `json:"lines"`
}

// Snapshot is a read-only view of every open order.
type Snapshot struct {
	CurrentOrderID string      `json:"current_order_id"`
	Orders         []OrderView `json:"orders"`
}

func (s Snapshot) current() (OrderView, bool) {
	for _, o := range s.Orders {
		if o.ID == s.CurrentOrderID {
			return o, true
		}
	}
	return OrderView{}, false
}

type Request struct {
	Action Action `json:"action"`
	// LineID names the line for DeletePaymentLine.
	LineID string `json:"line_id,omitempty"`
}

// Decision is always explained when Allowed is false.
type Decision struct {
	Action  Action `json:"action"`
	Scope   Scope  `json:"scope"`
	Allowed bool   `json:"allowed"`
	Title   string `json:"title,omitempty"`
	Reason  string `json:"reason,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	LineID  string `json:"line_id,omitempty"`
}

const (
	titleProcessing = "Payment Processing"
	titleCompleted  = "Payment Completed"
	titleRetry      = "Payment Not Completed"

	waitSuffix = " Please wait for the transaction to complete or cancel it on the terminal."
)

// IsActionAllowed applies the rule table to snap.
func IsActionAllowed(snap Snapshot, req Request) Decision {
	d := Decision{Action: req.Action, Scope: req.Action.Scope(), Allowed: true}
	deny := func(title, reason string, line lineRef) Decision {
		d.Allowed = false
		d.Title, d.Reason = title, reason
		d.OrderID, d.LineID = line.orderID, line.lineID
		return d
	}

	if _, err := ParseAction(string(req.Action)); err != nil {
		return deny("Unknown Action", fmt.Sprintf("Action %q is not recognised.", req.Action), lineRef{})
	}

	if req.Action == CreateNewOrder {
		for _, o := range snap.Orders {
			if ref, ok := findStatus(o, models.LineWaiting); ok {
				return deny(titleProcessing, fmt.Sprintf(
					"Cannot create new order while there are pending terminal payments (order %s). "+
						"Please complete or cancel all terminal transactions first.", orderLabel(o)), ref)
			}
		}
		return d
	}

	order, ok := snap.current()
	if !ok {
		return d
	}

	switch req.Action {
	case LeaveForProductScreen:
		if ref, ok := findStatus(order, models.LineWaiting); ok {
			return deny(titleProcessing, "Cannot go back while payment is being processed on terminal."+waitSuffix, ref)
		}
		if ref, ok := findStatus(order, models.LineRetryNeeded); ok {
			return deny(titleRetry, "Cannot go back while a terminal payment needs attention. "+
				"Retry the payment or remove the payment line first.", ref)
		}
		if ref, ok := findStatus(order, models.LineApproved); ok {
			return deny(titleCompleted, "Cannot go back while payment Completed on terminal. "+
				"Please Create a new order if you need buy more products.", ref)
		}
	case OpenOrderList:
		if ref, ok := findStatus(order, models.LineWaiting); ok {
			return deny(titleProcessing, "Cannot access orders while payment is being processed on terminal."+waitSuffix, ref)
		}
	case DeletePaymentLine:
		for _, l := range order.Lines {
			if l.ID == req.LineID && l.UsesTerminal && l.Status == models.LineWaiting {
				return deny(titleProcessing, "Cannot delete payment line while it is being processed on terminal. "+
					"Please wait for completion or cancel on the terminal.", lineRef{order.ID, l.ID})
			}
		}
	case ToggleInvoiceFlag:
		if ref, ok := findStatus(order, models.LineWaiting); ok {
			return deny(titleProcessing, "Cannot modify order settings while payment is being processed on terminal.", ref)
		}
	case FinalizeOrder:
		if ref, ok := findStatus(order, models.LineWaiting); ok {
			return deny(titleProcessing, "Cannot complete order while payment is being processed on terminal."+waitSuffix, ref)
		}
	case DiscardOrder:
		if ref, ok := findStatus(order, models.LineWaiting); ok {
			return deny(titleProcessing, "Cannot delete order while payment is being processed on terminal."+waitSuffix, ref)
		}
		if ref, ok := findStatus(order, models.LineApproved); ok {
			return deny(titleCompleted, "Cannot delete order with a payment completed on terminal. "+
				"Please complete the order instead.", ref)
		}
	}
	return d
}

type lineRef struct {
	orderID string
	lineID  string
}

// findStatus returns the first terminal-backed line of o in status.
func findStatus(o OrderView, status models.LineStatus) (lineRef, bool) {
	for _, l := range o.Lines {
		if l.UsesTerminal && l.Status == status {
			return lineRef{orderID: o.ID, lineID: l.ID}, true
		}
	}
	return lineRef{}, false
}

func orderLabel(o OrderView) string {
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}
