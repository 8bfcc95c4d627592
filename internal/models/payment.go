package models

import "time"

// LineStatus is the payment status stored on a payment line.
type LineStatus string

const (
	LinePending     LineStatus = "pending"
	LineWaiting     LineStatus = "waiting"
	LineRetryNeeded LineStatus = "retry"
	LineApproved    LineStatus = "done"
)

// SessionState is the state of a single terminal payment attempt.
type SessionState string

const (
	StatePending       SessionState = "PENDING"
	StateConnecting    SessionState = "CONNECTING"
	StateWaiting       SessionState = "WAITING"
	StateApproved      SessionState = "APPROVED"
	StateDeclined      SessionState = "DECLINED"
	StateTerminalBusy  SessionState = "TERMINAL_BUSY"
	StateUserCancelled SessionState = "USER_CANCELLED"
	StateConfigError   SessionState = "CONFIG_ERROR"
	StateCommError     SessionState = "COMM_ERROR"
)

// IsTerminal reports whether no further frame can move the session.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateApproved, StateDeclined, StateTerminalBusy, StateUserCancelled,
		StateConfigError, StateCommError:
		return true
	}
	return false
}

// Retryable reports whether the outcome permits a new attempt on the same line.
func (s SessionState) Retryable() bool {
	return s.IsTerminal() && s != StateApproved
}

// LineStatus collapses a session state into the status mirrored on its line.
func (s SessionState) LineStatus() LineStatus {
	switch s {
	case StatePending:
		return LinePending
	case StateConnecting, StateWaiting:
		return LineWaiting
	case StateApproved:
		return LineApproved
	default:
		return LineRetryNeeded
	}
}

// StateChange is published for every session transition.
type StateChange struct {
	SessionID string       `json:"session_id"`
	MethodID  string       `json:"method_id"`
	OrderID   string       `json:"order_id"`
	LineID    string       `json:"line_id"`
	From      SessionState `json:"previous_state"`
	To        SessionState `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Outcome is what a finished session reports to its caller.
type Outcome struct {
	SessionID   string             `json:"session_id"`
	LineID      string             `json:"line_id"`
	State       SessionState       `json:"state"`
	LineStatus  LineStatus         `json:"line_status"`
	Retryable   bool               `json:"retryable"`
	Reason      string             `json:"reason,omitempty"`
	Transaction *TransactionRecord `json:"transaction,omitempty"`
}
