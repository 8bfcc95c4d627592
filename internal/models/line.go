package models

import (
	"database/sql"
	"time"
)

// PaymentLineInfo is a payment line as stored in the database.
type PaymentLineInfo struct {
	LineID          string
	OrderID         string
	MethodID        string
	Amount          string
	Status          LineStatus
	PreviousStatus  string
	SessionID       string
	Reason          string
	CardNumber      string
	RRN             string
	AuthCode        string
	TerminalID      string
	CardType        string
	Response        string
	TransactionType string
	EntryMode       string
	TransactionDate sql.NullTime
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
