package models

import "time"

// TransactionDateLayout is the terminal's TransactionDateTime format, e.g. 250503173311.
const TransactionDateLayout = "060102150405"

// TransactionRecord holds the card metadata returned with an approved purchase.
type TransactionRecord struct {
	CardNumber      string `json:"card_number"`
	RRN             string `json:"rrn"`
	AuthCode        string `json:"transaction_id"`
	TerminalID      string `json:"terminal_id"`
	CardType        string `json:"card_type"`
	Response        string `json:"transaction_response"`
	TransactionType string `json:"transaction_type"`
	TransactionDate string `json:"transaction_date"`
	EntryMode       string `json:"pos_entry_mode"`
}

// ParsedTime decodes TransactionDate. ok is false for anything but a 12 digit stamp.
func (r TransactionRecord) ParsedTime() (t time.Time, ok bool) {
	if len(r.TransactionDate) != len(TransactionDateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(TransactionDateLayout, r.TransactionDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
