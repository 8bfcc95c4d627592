package models

import "time"

type NoticeSeverity string

const (
	NoticeInfo  NoticeSeverity = "info"
	NoticeError NoticeSeverity = "error"
)

// Notice is a user-facing message for the POS UI.
type Notice struct {
	Severity  NoticeSeverity `json:"severity"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	OrderID   string         `json:"order_id,omitempty"`
	LineID    string         `json:"line_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }
