package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

const defaultNoticeCapacity = 100

// NoticeQueue buffers user-facing notices until the UI drains them. When full
// the oldest notice is dropped.
type NoticeQueue struct {
	mu       sync.Mutex
	capacity int
	items    []models.Notice
}

func NewNoticeQueue(capacity int) *NoticeQueue {
	if capacity <= 0 {
		capacity = defaultNoticeCapacity
	}
	return &NoticeQueue{capacity: capacity}
}

func (q *NoticeQueue) Notify(n models.Notice) {
	telemetry.Logger.Info("User notice",
		zap.String("severity", string(n.Severity)),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.String("order_id", n.OrderID),
		zap.String("line_id", n.LineID),
	)

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, n)
}

// Drain returns the queued notices oldest first and empties the queue.
func (q *NoticeQueue) Drain() []models.Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
