package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

// PaymentLineRepository defines the contract for payment line data access
type PaymentLineRepository interface {
	InsertLine(ctx context.Context, line models.PaymentLineInfo) error
	TransitionStatus(ctx context.Context, lineID, sessionID string, to models.LineStatus, from ...models.LineStatus) (int64, error)
	SaveApproval(ctx context.Context, lineID, sessionID string, rec models.TransactionRecord) (int64, error)
	MarkRetry(ctx context.Context, lineID, sessionID, reason string) (int64, error)
	DeleteLine(ctx context.Context, lineID string) error
	GetByLineID(ctx context.Context, lineID string) (*models.PaymentLineInfo, error)
}
