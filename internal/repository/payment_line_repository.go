package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

type PaymentLineRepository struct {
	db *sql.DB
}

func NewPaymentLineRepository(db *sql.DB) *PaymentLineRepository {
	return &PaymentLineRepository{db: db}
}

func (r *PaymentLineRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_lines (
			line_id VARCHAR(64) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			method_id VARCHAR(64) NOT NULL,
			amount NUMERIC(12, 2) NOT NULL,
			status VARCHAR(20) NOT NULL,
			previous_status VARCHAR(20),
			session_id VARCHAR(64),
			reason TEXT,
			card_number VARCHAR(32),
			rrn VARCHAR(32),
			auth_code VARCHAR(32),
			terminal_id VARCHAR(32),
			card_type VARCHAR(64),
			transaction_response VARCHAR(64),
			transaction_type VARCHAR(64),
			pos_entry_mode VARCHAR(32),
			transaction_date TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_lines_order ON payment_lines(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_lines_status ON payment_lines(status)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *PaymentLineRepository) InsertLine(ctx context.Context, line models.PaymentLineInfo) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_lines (line_id, order_id, method_id, amount, status, previous_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (line_id) DO NOTHING
	`, line.LineID, line.OrderID, line.MethodID, line.Amount, line.Status, "")
	return err
}

// TransitionStatus hands the line to sessionID. It only applies while the
// stored status is one of from.
func (r *PaymentLineRepository) TransitionStatus(ctx context.Context, lineID, sessionID string, to models.LineStatus, from ...models.LineStatus) (int64, error) {
	allowed := make([]string, 0, len(from))
	for _, f := range from {
		allowed = append(allowed, string(f))
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lines
		SET status = $1, previous_status = status, session_id = $2, reason = NULL, updated_at = NOW()
		WHERE line_id = $3 AND status = ANY($4)
	`, to, sessionID, lineID, pq.Array(allowed))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SaveApproval writes status and all transaction metadata in one statement.
func (r *PaymentLineRepository) SaveApproval(ctx context.Context, lineID, sessionID string, rec models.TransactionRecord) (int64, error) {
	var txDate sql.NullTime
	if t, ok := rec.ParsedTime(); ok {
		txDate = sql.NullTime{Time: t, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lines
		SET status = $1, previous_status = status, reason = NULL,
			card_number = $2, rrn = $3, auth_code = $4, terminal_id = $5, card_type = $6,
			transaction_response = $7, transaction_type = $8, pos_entry_mode = $9,
			transaction_date = $10, updated_at = NOW()
		WHERE line_id = $11 AND session_id = $12 AND status <> $1
	`, models.LineApproved,
		rec.CardNumber, rec.RRN, rec.AuthCode, rec.TerminalID, rec.CardType,
		rec.Response, rec.TransactionType, rec.EntryMode,
		txDate, lineID, sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PaymentLineRepository) MarkRetry(ctx context.Context, lineID, sessionID, reason string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_lines
		SET status = $1, previous_status = status, reason = $2, updated_at = NOW()
		WHERE line_id = $3 AND session_id = $4 AND status <> $5
	`, models.LineRetryNeeded, reason, lineID, sessionID, models.LineApproved)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PaymentLineRepository) DeleteLine(ctx context.Context, lineID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM payment_lines WHERE line_id = $1`, lineID)
	return err
}

func (r *PaymentLineRepository) GetByLineID(ctx context.Context, lineID string) (*models.PaymentLineInfo, error) {
	info := models.PaymentLineInfo{LineID: lineID}
	err := r.db.QueryRowContext(ctx, `
		SELECT order_id, method_id, amount, status,
			COALESCE(previous_status, ''), COALESCE(session_id, ''), COALESCE(reason, ''),
			COALESCE(card_number, ''), COALESCE(rrn, ''), COALESCE(auth_code, ''),
			COALESCE(terminal_id, ''), COALESCE(card_type, ''), COALESCE(transaction_response, ''),
			COALESCE(transaction_type, ''), COALESCE(pos_entry_mode, ''), transaction_date,
			created_at, updated_at
		FROM payment_lines WHERE line_id = $1
	`, lineID).Scan(
		&info.OrderID, &info.MethodID, &info.Amount, &info.Status,
		&info.PreviousStatus, &info.SessionID, &info.Reason,
		&info.CardNumber, &info.RRN, &info.AuthCode,
		&info.TerminalID, &info.CardType, &info.Response,
		&info.TransactionType, &info.EntryMode, &info.TransactionDate,
		&info.CreatedAt, &info.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &info, nil
}
