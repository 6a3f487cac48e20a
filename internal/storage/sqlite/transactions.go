package sqlite

import (
	"context"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
)

// InsertTransaction appends a wallet ledger entry.
func (s *Store) InsertTransaction(ctx context.Context, t *gateway.Transaction) error {
	var reqID any
	if t.RequestID != "" {
		reqID = t.RequestID
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, amount, type, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Amount, string(t.Type), reqID,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// SumTransactions returns total debits minus credits for a user.
func (s *Store) SumTransactions(ctx context.Context, userID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE type WHEN 'debit' THEN amount ELSE -amount END), 0)
		 FROM transactions WHERE user_id = ?`, userID,
	).Scan(&total)
	return total, err
}
