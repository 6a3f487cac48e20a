package sqlite

import (
	"context"
	"database/sql"
	"errors"

	gateway "github.com/arbiterai/arbiter/internal"
)

// GetWallet returns a user's wallet.
func (s *Store) GetWallet(ctx context.Context, userID string) (*gateway.Wallet, error) {
	w := &gateway.Wallet{UserID: userID}
	err := s.read.QueryRowContext(ctx,
		`SELECT balance FROM wallet WHERE user_id = ?`, userID,
	).Scan(&w.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// CreditWallet adds funds, creating the wallet row when missing.
func (s *Store) CreditWallet(ctx context.Context, userID string, amount float64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO wallet (user_id, balance) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET balance = wallet.balance + excluded.balance`,
		userID, amount)
	return err
}

// DebitWallet subtracts funds. The balance may go negative: debits settle
// after the request already ran.
func (s *Store) DebitWallet(ctx context.Context, userID string, amount float64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO wallet (user_id, balance) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET balance = wallet.balance + excluded.balance`,
		userID, -amount)
	return err
}
