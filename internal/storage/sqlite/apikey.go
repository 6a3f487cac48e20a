package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
)

// CreateKey inserts a new API key. Used by config bootstrap.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx, `INSERT OR IGNORE INTO api_keys
		(id, name, key_hash, user_id, blocked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.UserID, boolToInt(key.Blocked),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	var (
		key      gateway.APIKey
		blocked  int
		lastUsed sql.NullString
		created  string
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT id, name, key_hash, user_id, blocked, last_used_at, created_at
		 FROM api_keys WHERE key_hash = ?`, hash,
	).Scan(&key.ID, &key.Name, &key.KeyHash, &key.UserID, &blocked, &lastUsed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	key.Blocked = blocked != 0
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
			key.LastUsedAt = &t
		}
	}
	key.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &key, nil
}

// TouchKeyUsed updates the key's last-used timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}
