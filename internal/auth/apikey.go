// Package auth implements API key authentication with a wallet balance
// gate. Keys are validated against the store and cached in a W-TinyLFU
// cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "arb_" prefix
// and rejects callers whose wallet is empty.
type APIKeyAuth struct {
	store   storage.APIKeyStore
	wallets storage.WalletStore
	cache   *otter.Cache[string, *gateway.APIKey]
}

// New returns an APIKeyAuth backed by the given stores.
func New(store storage.APIKeyStore, wallets storage.WalletStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, wallets: wallets, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, verifies the wallet has funds, and
// returns the caller's Identity.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}
	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	key, ok := a.cache.GetIfPresent(hash)
	if !ok {
		var err error
		key, err = a.store.GetKeyByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return nil, gateway.ErrUnauthorized
			}
			return nil, err
		}
		// Constant-time comparison of the stored hash against the computed
		// hash guards against SQL collation or encoding surprises.
		if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
			return nil, gateway.ErrUnauthorized
		}
		a.cache.Set(hash, key)
	}

	if key.Blocked {
		return nil, gateway.ErrKeyBlocked
	}

	if err := a.checkFunds(ctx, key.UserID); err != nil {
		return nil, err
	}

	return &gateway.Identity{
		UserID:     key.UserID,
		KeyID:      key.ID,
		APIKeyName: key.Name,
	}, nil
}

// checkFunds rejects callers whose wallet is missing or empty. The balance
// read is deliberately uncached: a drained wallet must stop traffic now,
// not a cache-TTL later.
func (a *APIKeyAuth) checkFunds(ctx context.Context, userID string) error {
	w, err := a.wallets.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.ErrInsufficientFunds
		}
		return err
	}
	if w.Balance <= 0 {
		return gateway.ErrInsufficientFunds
	}
	return nil
}
