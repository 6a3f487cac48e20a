package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/storage"
)

// Bootstrap seeds the database from the config file: model variants,
// family configs, API keys, and initial wallet balances.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	if len(cfg.Models) > 0 {
		variants := make([]gateway.ModelVariant, len(cfg.Models))
		for i, m := range cfg.Models {
			variants[i] = m.Variant()
		}
		if err := store.UpsertVariants(ctx, variants); err != nil {
			return err
		}
		slog.Info("bootstrapped model variants", "count", len(variants))
	}

	if len(cfg.Families) > 0 {
		families := make([]gateway.FamilyConfig, len(cfg.Families))
		for i, f := range cfg.Families {
			families[i] = f.Family()
		}
		if err := store.UpsertFamilies(ctx, families); err != nil {
			return err
		}
		slog.Info("bootstrapped families", "count", len(families))
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		hash := gateway.HashKey(k.Key)
		if existing, err := store.GetKeyByHash(ctx, hash); err == nil && existing != nil {
			continue
		} else if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		key := &gateway.APIKey{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Name:      k.Name,
			KeyHash:   hash,
			UserID:    k.UserID,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name)
	}

	for _, w := range cfg.Wallets {
		existing, err := store.GetWallet(ctx, w.UserID)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		if existing != nil {
			continue
		}
		if err := store.CreditWallet(ctx, w.UserID, w.Balance); err != nil {
			return err
		}
		slog.Info("bootstrapped wallet", "user", w.UserID)
	}

	return nil
}
