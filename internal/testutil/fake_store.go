// Package testutil provides shared in-memory fakes for package tests.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/storage"
)

// FakeStore is an in-memory storage.Store for tests. Zero value is not
// usable; construct with NewFakeStore.
type FakeStore struct {
	mu sync.Mutex

	Variants []gateway.ModelVariant
	Families []gateway.FamilyConfig

	Requests     map[string]*gateway.RequestRecord
	Contents     map[string]*gateway.RequestContent
	Metrics      map[string]*gateway.MetricsRecord
	Transactions []gateway.Transaction
	Wallets      map[string]float64
	Keys         map[string]*gateway.APIKey // by hash

	ProviderMetrics map[gateway.VariantKey]gateway.ProviderMetric
	CacheHistory    map[gateway.VariantKey]bool

	Ready []*storage.ReadyRequest
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Requests:        make(map[string]*gateway.RequestRecord),
		Contents:        make(map[string]*gateway.RequestContent),
		Metrics:         make(map[string]*gateway.MetricsRecord),
		Wallets:         make(map[string]float64),
		Keys:            make(map[string]*gateway.APIKey),
		ProviderMetrics: make(map[gateway.VariantKey]gateway.ProviderMetric),
		CacheHistory:    make(map[gateway.VariantKey]bool),
	}
}

func (f *FakeStore) ListVariants(context.Context) ([]*gateway.ModelVariant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*gateway.ModelVariant, len(f.Variants))
	for i := range f.Variants {
		out[i] = &f.Variants[i]
	}
	return out, nil
}

func (f *FakeStore) UpsertVariants(_ context.Context, variants []gateway.ModelVariant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Variants = append(f.Variants, variants...)
	return nil
}

func (f *FakeStore) ListFamilies(context.Context) ([]*gateway.FamilyConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*gateway.FamilyConfig, len(f.Families))
	for i := range f.Families {
		out[i] = &f.Families[i]
	}
	return out, nil
}

func (f *FakeStore) UpsertFamilies(_ context.Context, families []gateway.FamilyConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Families = append(f.Families, families...)
	return nil
}

func (f *FakeStore) InsertRequest(_ context.Context, rec *gateway.RequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.Requests[rec.RequestID] = &cp
	return nil
}

func (f *FakeStore) InsertContent(_ context.Context, c *gateway.RequestContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.Contents[c.RequestID] = &cp
	return nil
}

func (f *FakeStore) InsertMetrics(_ context.Context, m *gateway.MetricsRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.Metrics[m.RequestID] = &cp
	return nil
}

func (f *FakeStore) GetRequest(_ context.Context, requestID string) (*gateway.RequestRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Requests[requestID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *FakeStore) SelectReadyBatch(_ context.Context, limit int) ([]*storage.ReadyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Ready) > limit {
		return f.Ready[:limit], nil
	}
	return f.Ready, nil
}

func (f *FakeStore) SetRequestTokens(_ context.Context, requestID string, in, out int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.Requests[requestID]; ok {
		rec.InputTokens = &in
		rec.OutputTokens = &out
	}
	return nil
}

func (f *FakeStore) CompleteRequest(_ context.Context, requestID, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Requests[requestID]
	if !ok || rec.Status != gateway.StatusReadyToCompute {
		return gateway.ErrConflict
	}
	rec.Status = gateway.StatusCompleted
	rec.TransactionID = &transactionID
	return nil
}

func (f *FakeStore) FailRequest(_ context.Context, requestID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.Requests[requestID]; ok && rec.Status == gateway.StatusReadyToCompute {
		rec.Status = gateway.StatusError
		rec.ErrorMessage = &msg
	}
	return nil
}

func (f *FakeStore) ProviderMetricsBatch(_ context.Context, modelID string, providers []string, _ int) (map[gateway.VariantKey]gateway.ProviderMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[gateway.VariantKey]gateway.ProviderMetric, len(providers))
	for _, p := range providers {
		key := gateway.VariantKey{Provider: p, ModelID: modelID}
		out[key] = f.ProviderMetrics[key]
	}
	return out, nil
}

func (f *FakeStore) UserCacheHistoryBatch(_ context.Context, _ string, modelID string, providers []string) (map[gateway.VariantKey]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[gateway.VariantKey]bool, len(providers))
	for _, p := range providers {
		key := gateway.VariantKey{Provider: p, ModelID: modelID}
		out[key] = f.CacheHistory[key]
	}
	return out, nil
}

func (f *FakeStore) InsertTransaction(_ context.Context, t *gateway.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transactions = append(f.Transactions, *t)
	return nil
}

func (f *FakeStore) SumTransactions(_ context.Context, userID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total float64
	for _, t := range f.Transactions {
		if t.UserID != userID {
			continue
		}
		if t.Type == gateway.TransactionDebit {
			total += t.Amount
		} else {
			total -= t.Amount
		}
	}
	return total, nil
}

func (f *FakeStore) GetWallet(_ context.Context, userID string) (*gateway.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.Wallets[userID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &gateway.Wallet{UserID: userID, Balance: balance}, nil
}

func (f *FakeStore) CreditWallet(_ context.Context, userID string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Wallets[userID] += amount
	return nil
}

func (f *FakeStore) DebitWallet(_ context.Context, userID string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Wallets[userID] -= amount
	return nil
}

func (f *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *key
	f.Keys[key.KeyHash] = &cp
	return nil
}

func (f *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.Keys[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (f *FakeStore) TouchKeyUsed(context.Context, string) error { return nil }

func (f *FakeStore) Close() error { return nil }
