// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"encoding/json"

	gateway "github.com/arbiterai/arbiter/internal"
)

// ModelStore manages catalog persistence: model variants and family configs.
type ModelStore interface {
	ListVariants(ctx context.Context) ([]*gateway.ModelVariant, error)
	UpsertVariants(ctx context.Context, variants []gateway.ModelVariant) error
	ListFamilies(ctx context.Context) ([]*gateway.FamilyConfig, error)
	UpsertFamilies(ctx context.Context, families []gateway.FamilyConfig) error
}

// RequestStore manages request record, content, and metrics persistence.
type RequestStore interface {
	InsertRequest(ctx context.Context, rec *gateway.RequestRecord) error
	InsertContent(ctx context.Context, content *gateway.RequestContent) error
	InsertMetrics(ctx context.Context, m *gateway.MetricsRecord) error
	GetRequest(ctx context.Context, requestID string) (*gateway.RequestRecord, error)

	// SelectReadyBatch returns up to limit requests in ready_to_compute with
	// no error message, joined to their content and variant pricing.
	SelectReadyBatch(ctx context.Context, limit int) ([]*ReadyRequest, error)

	// SetRequestTokens writes tokenized counts back to a request row.
	SetRequestTokens(ctx context.Context, requestID string, inputTokens, outputTokens int) error

	// CompleteRequest transitions ready_to_compute -> completed, attaching
	// the transaction. Rows in any other state are left untouched.
	CompleteRequest(ctx context.Context, requestID, transactionID string) error

	// FailRequest transitions ready_to_compute -> error with a message.
	FailRequest(ctx context.Context, requestID, errMsg string) error
}

// ReadyRequest is one accounting work item: the request row joined to its
// payload and the pricing attributes of the variant that served it.
type ReadyRequest struct {
	Record        gateway.RequestRecord
	RequestBody   json.RawMessage
	ResponseBody  json.RawMessage
	PriceInput    float64
	PriceOutput   float64
	PricingMethod gateway.PricingMethod
	TokenizerName string
}

// MetricsReader provides the selector's batched read operations.
type MetricsReader interface {
	// ProviderMetricsBatch returns recent-window throughput/latency medians
	// per (provider, model). Providers with no samples are present with nil
	// medians and a zero sample count.
	ProviderMetricsBatch(ctx context.Context, modelID string, providers []string, window int) (map[gateway.VariantKey]gateway.ProviderMetric, error)

	// UserCacheHistoryBatch reports, per (provider, model), whether the user
	// has a recent request with cached_tokens > 0.
	UserCacheHistoryBatch(ctx context.Context, userID, modelID string, providers []string) (map[gateway.VariantKey]bool, error)
}

// TransactionStore manages wallet ledger entries.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, t *gateway.Transaction) error
	SumTransactions(ctx context.Context, userID string) (float64, error)
}

// WalletStore manages wallet balances.
type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (*gateway.Wallet, error)
	CreditWallet(ctx context.Context, userID string, amount float64) error
	DebitWallet(ctx context.Context, userID string, amount float64) error
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	TouchKeyUsed(ctx context.Context, id string) error
}

// Store combines all storage interfaces.
type Store interface {
	ModelStore
	RequestStore
	MetricsReader
	TransactionStore
	WalletStore
	APIKeyStore
	Close() error
}
