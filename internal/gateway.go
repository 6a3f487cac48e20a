// Package gateway defines domain types and interfaces for the Arbiter LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Chat wire types (OpenAI-compatible) ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`

	// Provider restricts candidate selection to the named upstreams.
	// Accepts a string or a JSON array on the wire.
	Provider ProviderFilter `json:"provider,omitempty"`

	// Compression asks the family router to compact long conversations
	// before evaluation. Best-effort.
	Compression bool `json:"compression,omitempty"`
}

// ProviderFilter is a provider whitelist that unmarshals from either a
// single string or a JSON array of strings.
type ProviderFilter []string

// UnmarshalJSON accepts "openai" and ["openai","bedrock"] forms.
func (p *ProviderFilter) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProviderFilter{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*p = ProviderFilter(list)
	return nil
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ContentPart is one decoded element of a message content array.
// Type is "text" or "image_url"; exactly one of Text/ImageURL is set.
type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
}

// wireContentPart mirrors the OpenAI content-part JSON shape.
type wireContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// DecodeContent decodes a message Content field into typed parts.
// A bare JSON string becomes a single text part. Unknown part types
// are dropped.
func DecodeContent(raw json.RawMessage) []ContentPart {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return nil
		}
		return []ContentPart{{Type: "text", Text: s}}
	}
	var wire []wireContentPart
	if json.Unmarshal(raw, &wire) != nil {
		return nil
	}
	parts := make([]ContentPart, 0, len(wire))
	for _, w := range wire {
		switch w.Type {
		case "text":
			parts = append(parts, ContentPart{Type: "text", Text: w.Text})
		case "image_url":
			if w.ImageURL != nil {
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: w.ImageURL.URL})
			}
		}
	}
	return parts
}

// EncodeContent re-encodes typed parts into the wire form. A single text
// part collapses back to a bare JSON string.
func EncodeContent(parts []ContentPart) json.RawMessage {
	if len(parts) == 1 && parts[0].Type == "text" {
		data, _ := json.Marshal(parts[0].Text)
		return data
	}
	wire := make([]wireContentPart, len(parts))
	for i, p := range parts {
		wire[i].Type = p.Type
		switch p.Type {
		case "text":
			wire[i].Text = p.Text
		case "image_url":
			wire[i].ImageURL = &struct {
				URL string `json:"url"`
			}{URL: p.ImageURL}
		}
	}
	data, _ := json.Marshal(wire)
	return data
}

// ToolChoiceKind classifies a request's tool_choice field.
type ToolChoiceKind int

// Tool choice variants.
const (
	ToolChoiceAuto ToolChoiceKind = iota
	ToolChoiceNone
	ToolChoiceNamed
)

// DecodeToolChoice classifies a raw tool_choice value. Named choices also
// return the function name.
func DecodeToolChoice(raw json.RawMessage) (ToolChoiceKind, string) {
	if len(raw) == 0 {
		return ToolChoiceAuto, ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil && s == "none" {
			return ToolChoiceNone, ""
		}
		return ToolChoiceAuto, ""
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &named) == nil && named.Function.Name != "" {
		return ToolChoiceNamed, named.Function.Name
	}
	return ToolChoiceAuto, ""
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Provider          string   `json:"provider,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
	Cost                *float64             `json:"cost,omitempty"`
}

// PromptTokensDetails carries the upstream's prompt-cache breakdown.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CachedTokens returns the cached-token count, or -1 when the upstream
// reported no cache breakdown (unknown, not zero).
func (u *Usage) CachedTokens() int {
	if u == nil || u.PromptTokensDetails == nil {
		return -1
	}
	return u.PromptTokensDetails.CachedTokens
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// CompletionRequest is the legacy text completion request. Prompt accepts
// a string or an array of strings; each prompt is executed as one chat call.
type CompletionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`
	Provider    ProviderFilter  `json:"provider,omitempty"`
}

// Prompts decodes the prompt field into its list form.
func (r *CompletionRequest) Prompts() []string {
	if len(r.Prompt) == 0 {
		return nil
	}
	if r.Prompt[0] == '"' {
		var s string
		if json.Unmarshal(r.Prompt, &s) != nil {
			return nil
		}
		return []string{s}
	}
	var list []string
	if json.Unmarshal(r.Prompt, &list) != nil {
		return nil
	}
	return list
}

// --- Model catalog ---

// AdapterKind names the wire dialect an upstream speaks.
type AdapterKind string

// Known wire dialects.
const (
	AdapterOpenAI    AdapterKind = "openai"
	AdapterAnthropic AdapterKind = "anthropic"
	AdapterBedrock   AdapterKind = "bedrock"
)

// PricingMethod selects the cached-token pricing rule for a variant.
type PricingMethod string

// Pricing methods. The cache variants discount cached input tokens by a
// provider-specific multiplier; see accounting.CalculateCost.
const (
	PricingStandard       PricingMethod = "standard"
	PricingAnthropicCache PricingMethod = "anthropic_cache"
	PricingOpenAICache50  PricingMethod = "openai_cache_50"
	PricingOpenAICache75  PricingMethod = "openai_cache_75"
	PricingDeepseekCache  PricingMethod = "deepseek_cache"
	PricingGoogleCache    PricingMethod = "google_cache"
	PricingGoogleImplicit PricingMethod = "google_implicit"
	PricingGoogleExplicit PricingMethod = "google_explicit"
	PricingBedrockCache   PricingMethod = "bedrock_cache"
)

// ModelVariant is one concrete (provider, model_id) deployment.
// Variants are owned by the catalog and never mutated by request handling.
type ModelVariant struct {
	ModelID            string         `json:"model_id"`
	Provider           string         `json:"provider"`
	ProviderModelID    string         `json:"provider_model_id"`
	Adapter            AdapterKind    `json:"adapter"`
	BaseURL            string         `json:"base_url"`
	APIKeyRef          string         `json:"api_key_ref"` // env var name, never the secret
	ExtraParams        map[string]any `json:"extra_params,omitempty"`
	ContextWindow      *int           `json:"context_window,omitempty"`
	SupportsToolCalls  bool           `json:"supports_tool_calling"`
	SupportsVision     bool           `json:"supports_vision"`
	SupportsInputCache bool           `json:"supports_input_cache"`
	PriceInput         float64        `json:"price_per_input_token"`  // USD per 1K tokens
	PriceOutput        float64        `json:"price_per_output_token"` // USD per 1K tokens
	PricingMethod      PricingMethod  `json:"pricing_method"`
	TokenizerName      string         `json:"tokenizer_name,omitempty"`
}

// Key returns the composite identity of the variant.
func (v *ModelVariant) Key() VariantKey {
	return VariantKey{Provider: v.Provider, ModelID: v.ModelID}
}

// VariantKey identifies a variant by its unique (provider, model_id) pair.
type VariantKey struct {
	Provider string
	ModelID  string
}

// ProviderMetric holds recent-window medians for one variant.
// Nil medians mean no samples in the window.
type ProviderMetric struct {
	ThroughputMedian *float64 // tokens/s
	LatencyMedian    *float64 // ms to first chunk
	SampleCount      int
}

// --- Request lifecycle ---

// RequestStatus is the lifecycle state of a RequestRecord.
type RequestStatus string

// Status values are bit-exact strings persisted in the requests table.
const (
	StatusReadyToCompute RequestStatus = "ready_to_compute"
	StatusCompleted      RequestStatus = "completed"
	StatusError          RequestStatus = "error"
)

// RequestRecord is the durable per-request row. Token counts may be nil
// until the accounting worker fills them in; cached tokens nil means the
// upstream reported no cache information.
type RequestRecord struct {
	RequestID     string        `json:"request_id"`
	UserID        string        `json:"user_id"`
	APIKeyName    string        `json:"api_key_name"`
	Provider      string        `json:"provider"`
	ModelID       string        `json:"model_id"`
	CreatedAt     time.Time     `json:"created_at"`
	Streaming     bool          `json:"streaming"`
	Status        RequestStatus `json:"status"`
	InputTokens   *int          `json:"input_tokens,omitempty"`
	OutputTokens  *int          `json:"output_tokens,omitempty"`
	CachedTokens  *int          `json:"cached_tokens,omitempty"`
	TransactionID *string       `json:"transaction_id,omitempty"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
}

// RequestContent is the raw request and reconstructed response payload,
// split from RequestRecord so large JSON never loads during selection.
type RequestContent struct {
	RequestID    string          `json:"request_id"`
	RequestBody  json.RawMessage `json:"request_body"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
}

// MetricsRecord holds per-request streaming latency measurements.
// Throughput is computed only when all durations and the output token
// count are known and the first-to-last delta is positive.
type MetricsRecord struct {
	RequestID            string   `json:"request_id"`
	TotalDurationMs      *int64   `json:"total_duration_ms,omitempty"`
	TimeToFirstChunkMs   *int64   `json:"time_to_first_chunk_ms,omitempty"`
	DtFirstLastChunkMs   *int64   `json:"dt_first_last_chunk_ms,omitempty"`
	ThroughputTokensPerS *float64 `json:"throughput_tokens_per_s,omitempty"`
	IsCalculated         bool     `json:"is_metrics_calculated"`
}

// TransactionType distinguishes wallet debits from credits.
type TransactionType string

// Transaction types.
const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// Transaction is a wallet ledger entry. Amount is always >= 0; Type
// carries the sign.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    float64         `json:"amount"`
	Type      TransactionType `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Wallet holds a user's prepaid balance in USD.
type Wallet struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

// APIKey represents an API key for authentication.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"` // SHA-256 hex, never exposed
	UserID     string     `json:"user_id"`
	Blocked    bool       `json:"blocked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	UserID     string `json:"user_id"`
	KeyID      string `json:"key_id"`
	APIKeyName string `json:"api_key_name"`
}

// --- Family routing ---

// ScoreRange maps a complexity score band to a concrete target model.
type ScoreRange struct {
	MinScore    int    `json:"min_score"`
	MaxScore    int    `json:"max_score"`
	TargetModel string `json:"target_model"`
	Reason      string `json:"reason,omitempty"`
}

// Contains reports whether score falls in the inclusive band.
func (r ScoreRange) Contains(score int) bool {
	return score >= r.MinScore && score <= r.MaxScore
}

// FamilyConfig describes a synthetic model id resolved at request time by
// scoring conversation complexity with a cheap evaluator model.
type FamilyConfig struct {
	FamilyID             string       `json:"family_id"`
	Enabled              bool         `json:"enabled"`
	EvaluationModelID    string       `json:"evaluation_model_id"`
	EvaluationProvider   string       `json:"evaluation_provider"`
	ScoreRanges          []ScoreRange `json:"score_ranges"`
	FallbackModel        string       `json:"fallback_model"`
	FallbackProvider     string       `json:"fallback_provider"`
	CacheDurationMinutes int          `json:"cache_duration_minutes"`
	EvaluationTimeoutMs  int          `json:"evaluation_timeout_ms"`
}

// RoutingResult is the family router's per-call output.
type RoutingResult struct {
	SelectedModel    string  `json:"selected_model"`
	SelectedProvider string  `json:"selected_provider,omitempty"`
	ComplexityScore  int     `json:"complexity_score"`
	Reasoning        string  `json:"reasoning"`
	EvaluationCost   float64 `json:"evaluation_cost"`
	EvaluationTokens int     `json:"evaluation_tokens"`
	FromCache        bool    `json:"from_cache"`
}

// --- API keys ---

// APIKeyPrefix is the required prefix for Arbiter API keys.
const APIKeyPrefix = "arb_"

// HashKey returns the SHA-256 hex digest of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// --- Context keys ---

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyIdentity
)

// ContextWithRequestID returns a context carrying the request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext returns the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithIdentity returns a context carrying the caller identity.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext returns the caller identity, or nil when absent.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return id
}
