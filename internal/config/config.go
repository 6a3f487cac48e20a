// Package config handles YAML configuration loading with environment
// variable expansion, plus database bootstrapping from config seeds.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/arbiterai/arbiter/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Selector   SelectorConfig   `yaml:"selector"`
	Accounting AccountingConfig `yaml:"accounting"`
	Notify     NotifyConfig     `yaml:"notify"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Models     []ModelEntry     `yaml:"models"`
	Families   []FamilyEntry    `yaml:"families"`
	Keys       []KeyEntry       `yaml:"keys"`
	Wallets    []WalletEntry    `yaml:"wallets"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// WebhookConfig protects the accounting trigger endpoint.
type WebhookConfig struct {
	Secret string `yaml:"secret"` // use ${ENV_VAR} in the file
}

// SelectorConfig holds provider selection defaults.
type SelectorConfig struct {
	DefaultRatio  int `yaml:"default_ratio"`  // price/performance, 0..100
	MetricsWindow int `yaml:"metrics_window"` // samples per median
}

// AccountingConfig tunes the settlement worker.
type AccountingConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	TimeLimit time.Duration `yaml:"time_limit"`
}

// NotifyConfig configures the failure notification sink.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	QueueSize  int    `yaml:"queue_size"`
}

// CatalogConfig tunes the in-process model cache.
type CatalogConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ModelEntry seeds one model variant.
type ModelEntry struct {
	ModelID            string         `yaml:"model_id"`
	Provider           string         `yaml:"provider"`
	ProviderModelID    string         `yaml:"provider_model_id"`
	Adapter            string         `yaml:"adapter"`
	BaseURL            string         `yaml:"base_url"`
	APIKeyRef          string         `yaml:"api_key_ref"` // env var name
	ExtraParams        map[string]any `yaml:"extra_params"`
	ContextWindow      *int           `yaml:"context_window"`
	SupportsToolCalls  bool           `yaml:"supports_tool_calling"`
	SupportsVision     bool           `yaml:"supports_vision"`
	SupportsInputCache bool           `yaml:"supports_input_cache"`
	PriceInput         float64        `yaml:"price_per_input_token"`
	PriceOutput        float64        `yaml:"price_per_output_token"`
	PricingMethod      string         `yaml:"pricing_method"`
	TokenizerName      string         `yaml:"tokenizer_name"`
}

// Variant converts the entry to its domain form.
func (m ModelEntry) Variant() gateway.ModelVariant {
	providerModelID := m.ProviderModelID
	if providerModelID == "" {
		providerModelID = m.ModelID
	}
	method := m.PricingMethod
	if method == "" {
		method = string(gateway.PricingStandard)
	}
	adapterKind := m.Adapter
	if adapterKind == "" {
		adapterKind = string(gateway.AdapterOpenAI)
	}
	return gateway.ModelVariant{
		ModelID:            m.ModelID,
		Provider:           m.Provider,
		ProviderModelID:    providerModelID,
		Adapter:            gateway.AdapterKind(adapterKind),
		BaseURL:            m.BaseURL,
		APIKeyRef:          m.APIKeyRef,
		ExtraParams:        m.ExtraParams,
		ContextWindow:      m.ContextWindow,
		SupportsToolCalls:  m.SupportsToolCalls,
		SupportsVision:     m.SupportsVision,
		SupportsInputCache: m.SupportsInputCache,
		PriceInput:         m.PriceInput,
		PriceOutput:        m.PriceOutput,
		PricingMethod:      gateway.PricingMethod(method),
		TokenizerName:      m.TokenizerName,
	}
}

// FamilyEntry seeds one family config.
type FamilyEntry struct {
	FamilyID             string       `yaml:"family_id"`
	Enabled              *bool        `yaml:"enabled"`
	EvaluationModelID    string       `yaml:"evaluation_model_id"`
	EvaluationProvider   string       `yaml:"evaluation_provider"`
	ScoreRanges          []RangeEntry `yaml:"score_ranges"`
	FallbackModel        string       `yaml:"fallback_model"`
	FallbackProvider     string       `yaml:"fallback_provider"`
	CacheDurationMinutes int          `yaml:"cache_duration_minutes"`
	EvaluationTimeoutMs  int          `yaml:"evaluation_timeout_ms"`
}

// RangeEntry is one score band of a family.
type RangeEntry struct {
	MinScore    int    `yaml:"min_score"`
	MaxScore    int    `yaml:"max_score"`
	TargetModel string `yaml:"target_model"`
	Reason      string `yaml:"reason"`
}

// Family converts the entry to its domain form.
func (f FamilyEntry) Family() gateway.FamilyConfig {
	ranges := make([]gateway.ScoreRange, len(f.ScoreRanges))
	for i, r := range f.ScoreRanges {
		ranges[i] = gateway.ScoreRange{
			MinScore:    r.MinScore,
			MaxScore:    r.MaxScore,
			TargetModel: r.TargetModel,
			Reason:      r.Reason,
		}
	}
	return gateway.FamilyConfig{
		FamilyID:             f.FamilyID,
		Enabled:              f.Enabled == nil || *f.Enabled,
		EvaluationModelID:    f.EvaluationModelID,
		EvaluationProvider:   f.EvaluationProvider,
		ScoreRanges:          ranges,
		FallbackModel:        f.FallbackModel,
		FallbackProvider:     f.FallbackProvider,
		CacheDurationMinutes: f.CacheDurationMinutes,
		EvaluationTimeoutMs:  f.EvaluationTimeoutMs,
	}
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name   string `yaml:"name"`
	Key    string `yaml:"key"` // plaintext, hashed on bootstrap
	UserID string `yaml:"user_id"`
}

// WalletEntry seeds an initial wallet balance.
type WalletEntry struct {
	UserID  string  `yaml:"user_id"`
	Balance float64 `yaml:"balance"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "arbiter.db",
		},
		Selector: SelectorConfig{
			DefaultRatio:  50,
			MetricsWindow: 10,
		},
		Accounting: AccountingConfig{
			Interval:  time.Minute,
			BatchSize: 100,
			TimeLimit: 30 * time.Second,
		},
		Catalog: CatalogConfig{
			TTL: 5 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
