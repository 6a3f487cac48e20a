package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	gateway "github.com/arbiterai/arbiter/internal"
)

const variantCols = `model_id, provider, provider_model_id, adapter, base_url, api_key_ref,
	extra_params, context_window, supports_tool_calling, supports_vision, supports_input_cache,
	price_input, price_output, pricing_method, tokenizer_name`

// ListVariants returns every configured model variant.
func (s *Store) ListVariants(ctx context.Context) ([]*gateway.ModelVariant, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT `+variantCols+` FROM models`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ModelVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVariant(rows *sql.Rows) (*gateway.ModelVariant, error) {
	var (
		v          gateway.ModelVariant
		extra      sql.NullString
		ctxWindow  sql.NullInt64
		tools      int
		vision     int
		inputCache int
	)
	err := rows.Scan(
		&v.ModelID, &v.Provider, &v.ProviderModelID, &v.Adapter, &v.BaseURL, &v.APIKeyRef,
		&extra, &ctxWindow, &tools, &vision, &inputCache,
		&v.PriceInput, &v.PriceOutput, &v.PricingMethod, &v.TokenizerName,
	)
	if err != nil {
		return nil, err
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &v.ExtraParams); err != nil {
			return nil, fmt.Errorf("parse extra_params for %s/%s: %w", v.Provider, v.ModelID, err)
		}
	}
	if ctxWindow.Valid {
		w := int(ctxWindow.Int64)
		v.ContextWindow = &w
	}
	v.SupportsToolCalls = tools != 0
	v.SupportsVision = vision != 0
	v.SupportsInputCache = inputCache != 0
	return &v, nil
}

// UpsertVariants inserts or replaces model variants in a single statement.
func (s *Store) UpsertVariants(ctx context.Context, variants []gateway.ModelVariant) error {
	if len(variants) == 0 {
		return nil
	}

	const cols = 15
	placeholders := make([]string, len(variants))
	args := make([]any, 0, len(variants)*cols)

	for i, v := range variants {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		var extra any
		if v.ExtraParams != nil {
			data, err := json.Marshal(v.ExtraParams)
			if err != nil {
				return fmt.Errorf("marshal extra_params for %s/%s: %w", v.Provider, v.ModelID, err)
			}
			extra = string(data)
		}
		var ctxWindow any
		if v.ContextWindow != nil {
			ctxWindow = *v.ContextWindow
		}
		args = append(args,
			v.ModelID, v.Provider, v.ProviderModelID, string(v.Adapter), v.BaseURL, v.APIKeyRef,
			extra, ctxWindow,
			boolToInt(v.SupportsToolCalls), boolToInt(v.SupportsVision), boolToInt(v.SupportsInputCache),
			v.PriceInput, v.PriceOutput, string(v.PricingMethod), v.TokenizerName,
		)
	}

	query := `INSERT OR REPLACE INTO models (` + variantCols + `) VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListFamilies returns every configured family.
func (s *Store) ListFamilies(ctx context.Context) ([]*gateway.FamilyConfig, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT family_id, enabled, evaluation_model_id,
		evaluation_provider, score_ranges, fallback_model, fallback_provider,
		cache_duration_minutes, evaluation_timeout_ms FROM family`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.FamilyConfig
	for rows.Next() {
		var (
			f       gateway.FamilyConfig
			enabled int
			ranges  string
		)
		if err := rows.Scan(&f.FamilyID, &enabled, &f.EvaluationModelID, &f.EvaluationProvider,
			&ranges, &f.FallbackModel, &f.FallbackProvider,
			&f.CacheDurationMinutes, &f.EvaluationTimeoutMs); err != nil {
			return nil, err
		}
		f.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(ranges), &f.ScoreRanges); err != nil {
			return nil, fmt.Errorf("parse score_ranges for %s: %w", f.FamilyID, err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// UpsertFamilies inserts or replaces family configs.
func (s *Store) UpsertFamilies(ctx context.Context, families []gateway.FamilyConfig) error {
	if len(families) == 0 {
		return nil
	}

	placeholders := make([]string, len(families))
	args := make([]any, 0, len(families)*9)
	for i, f := range families {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		ranges, err := json.Marshal(f.ScoreRanges)
		if err != nil {
			return fmt.Errorf("marshal score_ranges for %s: %w", f.FamilyID, err)
		}
		args = append(args,
			f.FamilyID, boolToInt(f.Enabled), f.EvaluationModelID, f.EvaluationProvider,
			string(ranges), f.FallbackModel, f.FallbackProvider,
			f.CacheDurationMinutes, f.EvaluationTimeoutMs,
		)
	}

	query := `INSERT OR REPLACE INTO family (family_id, enabled, evaluation_model_id,
		evaluation_provider, score_ranges, fallback_model, fallback_provider,
		cache_duration_minutes, evaluation_timeout_ms) VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}
