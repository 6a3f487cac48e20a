package sqlite

import (
	"context"
	"slices"
	"strings"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
)

// cacheHistoryWindow bounds how far back cache-affinity lookups go.
const cacheHistoryWindow = 30 * 24 * time.Hour

// ProviderMetricsBatch returns throughput/latency medians over the most
// recent window rows per provider for one model. Every requested provider
// is present in the result; providers with no samples carry nil medians.
func (s *Store) ProviderMetricsBatch(ctx context.Context, modelID string, providers []string, window int) (map[gateway.VariantKey]gateway.ProviderMetric, error) {
	out := make(map[gateway.VariantKey]gateway.ProviderMetric, len(providers))
	for _, p := range providers {
		out[gateway.VariantKey{Provider: p, ModelID: modelID}] = gateway.ProviderMetric{}
	}
	if len(providers) == 0 {
		return out, nil
	}

	// ROW_NUMBER keeps only the most recent `window` samples per provider;
	// medians are computed here rather than in SQL.
	query := `SELECT provider, throughput, ttfc FROM (
		SELECT r.provider AS provider,
		       m.throughput_tokens_per_s AS throughput,
		       m.time_to_first_chunk_ms AS ttfc,
		       ROW_NUMBER() OVER (PARTITION BY r.provider ORDER BY r.created_at DESC) AS rn
		FROM metrics m
		JOIN requests r ON r.request_id = m.request_id
		WHERE r.model_id = ? AND r.status != 'error' AND m.is_metrics_calculated = 1
		  AND r.provider IN (` + placeholderList(len(providers)) + `)
	) WHERE rn <= ?`

	args := make([]any, 0, len(providers)+2)
	args = append(args, modelID)
	for _, p := range providers {
		args = append(args, p)
	}
	args = append(args, window)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type samples struct {
		throughput []float64
		latency    []float64
	}
	byProvider := make(map[string]*samples)
	for rows.Next() {
		var (
			provider   string
			throughput *float64
			ttfc       *int64
		)
		if err := rows.Scan(&provider, &throughput, &ttfc); err != nil {
			return nil, err
		}
		sm, ok := byProvider[provider]
		if !ok {
			sm = &samples{}
			byProvider[provider] = sm
		}
		if throughput != nil {
			sm.throughput = append(sm.throughput, *throughput)
		}
		if ttfc != nil {
			sm.latency = append(sm.latency, float64(*ttfc))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for provider, sm := range byProvider {
		key := gateway.VariantKey{Provider: provider, ModelID: modelID}
		out[key] = gateway.ProviderMetric{
			ThroughputMedian: median(sm.throughput),
			LatencyMedian:    median(sm.latency),
			SampleCount:      max(len(sm.throughput), len(sm.latency)),
		}
	}
	return out, nil
}

// UserCacheHistoryBatch reports, per provider, whether the user has a
// recent request for this model with cached_tokens > 0.
func (s *Store) UserCacheHistoryBatch(ctx context.Context, userID, modelID string, providers []string) (map[gateway.VariantKey]bool, error) {
	out := make(map[gateway.VariantKey]bool, len(providers))
	for _, p := range providers {
		out[gateway.VariantKey{Provider: p, ModelID: modelID}] = false
	}
	if len(providers) == 0 {
		return out, nil
	}

	query := `SELECT DISTINCT provider FROM requests
		WHERE user_id = ? AND model_id = ? AND cached_tokens > 0 AND created_at >= ?
		  AND provider IN (` + placeholderList(len(providers)) + `)`

	args := make([]any, 0, len(providers)+3)
	args = append(args, userID, modelID,
		time.Now().UTC().Add(-cacheHistoryWindow).Format(time.RFC3339Nano))
	for _, p := range providers {
		args = append(args, p)
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, err
		}
		out[gateway.VariantKey{Provider: provider, ModelID: modelID}] = true
	}
	return out, rows.Err()
}

func placeholderList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// median returns the median of vals, or nil for an empty slice.
func median(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	var m float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		m = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		m = sorted[mid]
	}
	return &m
}
