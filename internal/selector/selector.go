// Package selector ranks candidate (provider, model) variants for one
// request using a 3-D vector score over price, throughput, and latency,
// with a cache-affinity boost.
package selector

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/catalog"
	"github.com/arbiterai/arbiter/internal/storage"
)

// Defaults for selection options.
const (
	DefaultRatioSP       = 50
	DefaultMetricsWindow = 10

	imageTokenEstimate = 1000
	defaultOutputGuess = 1000
)

// Options tunes one selection call.
type Options struct {
	// RatioSP balances price against speed: 0 is pure economy, 100 is pure
	// performance. Values outside 0..100 are replaced by DefaultRatioSP;
	// the zero value selects pure economy.
	RatioSP int
	// MetricsWindow is how many recent samples feed the medians.
	MetricsWindow int
	// Providers restricts candidates to the named upstreams. Nil allows all.
	Providers []string
}

func (o Options) withDefaults() Options {
	if o.RatioSP < 0 || o.RatioSP > 100 {
		o.RatioSP = DefaultRatioSP
	}
	if o.MetricsWindow <= 0 {
		o.MetricsWindow = DefaultMetricsWindow
	}
	return o
}

// Candidate is one variant surviving the capability filter, scored and
// ordered for execution.
type Candidate struct {
	Variant       *gateway.ModelVariant
	Score         float64
	CacheAffinity bool
	TotalPrice    float64 // estimated request cost in USD
}

// NoCandidatesError reports why every close match was eliminated.
type NoCandidatesError struct {
	ModelID string
	Reasons []string
}

// Error lists the eliminated variants and the filter that removed each.
func (e *NoCandidatesError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no providers found for model %q", e.ModelID)
	}
	return fmt.Sprintf("no eligible providers for model %q: %s", e.ModelID, strings.Join(e.Reasons, "; "))
}

// Unwrap makes the error match gateway.ErrNoCandidates.
func (e *NoCandidatesError) Unwrap() error { return gateway.ErrNoCandidates }

// Selector filters and ranks variants for requests.
type Selector struct {
	catalog *catalog.Catalog
	metrics storage.MetricsReader
}

// New returns a Selector reading variants from cat and medians from metrics.
func New(cat *catalog.Catalog, metrics storage.MetricsReader) *Selector {
	return &Selector{catalog: cat, metrics: metrics}
}

// Select returns the ordered candidate list for a request. The order is
// total: the orchestrator attempts candidates strictly in this order.
func (s *Selector) Select(ctx context.Context, req *gateway.ChatRequest, userID string, opts Options) ([]Candidate, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", gateway.ErrBadRequest)
	}
	opts = opts.withDefaults()
	if len(opts.Providers) == 0 && len(req.Provider) > 0 {
		opts.Providers = req.Provider
	}

	variants, err := s.catalog.VariantsForModelID(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	needTools := len(req.Tools) > 0
	needVision := hasImageContent(req.Messages)
	estTokens := EstimateTokens(req)

	// Capability filter, collecting a per-variant elimination reason for
	// the NoCandidates diagnostic.
	var survivors []*gateway.ModelVariant
	var reasons []string
	for _, v := range variants {
		switch {
		case len(opts.Providers) > 0 && !slices.Contains(opts.Providers, v.Provider):
			reasons = append(reasons, v.Provider+": not in requested providers")
		case needTools && !v.SupportsToolCalls:
			reasons = append(reasons, v.Provider+": no tool calling")
		case needVision && !v.SupportsVision:
			reasons = append(reasons, v.Provider+": no vision support")
		case v.ContextWindow != nil && estTokens > *v.ContextWindow:
			reasons = append(reasons, fmt.Sprintf("%s: context window %d below estimated %d tokens",
				v.Provider, *v.ContextWindow, estTokens))
		default:
			survivors = append(survivors, v)
		}
	}
	if len(survivors) == 0 {
		return nil, &NoCandidatesError{ModelID: req.Model, Reasons: reasons}
	}

	providers := make([]string, 0, len(survivors))
	for _, v := range survivors {
		if !slices.Contains(providers, v.Provider) {
			providers = append(providers, v.Provider)
		}
	}

	metrics, err := s.metrics.ProviderMetricsBatch(ctx, req.Model, providers, opts.MetricsWindow)
	if err != nil {
		return nil, fmt.Errorf("read provider metrics: %w", err)
	}
	affinity, err := s.cacheAffinity(ctx, userID, req.Model, providers, survivors)
	if err != nil {
		return nil, fmt.Errorf("read cache history: %w", err)
	}

	candidates := score(req, survivors, metrics, affinity, estTokens, opts.RatioSP)

	// Cache affinity is a strict tie-breaker above the vector score; within
	// each group the score orders, with provider name as the final
	// deterministic tie-break.
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		if a.CacheAffinity != b.CacheAffinity {
			if a.CacheAffinity {
				return -1
			}
			return 1
		}
		if a.Score != b.Score {
			if a.Score < b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Variant.Provider, b.Variant.Provider)
	})
	return candidates, nil
}

// cacheAffinity decides, per variant key, whether the user is expected to
// hit the upstream prompt cache. With no prior history anywhere, every
// cache-capable candidate is treated as potentially cacheable. When no
// candidate supports caching the history read is skipped entirely.
func (s *Selector) cacheAffinity(ctx context.Context, userID, modelID string, providers []string, survivors []*gateway.ModelVariant) (map[gateway.VariantKey]bool, error) {
	anyCache := false
	for _, v := range survivors {
		if v.SupportsInputCache {
			anyCache = true
			break
		}
	}
	if !anyCache || userID == "" {
		return nil, nil
	}

	history, err := s.metrics.UserCacheHistoryBatch(ctx, userID, modelID, providers)
	if err != nil {
		return nil, err
	}
	anyHistory := false
	for _, hit := range history {
		if hit {
			anyHistory = true
			break
		}
	}

	out := make(map[gateway.VariantKey]bool, len(survivors))
	for _, v := range survivors {
		if !v.SupportsInputCache {
			continue
		}
		out[v.Key()] = !anyHistory || history[v.Key()]
	}
	return out, nil
}

// score computes the 3-D distance score for each survivor. Normalization
// bounds come from the surviving set only.
func score(req *gateway.ChatRequest, survivors []*gateway.ModelVariant, metrics map[gateway.VariantKey]gateway.ProviderMetric, affinity map[gateway.VariantKey]bool, estTokens, ratioSP int) []Candidate {
	outGuess := defaultOutputGuess
	if req.MaxTokens != nil {
		outGuess = *req.MaxTokens
	}

	prices := make([]float64, len(survivors))
	var minPrice, maxPrice float64
	var minT, maxT, minL, maxL float64
	var haveT, haveL bool
	for i, v := range survivors {
		prices[i] = (float64(estTokens)*v.PriceInput + float64(outGuess)*v.PriceOutput) / 1000
		if i == 0 || prices[i] < minPrice {
			minPrice = prices[i]
		}
		if i == 0 || prices[i] > maxPrice {
			maxPrice = prices[i]
		}
		m := metrics[v.Key()]
		if m.ThroughputMedian != nil {
			t := *m.ThroughputMedian
			if !haveT || t < minT {
				minT = t
			}
			if !haveT || t > maxT {
				maxT = t
			}
			haveT = true
		}
		if m.LatencyMedian != nil {
			l := *m.LatencyMedian
			if !haveL || l < minL {
				minL = l
			}
			if !haveL || l > maxL {
				maxL = l
			}
			haveL = true
		}
	}

	r := float64(ratioSP) / 100
	pStar, tStar, lStar := 1-r, r, r

	out := make([]Candidate, len(survivors))
	for i, v := range survivors {
		// Price is oriented as cheapness so that economy (ratio 0, optimal
		// point (1,0,0)) pulls toward the cheapest variant.
		pNorm := 1 - normalize(prices[i], minPrice, maxPrice, 1)
		m := metrics[v.Key()]

		tNorm := 0.5
		if m.ThroughputMedian != nil {
			tNorm = normalize(*m.ThroughputMedian, minT, maxT, 0.5)
		}
		lNorm := 0.5
		if m.LatencyMedian != nil {
			lNorm = 1 - normalize(*m.LatencyMedian, minL, maxL, 0.5)
		}

		d := math.Sqrt((pNorm-pStar)*(pNorm-pStar) + (tNorm-tStar)*(tNorm-tStar) + (lNorm-lStar)*(lNorm-lStar))
		hasAffinity := affinity[v.Key()]
		if hasAffinity {
			d *= 0.5
		}
		out[i] = Candidate{
			Variant:       v,
			Score:         d,
			CacheAffinity: hasAffinity,
			TotalPrice:    prices[i],
		}
	}
	return out
}

// normalize maps v into [0,1] over [lo,hi], returning degenerate when the
// bounds collapse.
func normalize(v, lo, hi, degenerate float64) float64 {
	if hi <= lo {
		return degenerate
	}
	return (v - lo) / (hi - lo)
}

// EstimateTokens approximates the total token demand of a request: ~4
// characters per token of text, a fixed estimate per image, plus the
// requested completion budget.
func EstimateTokens(req *gateway.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		for _, p := range gateway.DecodeContent(m.Content) {
			switch p.Type {
			case "text":
				total += (len(p.Text) + 3) / 4
			case "image_url":
				total += imageTokenEstimate
			}
		}
		if len(m.ToolCalls) > 0 {
			total += (len(m.ToolCalls) + 3) / 4
		}
	}
	if req.MaxTokens != nil {
		total += *req.MaxTokens
	}
	return total
}

// hasImageContent reports whether any message carries an image part.
func hasImageContent(messages []gateway.Message) bool {
	for _, m := range messages {
		for _, p := range gateway.DecodeContent(m.Content) {
			if p.Type == "image_url" {
				return true
			}
		}
	}
	return false
}
