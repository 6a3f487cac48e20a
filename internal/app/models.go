package app

import (
	"context"
	"slices"
	"strings"
)

// AggregatedModel is one deduplicated model_id with its variants folded
// together: widest context window, OR of capabilities, and the provider list.
type AggregatedModel struct {
	ModelID           string
	ContextWindow     *int
	SupportsToolCalls bool
	SupportsVision    bool
	SupportsCache     bool
	Providers         []string
}

// AggregatedModels returns the catalog deduplicated by model_id, sorted by id.
func (o *Orchestrator) AggregatedModels(ctx context.Context) ([]AggregatedModel, error) {
	variants, err := o.catalog.AllVariants(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*AggregatedModel)
	for _, v := range variants {
		agg, ok := byID[v.ModelID]
		if !ok {
			agg = &AggregatedModel{ModelID: v.ModelID}
			byID[v.ModelID] = agg
		}
		if v.ContextWindow != nil && (agg.ContextWindow == nil || *v.ContextWindow > *agg.ContextWindow) {
			w := *v.ContextWindow
			agg.ContextWindow = &w
		}
		agg.SupportsToolCalls = agg.SupportsToolCalls || v.SupportsToolCalls
		agg.SupportsVision = agg.SupportsVision || v.SupportsVision
		agg.SupportsCache = agg.SupportsCache || v.SupportsInputCache
		if !slices.Contains(agg.Providers, v.Provider) {
			agg.Providers = append(agg.Providers, v.Provider)
		}
	}

	out := make([]AggregatedModel, 0, len(byID))
	for _, agg := range byID {
		slices.Sort(agg.Providers)
		out = append(out, *agg)
	}
	slices.SortFunc(out, func(a, b AggregatedModel) int {
		return strings.Compare(a.ModelID, b.ModelID)
	})
	return out, nil
}
