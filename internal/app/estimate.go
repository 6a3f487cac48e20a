package app

import (
	"context"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/selector"
)

// Estimate is a cost projection for a request without executing it.
type Estimate struct {
	EstimatedCost float64               `json:"estimated_cost"`
	Currency      string                `json:"currency"`
	Provider      string                `json:"provider"`
	Model         string                `json:"model"`
	Alternatives  []EstimateAlternative `json:"alternatives"`
}

// EstimateAlternative is one non-head candidate with its projected cost.
type EstimateAlternative struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// EstimateCost runs selection for the request and projects the cost of the
// chosen candidate plus the alternatives, without touching any upstream.
func (o *Orchestrator) EstimateCost(ctx context.Context, req *gateway.ChatRequest, opts selector.Options) (*Estimate, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	userID := ""
	if id := gateway.IdentityFromContext(ctx); id != nil {
		userID = id.UserID
	}
	candidates, err := o.selector.Select(ctx, req, userID, opts)
	if err != nil {
		return nil, err
	}

	head := candidates[0]
	est := &Estimate{
		EstimatedCost: head.TotalPrice,
		Currency:      "USD",
		Provider:      head.Variant.Provider,
		Model:         head.Variant.ModelID,
		Alternatives:  make([]EstimateAlternative, 0, len(candidates)-1),
	}
	for _, c := range candidates[1:] {
		est.Alternatives = append(est.Alternatives, EstimateAlternative{
			Provider:      c.Variant.Provider,
			Model:         c.Variant.ModelID,
			EstimatedCost: c.TotalPrice,
		})
	}
	return est, nil
}
