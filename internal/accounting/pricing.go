// Package accounting settles completed requests: it tokenizes payloads,
// prices them under provider-specific cache rules, and writes wallet debits.
package accounting

import (
	"fmt"

	gateway "github.com/arbiterai/arbiter/internal"
)

// cacheMultipliers maps each pricing method to the discount multiplier
// applied to cached input tokens. Absent methods are not cache-priced.
var cacheMultipliers = map[gateway.PricingMethod]float64{
	gateway.PricingAnthropicCache: 0.10,
	gateway.PricingOpenAICache50:  0.50,
	gateway.PricingOpenAICache75:  0.75,
	gateway.PricingDeepseekCache:  0.10,
	gateway.PricingGoogleCache:    0.10,
	gateway.PricingGoogleImplicit: 0.10,
	gateway.PricingGoogleExplicit: 0.10,
	gateway.PricingBedrockCache:   0.10,
}

// CalculateCost prices a request in USD. Prices are per 1000 tokens.
//
// Cache methods charge cached tokens at the discounted rate on top of the
// full input-token charge (the input term deliberately counts all prompt
// tokens, cached included). A nil cachedTokens means the upstream reported
// no cache information and forces standard pricing regardless of method.
func CalculateCost(inputTokens, outputTokens int, cachedTokens *int, method gateway.PricingMethod, priceIn, priceOut float64) (float64, error) {
	outCost := float64(outputTokens) * priceOut / 1000

	if cachedTokens == nil || method == gateway.PricingStandard {
		return float64(inputTokens)*priceIn/1000 + outCost, nil
	}

	k, ok := cacheMultipliers[method]
	if !ok {
		return 0, fmt.Errorf("unknown pricing method %q", method)
	}
	inCost := (float64(*cachedTokens)*priceIn*k + float64(inputTokens)*priceIn) / 1000
	return inCost + outCost, nil
}
