package billing

import (
	"math"

	"github.com/opencode-zen/zen/internal/catalog"
)

// longContextThreshold is the input token total above which the discounted
// long-context price tier applies, when the model defines one.
const longContextThreshold = 200_000

// SelectPrice picks the price tier for a usage record. The cost-200k tier
// applies when the model defines it and the input-side token total exceeds
// the long-context threshold.
func SelectPrice(model *catalog.Model, usage TokenUsage) catalog.Price {
	if model == nil {
		return catalog.Price{}
	}
	if model.Cost200K != nil && usage.TotalInputTokens() > longContextThreshold {
		return *model.Cost200K
	}
	return model.Cost
}

// ComputeCost computes the request cost in micro-cents.
//
// Prices are display dollars per million tokens, so price*tokens*100 yields
// micro-cents. Reasoning tokens bill at the output rate; cache costs apply
// only when the matching token count is present. The sum rounds to the
// nearest integer micro-cent.
func ComputeCost(price catalog.Price, usage TokenUsage) int64 {
	total := price.Input * float64(usage.InputTokens) * 100
	total += price.Output * float64(usage.OutputTokens) * 100
	if usage.ReasoningTokens > 0 {
		total += price.Output * float64(usage.ReasoningTokens) * 100
	}
	if usage.CacheReadTokens > 0 && price.CacheRead > 0 {
		total += price.CacheRead * float64(usage.CacheReadTokens) * 100
	}
	if usage.CacheWrite5mTokens > 0 && price.CacheWrite5m > 0 {
		total += price.CacheWrite5m * float64(usage.CacheWrite5mTokens) * 100
	}
	if usage.CacheWrite1hTokens > 0 && price.CacheWrite1h > 0 {
		total += price.CacheWrite1h * float64(usage.CacheWrite1hTokens) * 100
	}
	return int64(math.Round(total))
}
