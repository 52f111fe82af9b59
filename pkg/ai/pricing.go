package ai

import "strings"

// modelPricing holds USD cost per million tokens.
type modelPricing struct {
	inputPerMTok  float64
	outputPerMTok float64
}

// pricingTable maps model-name fragments to rates. Longest fragment
// wins so "gpt-4o-mini" is not priced as "gpt-4o". Unknown models
// cost zero; budget enforcement then falls back to token caps alone.
var pricingTable = map[string]modelPricing{
	"claude-opus":   {inputPerMTok: 15, outputPerMTok: 75},
	"claude-sonnet": {inputPerMTok: 3, outputPerMTok: 15},
	"claude-haiku":  {inputPerMTok: 0.8, outputPerMTok: 4},
	"gpt-4o-mini":   {inputPerMTok: 0.15, outputPerMTok: 0.6},
	"gpt-4o":        {inputPerMTok: 2.5, outputPerMTok: 10},
}

// EstimateCost returns the estimated USD cost of a completion.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	var best modelPricing
	bestLen := 0
	for fragment, rates := range pricingTable {
		if strings.Contains(model, fragment) && len(fragment) > bestLen {
			best = rates
			bestLen = len(fragment)
		}
	}
	if bestLen == 0 {
		return 0
	}
	return float64(promptTokens)/1e6*best.inputPerMTok +
		float64(completionTokens)/1e6*best.outputPerMTok
}
