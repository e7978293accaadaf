// Package credits implements usage accounting: the admission-control
// balance check, metered deduction against an append-only ledger, and
// running per-tool usage aggregates.
package credits

import "github.com/steward-ai/steward/pkg/llm"

// ModelRate prices one model in credits per 1,000 tokens.
type ModelRate struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// Pricing maps model names to rates. Models absent from the table are
// charged at the baseline rate rather than running free.
type Pricing struct {
	Models   map[string]ModelRate `yaml:"models"`
	Baseline ModelRate            `yaml:"baseline"`
}

// DefaultPricing returns a conservative table with a non-zero baseline.
func DefaultPricing() Pricing {
	return Pricing{
		Models:   map[string]ModelRate{},
		Baseline: ModelRate{PromptPer1K: 0.002, CompletionPer1K: 0.002},
	}
}

// Rate returns the rate for a model, falling back to the baseline.
func (p Pricing) Rate(model string) ModelRate {
	if r, ok := p.Models[model]; ok {
		return r
	}
	return p.Baseline
}

// Cost computes the credit cost of a model call:
// promptTokens/1000 * promptRate + completionTokens/1000 * completionRate.
func (p Pricing) Cost(model string, usage llm.TokenUsage) float64 {
	r := p.Rate(model)
	cost := float64(usage.PromptTokens) / 1000.0 * r.PromptPer1K
	cost += float64(usage.CompletionTokens) / 1000.0 * r.CompletionPer1K
	return cost
}
