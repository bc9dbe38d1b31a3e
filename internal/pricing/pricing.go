// Package pricing maps (backend, model, token counts) to monetary cost and
// provides the fallback token-count heuristic used when a backend does not
// report exact usage.
package pricing

import "github.com/parleyhq/completion-gateway/internal/backends"

// ModelPricing holds USD prices per 1000 tokens.
type ModelPricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// defaultPricing is keyed by "<backend>/<model>". Unknown pairs price at zero.
var defaultPricing = map[string]ModelPricing{
	"openai/gpt-4o":                        {PromptPer1K: 0.005, CompletionPer1K: 0.015},
	"openai/gpt-4o-mini":                   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"openai/gpt-4.1":                       {PromptPer1K: 0.002, CompletionPer1K: 0.008},
	"openai/o3-mini":                       {PromptPer1K: 0.0011, CompletionPer1K: 0.0044},
	"openai/gpt-3.5-turbo":                 {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	"anthropic/claude-3-5-sonnet-20241022": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"anthropic/claude-3-5-haiku-20241022":  {PromptPer1K: 0.001, CompletionPer1K: 0.005},
	"anthropic/claude-sonnet-4":            {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"anthropic/claude-opus-4":              {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"gemini/gemini-2.0-flash":              {PromptPer1K: 0.0001, CompletionPer1K: 0.0004},
	"gemini/gemini-2.5-pro":                {PromptPer1K: 0.00125, CompletionPer1K: 0.01},
	"groq/llama-3.3-70b-versatile":         {PromptPer1K: 0.00059, CompletionPer1K: 0.00079},
	"xai/grok-3-mini":                      {PromptPer1K: 0.0003, CompletionPer1K: 0.0005},
	"deepseek/deepseek-chat":               {PromptPer1K: 0.00027, CompletionPer1K: 0.0011},
}

// Table resolves costs against a static price table.
type Table struct {
	prices map[string]ModelPricing
}

// NewTable returns a Table loaded with the built-in price list.
func NewTable() *Table {
	return &Table{prices: defaultPricing}
}

// SetPricing overrides or adds the price entry for one (backend, model) pair.
func (t *Table) SetPricing(backend, model string, p ModelPricing) {
	t.prices[backend+"/"+model] = p
}

// EstimateCost returns the USD cost for the given token counts.
// Pure and deterministic; unknown (backend, model) pairs cost zero.
func (t *Table) EstimateCost(backend, model string, promptTokens, completionTokens int) float64 {
	p, ok := t.prices[backend+"/"+model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p.PromptPer1K +
		float64(completionTokens)/1000*p.CompletionPer1K
}

// EstimateTokens approximates prompt and completion token counts from text
// length: ceil(chars/4). Monotonically increasing in input length, never
// negative. A placeholder heuristic — callers must prefer backend-reported
// counts whenever available.
func EstimateTokens(turns []backends.ChatTurn, responseText string) (promptTokens, completionTokens int) {
	var promptChars int
	for _, t := range turns {
		promptChars += len(t.Content)
	}
	return ceilDiv4(promptChars), ceilDiv4(len(responseText))
}

// SplitEstimate divides a backend-reported total that lacks a prompt/
// completion breakdown using the 40%/60% placeholder split.
func SplitEstimate(totalTokens int) (promptTokens, completionTokens int) {
	if totalTokens <= 0 {
		return 0, 0
	}
	promptTokens = totalTokens * 40 / 100
	return promptTokens, totalTokens - promptTokens
}

func ceilDiv4(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
