// Package llm provides chat-completion skills over the Anthropic, OpenAI,
// and Google Gemini SDKs.
//
// LLM calls are inherently non-deterministic, so these skills are the
// prime customers of trace replay: the first run records their outputs
// and attributed cost, and replayed runs never reach the network. Inside
// a guarded scope every skill here asks the guard before dialing; the
// guard blocks the call unless the API host was allowed explicitly.
//
// Common input contract:
//   - prompt: user prompt text (required)
//   - model: model name override (optional)
//
// Common output:
//   - text: the completion
//   - model: model actually used
//   - input_tokens, output_tokens: usage as reported by the provider
//
// Cost is attributed in integer cents from the static pricing table,
// rounded up so fractional token costs are never under-reported.
package llm

import "math"

// ModelPricing is the USD price per one million tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Pricing for the supported models, USD per 1M tokens (as of 2025-01-01).
// Update as providers adjust pricing.
var modelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// CostCents computes the attributable cost of one completion in integer
// cents, rounded up. Unknown models cost zero; the trace still records
// token usage so the gap is visible.
func CostCents(model string, inputTokens, outputTokens int64) int64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	usd := float64(inputTokens)/1e6*pricing.InputPer1M + float64(outputTokens)/1e6*pricing.OutputPer1M
	return int64(math.Ceil(usd * 100))
}

// KnownModel reports whether the pricing table covers the model.
func KnownModel(model string) bool {
	_, ok := modelPricing[model]
	return ok
}
