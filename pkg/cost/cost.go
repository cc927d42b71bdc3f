// Package cost prices token usage per model.
package cost

import (
	"math"

	"github.com/forgis/factorybench/pkg/config"
)

// Rate is a USD price per 1000 tokens.
type Rate struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// defaultRates are the list prices of the registered hosted models.
var defaultRates = map[string]Rate{
	"azure:gpt-4o":             {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"azure:gpt-4o-mini":        {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"azure:gpt-5":              {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"azure:o3-2025-04-16":      {InputPer1K: 0.002, OutputPer1K: 0.008},
	"azure:o4-mini-2025-04-16": {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"azure:gpt-5-nano":         {InputPer1K: 0.00005, OutputPer1K: 0.0004},
	"openai:gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"openai:gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"openai:gpt-5":             {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"openai:gpt-5-nano":        {InputPer1K: 0.00005, OutputPer1K: 0.0004},
}

// Table maps model identifiers to rates. Unknown models are free.
type Table struct {
	rates map[string]Rate
}

// NewTable returns the default table with overrides applied on top.
func NewTable(overrides map[string]config.PriceConfig) *Table {
	rates := make(map[string]Rate, len(defaultRates)+len(overrides))

	for model, rate := range defaultRates {
		rates[model] = rate
	}

	for model, p := range overrides {
		rates[model] = Rate{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}

	return &Table{rates: rates}
}

// Rate returns the rate for model, zero when unknown.
func (t *Table) Rate(model string) Rate {
	return t.rates[model]
}

// Rates returns a copy of the table.
func (t *Table) Rates() map[string]Rate {
	out := make(map[string]Rate, len(t.rates))
	for k, v := range t.rates {
		out[k] = v
	}

	return out
}

// Breakdown is a cost split into input and output components.
type Breakdown struct {
	Input  float64
	Output float64
}

// Total returns the sum of input and output cost.
func (b Breakdown) Total() float64 {
	return b.Input + b.Output
}

// Cost prices a token count pair for model at full precision.
func (t *Table) Cost(model string, promptTokens, completionTokens int64) Breakdown {
	rate := t.Rate(model)

	return Breakdown{
		Input:  float64(promptTokens) / 1000 * rate.InputPer1K,
		Output: float64(completionTokens) / 1000 * rate.OutputPer1K,
	}
}

// Round6 rounds a USD amount to six decimal places for reporting.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
