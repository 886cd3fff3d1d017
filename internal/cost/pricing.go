package cost

import (
	"math"

	"github.com/tracewarden/tracewarden/internal/config"
)

// ModelPricing holds per-1000-token pricing for a single (provider, model).
type ModelPricing struct {
	InputPer1000  float64
	OutputPer1000 float64
	Currency      string
	LastUpdated   string
}

// Table is an immutable, config-sourced pricing lookup. It is built once at
// startup from config.PricingConfig and never mutated. A model absent from
// the table has no entry — Lookup reports that explicitly rather than
// returning a guessed price.
type Table struct {
	entries map[providerModel]ModelPricing
}

type providerModel struct {
	provider string
	model    string
}

// NewTable builds a Table from the loaded pricing configuration.
func NewTable(cfg config.PricingConfig) *Table {
	t := &Table{entries: make(map[providerModel]ModelPricing, len(cfg.Entries))}
	for _, e := range cfg.Entries {
		t.entries[providerModel{provider: e.Provider, model: e.Model}] = ModelPricing{
			InputPer1000:  e.InputPer1000,
			OutputPer1000: e.OutputPer1000,
			Currency:      e.Currency,
			LastUpdated:   e.LastUpdated,
		}
	}
	return t
}

// Lookup returns the pricing for (provider, model) and whether it was found.
func (t *Table) Lookup(provider, model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	p, ok := t.entries[providerModel{provider: provider, model: model}]
	return p, ok
}

// Cost is the computed USD (or other currency) cost of one exchange. A nil
// *Cost means pricing was unavailable — callers must propagate that as a
// null cost, never substitute zero or a guessed figure.
type Cost struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// Calculate computes cost for the given token counts, or returns nil if no
// pricing entry exists for provider/model.
func (t *Table) Calculate(provider, model string, inputTokens, outputTokens int64) *Cost {
	pricing, ok := t.Lookup(provider, model)
	if !ok {
		return nil
	}
	input := roundCost(float64(inputTokens) / 1000.0 * pricing.InputPer1000)
	output := roundCost(float64(outputTokens) / 1000.0 * pricing.OutputPer1000)
	return &Cost{
		Input:    input,
		Output:   output,
		Total:    roundCost(input + output),
		Currency: pricing.Currency,
	}
}

// roundCost rounds to 8 decimal places, far finer than any per-1000-token
// rate produces in practice, so it only ever clears binary floating-point
// noise and never the rate's own significant digits.
func roundCost(v float64) float64 {
	const p = 1e8
	return math.Round(v*p) / p
}
