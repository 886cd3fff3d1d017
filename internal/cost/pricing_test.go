package cost

import (
	"math"
	"testing"

	"github.com/tracewarden/tracewarden/internal/config"
)

func testTable() *Table {
	return NewTable(config.PricingConfig{Entries: []config.PricingEntry{
		{Provider: "anthropic", Model: "claude-3-5-sonnet", InputPer1000: 0.003, OutputPer1000: 0.015, Currency: "USD"},
		{Provider: "openai", Model: "gpt-4o", InputPer1000: 0.0025, OutputPer1000: 0.01, Currency: "USD"},
	}})
}

func TestLookup_KnownModel(t *testing.T) {
	tbl := testTable()
	p, ok := tbl.Lookup("anthropic", "claude-3-5-sonnet")
	if !ok {
		t.Fatal("expected pricing entry to be found")
	}
	if p.InputPer1000 != 0.003 || p.OutputPer1000 != 0.015 {
		t.Errorf("pricing = %+v, want input 0.003 output 0.015", p)
	}
}

func TestLookup_UnknownModelNotFound(t *testing.T) {
	tbl := testTable()
	_, ok := tbl.Lookup("anthropic", "totally-unknown-model-xyz")
	if ok {
		t.Error("expected unknown model to be absent from the table, not silently priced")
	}
}

func TestCalculate_UnknownModelReturnsNilCost(t *testing.T) {
	tbl := testTable()
	cost := tbl.Calculate("anthropic", "no-such-model", 1000, 500)
	if cost != nil {
		t.Errorf("Calculate() for unknown model = %+v, want nil", cost)
	}
}

func TestCalculate_ExactScenario(t *testing.T) {
	// 10 input / 5 output tokens at $0.003/$0.015 per 1000 tokens.
	tbl := testTable()
	cost := tbl.Calculate("anthropic", "claude-3-5-sonnet", 10, 5)
	if cost == nil {
		t.Fatal("Calculate() returned nil, want a cost")
	}
	wantInput := 0.00003
	wantOutput := 0.000075
	wantTotal := 0.000105
	if math.Abs(cost.Input-wantInput) > 1e-9 {
		t.Errorf("Input = %v, want %v", cost.Input, wantInput)
	}
	if math.Abs(cost.Output-wantOutput) > 1e-9 {
		t.Errorf("Output = %v, want %v", cost.Output, wantOutput)
	}
	if math.Abs(cost.Total-wantTotal) > 1e-9 {
		t.Errorf("Total = %v, want %v", cost.Total, wantTotal)
	}
	if cost.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", cost.Currency)
	}
}

func TestCalculate_ZeroTokens(t *testing.T) {
	tbl := testTable()
	cost := tbl.Calculate("openai", "gpt-4o", 0, 0)
	if cost == nil {
		t.Fatal("Calculate() with zero tokens should still return a cost, not nil")
	}
	if cost.Total != 0 {
		t.Errorf("Total = %v, want 0", cost.Total)
	}
}
