package pricing

import "testing"

func TestLoad_BasicRates(t *testing.T) {
	tbl, err := Load([]Entry{{Model: "gpt-4o-mini", InputPerToken: 0.00000015, OutputPerToken: 0.0000006}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, ok := tbl.Lookup("gpt-4o-mini")
	if !ok {
		t.Fatal("expected model to be priced")
	}
	// 0.00000015 USD is 0.15 micros and 0.0000006 USD is 0.6 micros; rates
	// are whole micros per token, so they round to 0 and 1.
	if r.InputPerToken != 0 {
		t.Errorf("expected 0 micros/token input, got %d", r.InputPerToken)
	}
	if r.OutputPerToken != 1 {
		t.Errorf("expected 1 micro/token output, got %d", r.OutputPerToken)
	}
}

func TestLoad_RejectsNegative(t *testing.T) {
	if _, err := Load([]Entry{{Model: "bad", InputPerToken: -1}}); err == nil {
		t.Fatal("expected error for negative rate")
	}
}

func TestLoad_Tiers(t *testing.T) {
	tbl, err := Load([]Entry{{
		Model: "big-model", InputPerToken: 0.000001, OutputPerToken: 0.000002,
		Tiers: map[string]float64{"input_cost_per_token_above_128k_tokens": 0.000002},
	}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, _ := tbl.Lookup("big-model")
	if len(r.Tiers) != 1 || r.Tiers[0].ThresholdTokens != 128000 {
		t.Fatalf("expected one tier at 128000 tokens, got %+v", r.Tiers)
	}
}

func TestSelectTier(t *testing.T) {
	tiers := []Tier{{Base: "input_cost_per_token", ThresholdTokens: 128000, USDMicros: 2}}
	if got := SelectTier("input_cost_per_token", tiers, 1, 100); got != 1 {
		t.Errorf("below threshold should use base rate, got %d", got)
	}
	if got := SelectTier("input_cost_per_token", tiers, 1, 200000); got != 2 {
		t.Errorf("above threshold should use tiered rate, got %d", got)
	}
	if got := SelectTier("input_cost_per_token", tiers, 1, 128000); got != 1 {
		t.Errorf("exactly at threshold should NOT apply the tier (strictly less than), got %d", got)
	}
}

func TestCost_MonotoneInTokens(t *testing.T) {
	r := Rates{InputPerToken: 10, OutputPerToken: 20}
	c1 := Cost(r, Usage{InputTokens: 100, OutputTokens: 100})
	c2 := Cost(r, Usage{InputTokens: 200, OutputTokens: 100})
	if c2 < c1 {
		t.Fatalf("cost should be monotone non-decreasing in input tokens: %d -> %d", c1, c2)
	}
}

func TestCost_SaturatesOnOverflow(t *testing.T) {
	r := Rates{InputPerToken: ^uint64(0)}
	c := Cost(r, Usage{InputTokens: 2})
	if c != ^uint64(0) {
		t.Fatalf("expected saturated max uint64, got %d", c)
	}
}
