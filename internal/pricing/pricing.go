// Package pricing converts LiteLLM-style per-token USD pricing into integer
// USD-micros-per-token and computes request cost, including tiered
// thresholds ("<base>_above_<N>[k]_tokens").
package pricing

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Rates holds integer USD-micros-per-token for one model.
type Rates struct {
	InputPerToken         uint64
	OutputPerToken        uint64
	CacheReadPerToken     uint64
	CacheCreationPerToken uint64
	Tiers                 []Tier // sorted ascending by ThresholdTokens
}

// Tier is one (threshold, rate) row for a tiered model, e.g.
// "input_cost_per_token_above_128k_tokens".
type Tier struct {
	Base            string // "input_cost_per_token" | "output_cost_per_token" | ...
	ThresholdTokens uint64
	USDMicros       uint64
}

// Table maps model name to its Rates.
type Table struct {
	rates map[string]Rates
}

var tierPattern = regexp.MustCompile(`^(.+)_above_(\d+)(k)?_tokens$`)

// Entry mirrors one LiteLLM JSON object, already decoded into floats.
type Entry struct {
	Model                 string
	InputPerToken         float64
	OutputPerToken        float64
	CacheReadPerToken     *float64
	CacheCreationPerToken *float64
	// Tiers holds raw keys like "input_cost_per_token_above_128k_tokens" -> rate.
	Tiers map[string]float64
}

// Load builds a Table from a set of pricing entries. Non-finite or negative
// rates are rejected.
func Load(entries []Entry) (*Table, error) {
	t := &Table{rates: make(map[string]Rates, len(entries))}
	for _, e := range entries {
		r, err := buildRates(e)
		if err != nil {
			return nil, fmt.Errorf("pricing: model %s: %w", e.Model, err)
		}
		t.rates[e.Model] = r
	}
	return t, nil
}

func buildRates(e Entry) (Rates, error) {
	in, err := toMicros(e.InputPerToken)
	if err != nil {
		return Rates{}, fmt.Errorf("input_cost_per_token: %w", err)
	}
	out, err := toMicros(e.OutputPerToken)
	if err != nil {
		return Rates{}, fmt.Errorf("output_cost_per_token: %w", err)
	}
	r := Rates{InputPerToken: in, OutputPerToken: out}

	if e.CacheReadPerToken != nil {
		v, err := toMicros(*e.CacheReadPerToken)
		if err != nil {
			return Rates{}, fmt.Errorf("cache_read_input_token_cost: %w", err)
		}
		r.CacheReadPerToken = v
	}
	if e.CacheCreationPerToken != nil {
		v, err := toMicros(*e.CacheCreationPerToken)
		if err != nil {
			return Rates{}, fmt.Errorf("cache_creation_input_token_cost: %w", err)
		}
		r.CacheCreationPerToken = v
	}

	for key, rate := range e.Tiers {
		m := tierPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		base, numStr, kSuffix := m[1], m[2], m[3]
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			return Rates{}, fmt.Errorf("tier key %q: %w", key, err)
		}
		if kSuffix == "k" {
			n *= 1000
		}
		micros, err := toMicros(rate)
		if err != nil {
			return Rates{}, fmt.Errorf("tier key %q: %w", key, err)
		}
		r.Tiers = append(r.Tiers, Tier{Base: base, ThresholdTokens: n, USDMicros: micros})
	}
	sort.Slice(r.Tiers, func(i, j int) bool { return r.Tiers[i].ThresholdTokens < r.Tiers[j].ThresholdTokens })

	return r, nil
}

func toMicros(usdPerToken float64) (uint64, error) {
	if math.IsNaN(usdPerToken) || math.IsInf(usdPerToken, 0) {
		return 0, fmt.Errorf("non-finite rate %v", usdPerToken)
	}
	if usdPerToken < 0 {
		return 0, fmt.Errorf("negative rate %v", usdPerToken)
	}
	return uint64(math.Round(usdPerToken * 1_000_000)), nil
}

// Lookup returns the Rates for model, if priced.
func (t *Table) Lookup(model string) (Rates, bool) {
	r, ok := t.rates[model]
	return r, ok
}

// SelectTier returns the highest tier whose ThresholdTokens is strictly
// less than inputTokens; if none qualifies, baseRate is returned unchanged.
func SelectTier(base string, tiers []Tier, baseRate uint64, inputTokens uint64) uint64 {
	selected := baseRate
	for _, t := range tiers {
		if t.Base != base {
			continue
		}
		if t.ThresholdTokens < inputTokens {
			selected = t.USDMicros
		}
	}
	return selected
}

// Usage is the token breakdown cost is computed from.
type Usage struct {
	InputTokens         uint64
	OutputTokens        uint64
	CacheReadTokens     uint64
	CacheCreationTokens uint64
}

// Cost computes total USD-micros for u against r, saturating on overflow
// (clamped to math.MaxUint64, never wrapping).
func Cost(r Rates, u Usage) uint64 {
	inRate := SelectTier("input_cost_per_token", r.Tiers, r.InputPerToken, u.InputTokens)
	outRate := SelectTier("output_cost_per_token", r.Tiers, r.OutputPerToken, u.InputTokens)

	total := satMul(u.InputTokens, inRate)
	total = satAdd(total, satMul(u.OutputTokens, outRate))
	if r.CacheReadPerToken > 0 {
		total = satAdd(total, satMul(u.CacheReadTokens, r.CacheReadPerToken))
	}
	if r.CacheCreationPerToken > 0 {
		total = satAdd(total, satMul(u.CacheCreationTokens, r.CacheCreationPerToken))
	}
	return total
}

func satMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	result := a * b
	if result/a != b {
		return math.MaxUint64
	}
	return result
}

func satAdd(a, b uint64) uint64 {
	result := a + b
	if result < a {
		return math.MaxUint64
	}
	return result
}

// ModelKey normalizes a model identifier for lookup, trimming the
// provider-namespace prefixes backends may add ("azure-", "vertexai-", …).
func ModelKey(model string) string {
	for _, prefix := range []string{"azure-", "vertexai-", "bedrock-"} {
		if strings.HasPrefix(model, prefix) {
			return strings.TrimPrefix(model, prefix)
		}
	}
	return model
}
