// Package router selects a backend (and ordered fallbacks) for a request,
// generalizing the teacher's flat providers.ModelAliases lookup
// (internal/proxy/routing.go) into the rule-based matcher of spec §4.C8.
package router

import (
	"hash/fnv"
	"math/rand/v2"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// BackendNotFoundError is returned when a rule or route names a backend the
// policy does not define.
type BackendNotFoundError struct {
	Name string
}

func (e *BackendNotFoundError) Error() string { return "router: unknown backend " + e.Name }

// Router resolves (model, route) pairs against a Policy snapshot.
type Router struct {
	policy *config.Policy
}

// New builds a Router over policy. Callers typically re-build one per
// config.Store snapshot swap.
func New(policy *config.Policy) *Router {
	return &Router{policy: policy}
}

func (r *Router) backendExists(name string) bool {
	for _, b := range r.policy.Backends {
		if b.Name == name {
			return true
		}
	}
	return false
}

// Resolve returns the ordered list of candidate backend names for model,
// honoring an explicit virtual-key route override first, then the policy's
// router rules, then its default weighted set. The first element is the
// primary attempt; the rest are failover candidates in order (spec §4.C9's
// "next backend from the router's ordered list").
func (r *Router) Resolve(model, route, requestID string) ([]string, error) {
	if route != "" {
		if !r.backendExists(route) {
			return nil, &BackendNotFoundError{Name: route}
		}
		return []string{route}, nil
	}

	rule := r.matchRule(model)
	if rule == nil {
		return r.orderedWeighted(r.policy.Router.Default, requestID)
	}
	if rule.Backend != "" {
		if !r.backendExists(rule.Backend) {
			return nil, &BackendNotFoundError{Name: rule.Backend}
		}
		return []string{rule.Backend}, nil
	}
	return r.orderedWeighted(rule.Backends, requestID)
}

// RuleGuardrails returns the guardrail override of the rule that would match
// model, if any, so callers can merge it over a virtual key's default
// guardrail config (spec §4.C7 "effective guardrail config (after
// per-rule override)").
func (r *Router) RuleGuardrails(model string) *config.GuardrailsConfig {
	rule := r.matchRule(model)
	if rule == nil {
		return nil
	}
	return rule.Guardrails
}

// matchRule finds the best-matching rule for model: exact matches outrank
// prefix matches, and among prefixes, the longest prefix wins (spec §3/§4.C8).
func (r *Router) matchRule(model string) *config.RouterRule {
	var best *config.RouterRule
	bestIsExact := false
	bestPrefixLen := -1

	for i := range r.policy.Router.Rules {
		rule := &r.policy.Router.Rules[i]
		if rule.ModelExact != "" {
			if rule.ModelExact == model && !bestIsExact {
				best = rule
				bestIsExact = true
			}
			continue
		}
		if bestIsExact {
			continue
		}
		if rule.ModelPrefix != "" && hasPrefix(model, rule.ModelPrefix) {
			if len(rule.ModelPrefix) > bestPrefixLen {
				best = rule
				bestPrefixLen = len(rule.ModelPrefix)
			}
		}
	}
	return best
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}

// orderedWeighted returns a deterministic weighted selection as the primary
// candidate, then the remaining backends as fallbacks in descending weight
// (spec §4.C8). The selection is seeded by requestID so retries within the
// same request reuse the same draw rather than re-rolling (design decision,
// see Open Question 2).
func (r *Router) orderedWeighted(weighted []config.WeightedBackend, requestID string) ([]string, error) {
	if len(weighted) == 0 {
		return nil, &BackendNotFoundError{Name: "(no default route configured)"}
	}
	for _, w := range weighted {
		if !r.backendExists(w.Backend) {
			return nil, &BackendNotFoundError{Name: w.Backend}
		}
	}

	ordered := make([]config.WeightedBackend, len(weighted))
	copy(ordered, weighted)

	primary := weightedPick(ordered, requestID)

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Weight > ordered[j].Weight })

	names := make([]string, 0, len(ordered)+1)
	names = append(names, primary)
	for _, w := range ordered {
		if w.Backend != primary {
			names = append(names, w.Backend)
		}
	}
	return names, nil
}

// weightedPick deterministically draws one backend name from weighted,
// seeded by requestID so the same request always draws the same primary.
func weightedPick(weighted []config.WeightedBackend, requestID string) string {
	total := 0
	for _, w := range weighted {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	if total == 0 {
		return weighted[0].Backend
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(requestID))
	seed := h.Sum64()
	pr := rand.New(rand.NewPCG(seed, seed>>1))
	target := pr.IntN(total)

	cursor := 0
	for _, w := range weighted {
		if w.Weight <= 0 {
			continue
		}
		cursor += w.Weight
		if target < cursor {
			return w.Backend
		}
	}
	return weighted[len(weighted)-1].Backend
}
