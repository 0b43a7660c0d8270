package router

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

func testPolicy() *config.Policy {
	return &config.Policy{
		Backends: []config.Backend{
			{Name: "openai-primary"},
			{Name: "openai-secondary"},
			{Name: "anthropic-primary"},
			{Name: "fallback-pool-a"},
			{Name: "fallback-pool-b"},
		},
		Router: config.RouterConfig{
			Rules: []config.RouterRule{
				{ModelPrefix: "gpt-", Backend: "openai-primary"},
				{ModelPrefix: "gpt-4", Backend: "openai-secondary"},
				{ModelExact: "claude-3-opus", Backend: "anthropic-primary"},
			},
			Default: []config.WeightedBackend{
				{Backend: "fallback-pool-a", Weight: 9},
				{Backend: "fallback-pool-b", Weight: 1},
			},
		},
	}
}

func TestRouter_RouteOverride(t *testing.T) {
	r := New(testPolicy())
	names, err := r.Resolve("anything", "anthropic-primary", "req-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(names) != 1 || names[0] != "anthropic-primary" {
		t.Fatalf("names = %v, want [anthropic-primary]", names)
	}
}

func TestRouter_RouteOverrideUnknownBackend(t *testing.T) {
	r := New(testPolicy())
	_, err := r.Resolve("anything", "does-not-exist", "req-1")
	if _, ok := err.(*BackendNotFoundError); !ok {
		t.Fatalf("err = %v, want *BackendNotFoundError", err)
	}
}

func TestRouter_LongestPrefixWins(t *testing.T) {
	r := New(testPolicy())
	names, err := r.Resolve("gpt-4-turbo", "", "req-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if names[0] != "openai-secondary" {
		t.Fatalf("names[0] = %s, want openai-secondary (longer prefix)", names[0])
	}
}

func TestRouter_ShorterPrefixFallsThrough(t *testing.T) {
	r := New(testPolicy())
	names, err := r.Resolve("gpt-3.5-turbo", "", "req-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if names[0] != "openai-primary" {
		t.Fatalf("names[0] = %s, want openai-primary", names[0])
	}
}

func TestRouter_ExactOutranksPrefix(t *testing.T) {
	policy := testPolicy()
	policy.Router.Rules = append(policy.Router.Rules, config.RouterRule{ModelExact: "gpt-4-turbo", Backend: "anthropic-primary"})
	r := New(policy)
	names, err := r.Resolve("gpt-4-turbo", "", "req-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if names[0] != "anthropic-primary" {
		t.Fatalf("names[0] = %s, want anthropic-primary (exact match)", names[0])
	}
}

func TestRouter_NoMatchUsesDefault(t *testing.T) {
	r := New(testPolicy())
	names, err := r.Resolve("unknown-model", "", "req-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["fallback-pool-a"] || !seen["fallback-pool-b"] {
		t.Fatalf("names = %v, want both default backends present", names)
	}
}

func TestRouter_WeightedSelectionIsDeterministicPerRequestID(t *testing.T) {
	r := New(testPolicy())
	names1, err := r.Resolve("unknown-model", "", "same-request-id")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	names2, err := r.Resolve("unknown-model", "", "same-request-id")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if names1[0] != names2[0] {
		t.Fatalf("same request_id produced different primaries: %s vs %s", names1[0], names2[0])
	}
}

func TestRouter_UnknownBackendInRuleIsError(t *testing.T) {
	policy := testPolicy()
	policy.Router.Rules = []config.RouterRule{{ModelPrefix: "gpt-", Backend: "ghost-backend"}}
	r := New(policy)
	_, err := r.Resolve("gpt-4o", "", "req-1")
	if _, ok := err.(*BackendNotFoundError); !ok {
		t.Fatalf("err = %v, want *BackendNotFoundError", err)
	}
}
