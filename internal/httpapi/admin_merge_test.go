package httpapi

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

func TestUpsertBackends(t *testing.T) {
	existing := []config.Backend{
		{Name: "openai-primary", BaseURL: "https://api.openai.com/v1"},
		{Name: "anthropic-primary"},
	}
	imported := []config.Backend{
		{Name: "openai-primary", BaseURL: "https://imported.example/v1"}, // replaces
		{Name: "litellm-new"},                                           // appended
	}

	out := upsertBackends(existing, imported)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}

	byName := make(map[string]config.Backend, len(out))
	for _, b := range out {
		byName[b.Name] = b
	}
	if byName["openai-primary"].BaseURL != "https://imported.example/v1" {
		t.Fatalf("openai-primary not replaced: %+v", byName["openai-primary"])
	}
	if _, ok := byName["anthropic-primary"]; !ok {
		t.Fatal("anthropic-primary dropped from untouched existing entries")
	}
	if _, ok := byName["litellm-new"]; !ok {
		t.Fatal("litellm-new not appended")
	}
}

func TestUpsertRouterRules(t *testing.T) {
	existing := []config.RouterRule{
		{ModelPrefix: "gpt-", Backend: "openai-primary"},
		{ModelExact: "claude-3-opus", Backend: "anthropic-primary"},
	}
	imported := []config.RouterRule{
		{ModelExact: "claude-3-opus", Backend: "litellm-anthropic"}, // replaces
		{ModelExact: "gpt-4o", Backend: "litellm-openai"},           // appended
	}

	out := upsertRouterRules(existing, imported)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}

	// Prefix rule must survive untouched.
	if out[0].ModelPrefix != "gpt-" || out[0].Backend != "openai-primary" {
		t.Fatalf("prefix rule mutated: %+v", out[0])
	}

	byModel := make(map[string]string, len(out))
	for _, r := range out {
		if r.ModelExact != "" {
			byModel[r.ModelExact] = r.Backend
		}
	}
	if byModel["claude-3-opus"] != "litellm-anthropic" {
		t.Fatalf("claude-3-opus not replaced: %v", byModel)
	}
	if byModel["gpt-4o"] != "litellm-openai" {
		t.Fatalf("gpt-4o not appended: %v", byModel)
	}
}
