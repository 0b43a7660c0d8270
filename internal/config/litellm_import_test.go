package config

import "testing"

const testLiteLLMYAML = `
model_list:
  - model_name: gpt-4o
    litellm_params:
      model: openai/gpt-4o
      api_base: https://api.openai.com/v1
      api_key: sk-test-openai
  - model_name: claude-3-5-sonnet
    litellm_params:
      model: anthropic/claude-3-5-sonnet-20241022
      api_key: sk-test-anthropic
  - model_name: legacy-davinci
    litellm_params:
      model: davinci
`

func TestImportLiteLLMConfig(t *testing.T) {
	backends, router, err := ImportLiteLLMConfig([]byte(testLiteLLMYAML))
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if len(backends) != 3 {
		t.Fatalf("backends = %d, want 3", len(backends))
	}
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}

	openai, ok := byName["openai:https://api.openai.com/v1"]
	if !ok {
		t.Fatalf("missing openai backend, got %+v", byName)
	}
	if openai.Provider != "openai" || openai.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("openai backend = %+v", openai)
	}
	if openai.ModelMap["gpt-4o"] != "gpt-4o" {
		t.Fatalf("openai model map = %v", openai.ModelMap)
	}
	if openai.ProviderConfig["api_key"] != "sk-test-openai" {
		t.Fatalf("openai api key not carried over: %+v", openai.ProviderConfig)
	}

	anthropic, ok := byName["anthropic"]
	if !ok {
		t.Fatalf("missing anthropic backend, got %+v", byName)
	}
	if anthropic.ModelMap["claude-3-5-sonnet"] != "claude-3-5-sonnet-20241022" {
		t.Fatalf("anthropic model map = %v", anthropic.ModelMap)
	}

	// A model without a "/" is assumed to be OpenAI's per splitLiteLLMModel.
	legacy, ok := byName["openai"]
	if !ok {
		t.Fatalf("missing fallback openai backend, got %+v", byName)
	}
	if legacy.ModelMap["legacy-davinci"] != "davinci" {
		t.Fatalf("legacy model map = %v", legacy.ModelMap)
	}

	if len(router.Rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(router.Rules))
	}
	wantBackends := map[string]string{
		"gpt-4o":            "openai:https://api.openai.com/v1",
		"claude-3-5-sonnet": "anthropic",
		"legacy-davinci":    "openai",
	}
	for _, r := range router.Rules {
		if want, ok := wantBackends[r.ModelExact]; !ok || r.Backend != want {
			t.Fatalf("rule %+v, want backend %q", r, want)
		}
	}
}

func TestImportLiteLLMConfig_InvalidYAML(t *testing.T) {
	if _, _, err := ImportLiteLLMConfig([]byte("not: [valid")); err == nil {
		t.Fatal("expected error on malformed yaml")
	}
}
