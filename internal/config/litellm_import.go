package config

import (
	"fmt"

	yaml "go.yaml.in/yaml/v3"
)

// litellmConfig mirrors the handful of LiteLLM proxy config fields this
// importer understands — model_list entries mapping a public model name to
// a provider + litellm_params. This is intentionally a thin happy-path
// import (spec.md §1 lists "YAML/LiteLLM import" as out of scope for the
// core pipeline); it exists only to let operators migrate an existing
// LiteLLM deployment's model list into this gateway's Backend/RouterConfig
// shape without hand-editing policy.yaml.
type litellmConfig struct {
	ModelList []struct {
		ModelName      string `yaml:"model_name"`
		LiteLLMParams  struct {
			Model   string `yaml:"model"`
			APIBase string `yaml:"api_base"`
			APIKey  string `yaml:"api_key"`
		} `yaml:"litellm_params"`
	} `yaml:"model_list"`
}

// ImportLiteLLMConfig parses a LiteLLM proxy config.yaml and returns the
// Backend + RouterConfig rows it implies: one Backend per distinct
// provider/api_base pair, one exact-match RouterRule per model_name.
func ImportLiteLLMConfig(raw []byte) ([]Backend, RouterConfig, error) {
	var lc litellmConfig
	if err := yaml.Unmarshal(raw, &lc); err != nil {
		return nil, RouterConfig{}, fmt.Errorf("config: litellm import: %w", err)
	}

	seen := map[string]Backend{}
	var rules []RouterRule

	for _, m := range lc.ModelList {
		provider, upstreamModel := splitLiteLLMModel(m.LiteLLMParams.Model)
		backendName := provider
		if m.LiteLLMParams.APIBase != "" {
			backendName = provider + ":" + m.LiteLLMParams.APIBase
		}

		if _, ok := seen[backendName]; !ok {
			seen[backendName] = Backend{
				Name:     backendName,
				BaseURL:  m.LiteLLMParams.APIBase,
				Provider: provider,
				ModelMap: map[string]string{},
				ProviderConfig: map[string]string{
					"api_key": m.LiteLLMParams.APIKey,
				},
			}
		}
		b := seen[backendName]
		if upstreamModel != "" {
			b.ModelMap[m.ModelName] = upstreamModel
		}
		seen[backendName] = b

		rules = append(rules, RouterRule{
			ModelExact: m.ModelName,
			Backend:    backendName,
		})
	}

	backends := make([]Backend, 0, len(seen))
	for _, b := range seen {
		backends = append(backends, b)
	}

	return backends, RouterConfig{Rules: rules}, nil
}

// splitLiteLLMModel splits LiteLLM's "provider/model" convention, e.g.
// "anthropic/claude-3-5-sonnet-20241022" -> ("anthropic", "claude-3-5-sonnet-20241022").
// Models without a slash are assumed to be OpenAI's.
func splitLiteLLMModel(s string) (provider, model string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return "openai", s
}
