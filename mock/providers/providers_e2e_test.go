package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMockProviders_ChatCompletion drives a real HTTP round trip against
// each OpenAI-wire-compatible mock (openai, mistral) — the shape this
// gateway's backend.Manager raw-proxy path and translate.Backend clients
// actually parse in production.
func TestMockProviders_ChatCompletion(t *testing.T) {
	cfg := Config{StreamWords: 5}

	cases := []struct {
		name    string
		handler http.Handler
	}{
		{"openai", newOpenAIHandler(cfg)},
		{"mistral", newMistralHandler(cfg)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			body, _ := json.Marshal(map[string]any{
				"model": "test-model",
				"messages": []map[string]string{
					{"role": "user", "content": "hello"},
				},
			})
			resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}

			var out struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
				Usage struct {
					TotalTokens int `json:"total_tokens"`
				} `json:"usage"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
				t.Fatalf("empty completion: %+v", out)
			}
			if out.Usage.TotalTokens <= 0 {
				t.Fatalf("usage.total_tokens = %d, want > 0", out.Usage.TotalTokens)
			}
		})
	}
}

// TestMockProviders_Anthropic exercises the Anthropic-dialect mock directly,
// since its wire shape diverges from the OpenAI-compatible handlers above.
func TestMockProviders_Anthropic(t *testing.T) {
	srv := httptest.NewServer(newAnthropicHandler(Config{StreamWords: 5}))
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"model":      "claude-3-5-sonnet-20241022",
		"max_tokens": 256,
	})
	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["type"] != "message" || out["role"] != "assistant" {
		t.Fatalf("response missing expected anthropic fields: %+v", out)
	}
}

// TestMockProviders_Gemini exercises the Gemini-dialect mock's
// {model}:generateContent path convention.
func TestMockProviders_Gemini(t *testing.T) {
	srv := httptest.NewServer(newGeminiHandler(Config{StreamWords: 5}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1beta/models/gemini-1.5-pro:generateContent", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "json") {
		t.Fatalf("content-type = %q, want json", ct)
	}
}

// TestMockProviders_Bedrock exercises Bedrock's /model/{id}/converse path.
func TestMockProviders_Bedrock(t *testing.T) {
	srv := httptest.NewServer(newBedrockHandler(Config{StreamWords: 5}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/model/anthropic.claude-3-sonnet/converse", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// TestMockProviders_ErrorRate verifies that an ErrorRate of 1 (the value
// MOCK_ERROR_RATE=1 loads) forces every request down the error path, the
// behavior a chaos-testing E2E run relies on to exercise this gateway's
// circuit breaker and retry logic.
func TestMockProviders_ErrorRate(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 5, ErrorRate: 1}))
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"model": "test-model"})
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 with error_rate=1", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "mock internal server error") {
		t.Fatalf("unexpected error body: %s", b)
	}
}
