package authsource_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/authsource"
	"github.com/nulpointcorp/llm-gateway/internal/config"
)

func lookupFrom(m map[string]string) authsource.Lookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func newReq(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://upstream.example/v1/chat/completions", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestNew_APIKeyEnv_SetsBearerAuthorization(t *testing.T) {
	cfg := &config.AuthStrategy{APIKeyEnv: []string{"MISSING_VAR", "OPENAI_API_KEY"}}
	lookup := lookupFrom(map[string]string{"OPENAI_API_KEY": "sk-test-123"})

	r, err := authsource.New(cfg, lookup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newReq(t)
	if err := r.Apply(context.Background(), req, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-test-123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer sk-test-123")
	}
}

func TestNew_APIKeyEnv_AllEmptyFails(t *testing.T) {
	cfg := &config.AuthStrategy{APIKeyEnv: []string{"MISSING_A", "MISSING_B"}}
	r, err := authsource.New(cfg, lookupFrom(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Apply(context.Background(), newReq(t), nil); err == nil {
		t.Fatal("expected Apply to fail when no env var resolves")
	}
}

func TestNew_HTTPHeaderEnv_CustomHeaderAndPrefix(t *testing.T) {
	cfg := &config.AuthStrategy{
		HTTPHeaderEnv: []string{"X_KEY"},
		Header:        "x-api-key",
		Prefix:        "",
	}
	lookup := lookupFrom(map[string]string{"X_KEY": "abc"})

	r, err := authsource.New(cfg, lookup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newReq(t)
	if err := r.Apply(context.Background(), req, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("x-api-key"); got != "abc" {
		t.Errorf("x-api-key = %q, want %q", got, "abc")
	}
	if req.Header.Get("Authorization") != "" {
		t.Errorf("Authorization should not be set for http_header_env")
	}
}

func TestNew_HTTPHeaderEnv_RequiresHeaderName(t *testing.T) {
	cfg := &config.AuthStrategy{HTTPHeaderEnv: []string{"X_KEY"}}
	if _, err := authsource.New(cfg, lookupFrom(map[string]string{"X_KEY": "abc"})); err == nil {
		t.Fatal("expected error when header is unset")
	}
}

func TestNew_QueryParamEnv_AppendsQueryParam(t *testing.T) {
	cfg := &config.AuthStrategy{
		QueryParamEnv: []string{"API_KEY"},
		QueryParam:    "key",
	}
	lookup := lookupFrom(map[string]string{"API_KEY": "xyz"})

	r, err := authsource.New(cfg, lookup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newReq(t)
	if err := r.Apply(context.Background(), req, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.URL.Query().Get("key"); got != "xyz" {
		t.Errorf("query param key = %q, want %q", got, "xyz")
	}
}

func TestNew_NilConfig_IsNoop(t *testing.T) {
	r, err := authsource.New(nil, lookupFrom(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newReq(t)
	if err := r.Apply(context.Background(), req, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(req.Header) != 0 {
		t.Errorf("expected no headers set, got %v", req.Header)
	}
}

func TestNew_SigV4_RequiresRegionAndService(t *testing.T) {
	cfg := &config.AuthStrategy{SigV4: &config.SigV4Strategy{
		AccessKeyEnv: []string{"AWS_KEY"},
		SecretKeyEnv: []string{"AWS_SECRET"},
	}}
	if _, err := authsource.New(cfg, lookupFrom(map[string]string{"AWS_KEY": "a", "AWS_SECRET": "b"})); err == nil {
		t.Fatal("expected error when region/service are unset")
	}
}

func TestNew_SigV4_SignsRequest(t *testing.T) {
	cfg := &config.AuthStrategy{SigV4: &config.SigV4Strategy{
		AccessKeyEnv: []string{"AWS_KEY"},
		SecretKeyEnv: []string{"AWS_SECRET"},
		Region:       "us-east-1",
		Service:      "bedrock",
	}}
	lookup := lookupFrom(map[string]string{"AWS_KEY": "AKIDEXAMPLE", "AWS_SECRET": "secret"})

	r, err := authsource.New(cfg, lookup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newReq(t)
	if err := r.Apply(context.Background(), req, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got == "" {
		t.Error("expected SigV4 to set an Authorization header")
	}
	if got := req.Header.Get("X-Amz-Date"); got == "" {
		t.Error("expected SigV4 to set X-Amz-Date")
	}
}

func TestNew_OAuthClientCredentials_RequiresTokenURL(t *testing.T) {
	cfg := &config.AuthStrategy{OAuthClientCredentials: &config.OAuthClientCredentialsStrategy{
		ClientID:     "id",
		ClientSecret: "secret",
	}}
	if _, err := authsource.New(cfg, lookupFrom(nil)); err == nil {
		t.Fatal("expected error when token_url is unset")
	}
}

func TestNew_Precedence_APIKeyEnvBeforeCommand(t *testing.T) {
	cfg := &config.AuthStrategy{
		APIKeyEnv: []string{"KEY"},
		Command:   []string{"/bin/sh", "-c", "echo should-not-run"},
	}
	lookup := lookupFrom(map[string]string{"KEY": "the-real-key"})

	r, err := authsource.New(cfg, lookup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newReq(t)
	if err := r.Apply(context.Background(), req, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer the-real-key" {
		t.Errorf("Authorization = %q, want the env-sourced key (api_key_env takes precedence over command)", got)
	}
}
