package redact

import (
	"strings"
	"testing"
)

func TestRedactor_KeyNames(t *testing.T) {
	r, err := New(Rule{KeyNames: []string{"api_key", "Authorization"}, Replacement: "***"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := []byte(`{"api_key":"sk-secret","model":"gpt-4o","nested":{"authorization":"Bearer abc"}}`)
	out, err := r.Redact(doc)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	s := string(out)
	if strings.Contains(s, "sk-secret") || strings.Contains(s, "Bearer abc") {
		t.Fatalf("secret leaked: %s", s)
	}
	if !strings.Contains(s, `"model":"gpt-4o"`) {
		t.Fatalf("unrelated field should survive untouched: %s", s)
	}
}

func TestRedactor_Pointer(t *testing.T) {
	r, err := New(Rule{Pointers: []string{"/headers/x-api-key"}, Replacement: "***"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := []byte(`{"headers":{"x-api-key":"super-secret","x-request-id":"abc"}}`)
	out, err := r.Redact(doc)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if strings.Contains(string(out), "super-secret") {
		t.Fatalf("pointer target not redacted: %s", out)
	}
	if !strings.Contains(string(out), "abc") {
		t.Fatalf("sibling field should survive: %s", out)
	}
}

func TestRedactor_MissingPointerIsSilent(t *testing.T) {
	r, err := New(Rule{Pointers: []string{"/does/not/exist"}, Replacement: "***"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := []byte(`{"a":1}`)
	out, err := r.Redact(doc)
	if err != nil {
		t.Fatalf("Redact should not error on missing pointer: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("document should be unchanged, got %s", out)
	}
}

func TestRedactor_QueryParam(t *testing.T) {
	r, err := New(Rule{SanitizeQueryInKeys: []string{"url"}, QueryParamNames: []string{"token"}, Replacement: "***"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := []byte(`{"url":"https://example.com/path?token=abc123&other=1"}`)
	out, err := r.Redact(doc)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if strings.Contains(string(out), "abc123") {
		t.Fatalf("query param not redacted: %s", out)
	}
	if !strings.Contains(string(out), "other=1") {
		t.Fatalf("unrelated query param should survive: %s", out)
	}
}

func TestRedactor_Regex(t *testing.T) {
	r, err := New(Rule{Patterns: []string{`sk-[a-zA-Z0-9]+`}, Replacement: "***"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	doc := []byte(`{"note":"key is sk-abc123xyz, keep this"}`)
	out, err := r.Redact(doc)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if strings.Contains(string(out), "sk-abc123xyz") {
		t.Fatalf("regex match not redacted: %s", out)
	}
}

func TestNew_EmptyReplacementFails(t *testing.T) {
	if _, err := New(Rule{KeyNames: []string{"x"}}); err == nil {
		t.Fatal("expected error for empty replacement")
	}
}

func TestNew_InvalidRegexFails(t *testing.T) {
	if _, err := New(Rule{Patterns: []string{"("}, Replacement: "***"}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestNew_InvalidPointerFails(t *testing.T) {
	if _, err := New(Rule{Pointers: []string{"no-leading-slash"}, Replacement: "***"}); err == nil {
		t.Fatal("expected error for invalid pointer")
	}
}
