package guardrails

import (
	"context"
	"strings"
	"testing"
)

func TestEngine_MaxInputTokens(t *testing.T) {
	limit := uint32(100)
	e, err := New(Config{MaxInputTokens: &limit})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Prompt: "hi", Model: "gpt-4o", EstimatedTokens: 150})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if _, ok := err.(*RejectionError); !ok {
		t.Fatalf("err = %T, want *RejectionError", err)
	}
}

func TestEngine_DenyModelsGlob(t *testing.T) {
	e, err := New(Config{DenyModels: []string{"gpt-3.5*"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Model: "gpt-3.5-turbo"})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if err := e.Check(context.Background(), Input{Model: "gpt-4o"}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestEngine_AllowModelsGlob(t *testing.T) {
	e, err := New(Config{AllowModels: []string{"claude-*"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Check(context.Background(), Input{Model: "gpt-4o"}); err == nil {
		t.Fatal("expected rejection for model not matching allow list")
	}
	if err := e.Check(context.Background(), Input{Model: "claude-3-opus"}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestEngine_BannedPhrases(t *testing.T) {
	e, err := New(Config{BannedPhrases: []string{"forbidden-word"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Prompt: "this has a forbidden-word in it", Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected rejection")
	}
}

func TestEngine_BannedRegexes(t *testing.T) {
	e, err := New(Config{BannedRegexes: []string{`\bsecret\d+\b`}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Prompt: "the value is secret123", Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected rejection")
	}
}

func TestEngine_BannedRegexes_InvalidPattern(t *testing.T) {
	_, err := New(Config{BannedRegexes: []string{"(unterminated"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestEngine_BlockPII_Email(t *testing.T) {
	e, err := New(Config{BlockPII: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Prompt: "contact me at jane.doe@example.com", Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected rejection for email")
	}
}

func TestEngine_BlockPII_CardLike(t *testing.T) {
	e, err := New(Config{BlockPII: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Prompt: "card number 4111111111111111", Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected rejection for card-like sequence")
	}
}

func TestEngine_BlockPII_AllowsCleanPrompt(t *testing.T) {
	e, err := New(Config{BlockPII: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Check(context.Background(), Input{Prompt: "what is the weather today", Model: "gpt-4o"}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestEngine_ValidateSchema_Invalid(t *testing.T) {
	e, err := New(Config{ValidateSchema: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{
		Model:                "gpt-4o",
		ResponseFormatSchema: []byte(`{"type": "not-a-real-type"}`),
	})
	if err == nil {
		t.Fatal("expected rejection for invalid schema")
	}
}

func TestEngine_ValidateSchema_Valid(t *testing.T) {
	e, err := New(Config{ValidateSchema: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{
		Model: "gpt-4o",
		ResponseFormatSchema: []byte(`{
			"type": "object",
			"properties": {"answer": {"type": "string"}},
			"required": ["answer"]
		}`),
	})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestEngine_CELExpression_Rejects(t *testing.T) {
	e, err := New(Config{CELExpressions: []string{`estimated_tokens > uint(1000)`}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Model: "gpt-4o", EstimatedTokens: 2000})
	if err == nil {
		t.Fatal("expected rejection")
	}
}

func TestEngine_CELExpression_Allows(t *testing.T) {
	e, err := New(Config{CELExpressions: []string{`estimated_tokens > uint(1000)`}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Check(context.Background(), Input{Model: "gpt-4o", EstimatedTokens: 10}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestNew_InvalidCELExpressionFails(t *testing.T) {
	_, err := New(Config{CELExpressions: []string{"1 +"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestNew_NonBoolCELExpressionFails(t *testing.T) {
	_, err := New(Config{CELExpressions: []string{"1 + 1"}})
	if err == nil {
		t.Fatal("expected type error for non-bool CEL expression")
	}
}

func TestEngine_ShortCircuitsOnFirstFailure(t *testing.T) {
	limit := uint32(1)
	e, err := New(Config{
		MaxInputTokens: &limit,
		BannedPhrases:  []string{"irrelevant"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = e.Check(context.Background(), Input{Prompt: "this prompt is irrelevant", Model: "gpt-4o", EstimatedTokens: 999})
	rej, ok := err.(*RejectionError)
	if !ok {
		t.Fatalf("err = %T, want *RejectionError", err)
	}
	if !strings.HasPrefix(rej.Reason, "max_input_tokens") {
		t.Fatal("expected a reason naming max_input_tokens")
	}
}
