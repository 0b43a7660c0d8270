package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestError_HTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindUnauthorized, fasthttp.StatusUnauthorized},
		{KindRateLimited, fasthttp.StatusTooManyRequests},
		{KindGuardrailRejected, fasthttp.StatusForbidden},
		{KindBudgetExceeded, 402},
		{KindCostBudgetExceeded, 402},
		{KindBackendNotFound, fasthttp.StatusBadGateway},
		{KindBackend, fasthttp.StatusBadGateway},
		{KindInvalidRequest, fasthttp.StatusBadRequest},
		{KindStorageError, fasthttp.StatusInternalServerError},
	}
	for _, c := range cases {
		e := &Error{Kind: c.kind}
		if got := e.HTTPStatus(); got != c.want {
			t.Errorf("kind %d: status = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestError_OnlyBackendIsRetryable(t *testing.T) {
	for k := KindUnauthorized; k <= KindStorageError; k++ {
		e := &Error{Kind: k}
		if e.Retryable() != (k == KindBackend) {
			t.Errorf("kind %d: Retryable() = %v", k, e.Retryable())
		}
	}
}

func TestWriteOpenAI_SetsRetryAfterOnRateLimit(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteOpenAI(ctx, &Error{Kind: KindRateLimited, Limit: "rpm>1", Message: "rate limit exceeded"})

	if string(ctx.Response.Header.Peek("Retry-After")) != "60" {
		t.Fatal("expected Retry-After header")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}

	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Code != CodeRateLimitExceeded {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestWriteAnthropic_Envelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteAnthropic(ctx, &Error{Kind: KindInvalidRequest, Message: "bad request"})

	var env anthropicEnvelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "error" || env.Error.Type != "invalid_request_error" {
		t.Fatalf("env = %+v", env)
	}
}

func TestWriteGoogle_Envelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteGoogle(ctx, &Error{Kind: KindBackendNotFound, Message: "no such backend"})

	var env googleEnvelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Status != "NOT_FOUND" {
		t.Fatalf("status = %q", env.Error.Status)
	}
}

func TestWriteJSONRPC_RidesHTTP200(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteJSONRPC(ctx, "req-1", JSONRPCMethodNotFound, "method not found")

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}

	var env jsonRPCEnvelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Code != JSONRPCMethodNotFound {
		t.Fatalf("code = %d", env.Error.Code)
	}
}
