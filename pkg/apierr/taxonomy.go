package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Additional ErrorType/Code constants for the rows of spec §7's taxonomy
// the original OpenAI-only constants didn't cover.
const (
	TypeGuardrailRejected = "guardrail_rejected_error"
	TypeBudgetExceeded    = "budget_exceeded_error"

	CodeUnauthorized       = "unauthorized"
	CodeGuardrailRejected  = "guardrail_rejected"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeCostBudgetExceeded = "cost_budget_exceeded"
	CodeBackendNotFound    = "backend_not_found"
	CodeBackendError       = "backend_error"
	CodeStorageError       = "storage_error"
)

// Kind identifies one row of the spec §7 error taxonomy. Every dispatcher
// error constructed from the pipeline is one of these, independent of which
// dialect envelope eventually renders it.
type Kind int

const (
	KindUnauthorized Kind = iota
	KindRateLimited
	KindGuardrailRejected
	KindBudgetExceeded
	KindCostBudgetExceeded
	KindBackendNotFound
	KindBackend
	KindInvalidRequest
	KindStorageError
)

// Error is the dispatcher-internal structured error type. Dialect-specific
// HTTP handlers render it via WriteOpenAI/WriteAnthropic/WriteGoogle.
type Error struct {
	Kind    Kind
	Message string

	// Populated depending on Kind.
	Limit              string // RateLimited, BudgetExceeded
	Reason             string // GuardrailRejected, InvalidRequest
	Attempted          uint64 // BudgetExceeded
	LimitUSDMicros     uint64 // CostBudgetExceeded
	AttemptedUSDMicros uint64 // CostBudgetExceeded
	BackendName        string // BackendNotFound
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("apierr: kind=%d", e.Kind)
}

// HTTPStatus returns the status code for e.Kind per spec §7's table.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthorized:
		return fasthttp.StatusUnauthorized
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindGuardrailRejected:
		return fasthttp.StatusForbidden
	case KindBudgetExceeded, KindCostBudgetExceeded:
		return 402
	case KindBackendNotFound, KindBackend:
		return fasthttp.StatusBadGateway
	case KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case KindStorageError:
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (e *Error) code() string {
	switch e.Kind {
	case KindUnauthorized:
		return CodeUnauthorized
	case KindRateLimited:
		return CodeRateLimitExceeded
	case KindGuardrailRejected:
		return CodeGuardrailRejected
	case KindBudgetExceeded:
		return CodeBudgetExceeded
	case KindCostBudgetExceeded:
		return CodeCostBudgetExceeded
	case KindBackendNotFound:
		return CodeBackendNotFound
	case KindBackend:
		return CodeBackendError
	case KindInvalidRequest:
		return CodeInvalidRequest
	case KindStorageError:
		return CodeStorageError
	default:
		return CodeInternalError
	}
}

// Retryable reports whether the dispatcher may retry this error against the
// next backend in the router's ordered list (spec §7: only
// `Backend{message}` is retry-eligible).
func (e *Error) Retryable() bool { return e.Kind == KindBackend }

func openAIType(k Kind) string {
	switch k {
	case KindUnauthorized:
		return TypeAuthenticationErr
	case KindRateLimited:
		return TypeRateLimitError
	case KindGuardrailRejected:
		return TypeGuardrailRejected
	case KindBudgetExceeded, KindCostBudgetExceeded:
		return TypeBudgetExceeded
	case KindBackendNotFound, KindBackend:
		return TypeProviderError
	case KindInvalidRequest:
		return TypeInvalidRequest
	default:
		return TypeServerError
	}
}

// WriteOpenAI renders e in the OpenAI `{error:{message,type,code,param?}}`
// envelope (spec §7).
func WriteOpenAI(ctx *fasthttp.RequestCtx, e *Error) {
	if e.Kind == KindRateLimited {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, e.HTTPStatus(), e.Error(), openAIType(e.Kind), e.code())
}

// anthropicEnvelope is Anthropic's `{type:"error", error:{type,message}}`.
type anthropicEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteAnthropic renders e in Anthropic's error envelope (spec §7).
func WriteAnthropic(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	env := anthropicEnvelope{Type: "error"}
	env.Error.Type = anthropicErrorType(e.Kind)
	env.Error.Message = e.Error()
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}

func anthropicErrorType(k Kind) string {
	switch k {
	case KindUnauthorized:
		return "authentication_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindInvalidRequest:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// googleEnvelope is Google's `{error:{code,message,status}}`.
type googleEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// WriteGoogle renders e in Google's error envelope (spec §7).
func WriteGoogle(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	env := googleEnvelope{}
	env.Error.Code = e.HTTPStatus()
	env.Error.Message = e.Error()
	env.Error.Status = googleStatus(e.Kind)
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}

func googleStatus(k Kind) string {
	switch k {
	case KindUnauthorized:
		return "UNAUTHENTICATED"
	case KindRateLimited:
		return "RESOURCE_EXHAUSTED"
	case KindInvalidRequest:
		return "INVALID_ARGUMENT"
	case KindBackendNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// JSON-RPC 2.0 reserved codes (spec §7, used by the a2a surface).
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInternalError  = -32603
)

type jsonRPCEnvelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Error   struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteJSONRPC renders a JSON-RPC 2.0 error response for the a2a surface.
// JSON-RPC errors ride HTTP 200 per the protocol's transport-agnostic design.
func WriteJSONRPC(ctx *fasthttp.RequestCtx, id interface{}, code int, message string) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	env := jsonRPCEnvelope{JSONRPC: "2.0", ID: id}
	env.Error.Code = code
	env.Error.Message = message
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}
