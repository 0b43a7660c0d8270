// Package dispatch implements spec §4.C13's end-to-end per-request
// orchestration: auth → guardrails → rate-limit → route → budget reserve →
// cache → attempt(s) → settle → audit → respond. It is the direct
// descendant of the teacher's internal/proxy/gateway.go dispatchChat /
// dispatchEmbeddings, generalized from a hardcoded OpenAI-shaped pipeline
// into one that drives both the raw-HTTP proxy backend (internal/backend)
// and the typed translation backend (internal/translate) behind a single
// ordered router resolution, exactly as gateway.go drove its provider
// fallback chain behind internal/proxy/failover.go.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/backend"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/dialect/responses"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
	"github.com/nulpointcorp/llm-gateway/internal/ledger"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/sse"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Usage is the token breakdown the dispatcher settles the ledger with.
type Usage struct {
	InputTokens  uint64
	OutputTokens uint64
}

func (u Usage) total() uint64 { return u.InputTokens + u.OutputTokens }

// Request is one dispatch-pipeline invocation. httpapi builds this after
// parsing the client's dialect-specific request and, for typed backends,
// translating it to an OpenAI Chat-Completions body.
type Request struct {
	Header http.Header
	Method string
	// Path is the canonical upstream path (e.g. "/v1/chat/completions",
	// "/v1/responses", "/v1/embeddings") forwarded verbatim to raw-HTTP
	// backends and used to drive the /v1/responses shim fallback.
	Path string
	Model string

	PromptText            string
	EstimatedInputTokens  uint32
	MaxOutputTokens       uint32
	ResponseFormatSchema  json.RawMessage

	Stream bool

	// RawBody is the client's original dialect-specific body, forwarded
	// unmodified to raw-HTTP (Provider=="") backends.
	RawBody []byte
	// ChatBody is an OpenAI Chat-Completions-shaped body, used for typed
	// translation (Provider!="") backends and for the /v1/responses shim.
	ChatBody []byte

	// Kind selects which typed-backend adapter a Provider!="" candidate
	// uses: "" (default) drives translate.Backend.ChatCompletions;
	// "embeddings" drives translate.Backend.Embeddings with EmbedInput;
	// "files.upload"/"files.list"/"files.retrieve"/"files.delete"/
	// "files.content" drive translate.Backend's FileClient adapters;
	// "batches.create"/"batches.retrieve"/"batches.cancel" drive its
	// BatchClient adapters (spec C10).
	Kind       string
	EmbedInput []string

	// FileUpload, FileID, and BatchReq/BatchID carry the typed payloads
	// for the Kind values above. Only the field(s) matching Kind are read.
	FileUpload *providers.FileUploadRequest
	FileID     string
	BatchReq   translate.BatchRequest
	BatchID    string
}

// StreamEvent is one upstream SSE `data:` payload forwarded to the caller.
type StreamEvent struct {
	Data string
}

// Response is the outcome of one Dispatch call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Events is non-nil for a streaming response; the channel is closed
	// once the upstream stream ends and settlement has already run.
	Events <-chan StreamEvent

	// Dialect is "raw" when Body/Events are verbatim bytes from a raw-HTTP
	// backend in the client's own original dialect. It is
	// "chat_completions" for typed translation results (OpenAI
	// Chat-Completions shape, or provider JSON for files/batches) and for
	// the /v1/responses shim, whose Body/Events are already in the
	// Responses dialect; Shim is non-empty in that last case.
	Dialect string

	Backend           string
	AttemptedBackends []string
	Shim              string
	RequestID         string
}

// Dispatcher owns every shared dependency of the pipeline.
type Dispatcher struct {
	store    *config.Store
	ledger   ledger.Ledger
	limiter  ratelimit.Limiter
	cache    cache.Cache
	cacheCfg CacheConfig
	auditLog *audit.Log
	backends *backend.Manager
	translate *translate.Backend
	pricing  *pricing.Table
	metrics  *metrics.Registry
	reqLog   *logger.Logger
	sqlMirror *ledger.SQLMirror
	cacheExclusions *cache.ExclusionList

	reqSeq atomic.Int64
}

// CacheConfig bounds what the proxy cache (C12) will store.
type CacheConfig struct {
	MaxBodyBytes int
	DefaultTTL   time.Duration
}

// New builds a Dispatcher. cache, metrics, and reqLog may be nil to disable
// those concerns entirely.
func New(store *config.Store, ldg ledger.Ledger, limiter ratelimit.Limiter, proxyCache cache.Cache, cacheCfg CacheConfig, auditLog *audit.Log, backends *backend.Manager, tr *translate.Backend, priceTable *pricing.Table, reg *metrics.Registry, reqLog *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store: store, ledger: ldg, limiter: limiter, cache: proxyCache, cacheCfg: cacheCfg,
		auditLog: auditLog, backends: backends, translate: tr, pricing: priceTable, metrics: reg,
		reqLog: reqLog,
	}
}

// WithSQLMirror attaches the optional goqu-backed cost-ledger reporting
// mirror (internal/ledger/sqlmirror.go): every settle additionally appends
// a denormalized row here for the admin `/admin/cost_ledgers` history view.
// Never required — nil leaves settlement touching only the hot-path ledger.
func (d *Dispatcher) WithSQLMirror(m *ledger.SQLMirror) *Dispatcher {
	d.sqlMirror = m
	return d
}

// WithCacheExclusions attaches the model exclusion list (spec C12's cache
// step never stores or serves a hit for a model matching el). A nil el is
// safe — (*cache.ExclusionList)(nil).Matches always returns false.
func (d *Dispatcher) WithCacheExclusions(el *cache.ExclusionList) *Dispatcher {
	d.cacheExclusions = el
	return d
}

// logEvent emits one of spec §6's named structured-log events
// (proxy.request, proxy.response, proxy.blocked, stream.aborted) through
// the non-blocking batched logger. No-op when reqLog is nil (logging is an
// ambient concern, not a pipeline dependency).
func (d *Dispatcher) logEvent(event, backendName, model string, input, output uint32, latency time.Duration, status int, cached bool, reason string) {
	if d.reqLog == nil {
		return
	}
	d.reqLog.Log(logger.RequestLog{
		ID: uuid.New(), Event: event, Provider: backendName, Model: model,
		InputTokens: input, OutputTokens: output, LatencyMs: clampLatencyMs(latency),
		Status: uint16(status), Cached: cached, Reason: reason, CreatedAt: time.Now(),
	})
}

func clampLatencyMs(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint16(0)) {
		return ^uint16(0)
	}
	return uint16(ms)
}

func extractVKToken(h http.Header) string {
	if v := h.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if len(v) > len(prefix) && v[:len(prefix)] == prefix {
			return v[len(prefix):]
		}
		return v
	}
	if v := h.Get("X-Api-Key"); v != "" {
		return v
	}
	if v := h.Get("X-Ditto-Virtual-Key"); v != "" {
		return v
	}
	if v := h.Get("X-Litellm-Api-Key"); v != "" {
		return v
	}
	return ""
}

// Dispatch runs the full twelve-step pipeline for req and returns either a
// Response or a structured *apierr.Error. Callers must read Response.Body
// or fully drain Response.Events (or call cancel via ctx) — settlement for
// streaming responses happens as the channel is drained.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, *apierr.Error) {
	start := time.Now()
	policy := d.store.Snapshot()
	rtr := router.New(policy)

	// Step 1: auth.
	token := extractVKToken(req.Header)
	vk, vkErr := d.resolveVirtualKey(policy, token)
	if vkErr != nil {
		return nil, vkErr
	}

	// Step 2: request id.
	reqID := req.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = fmt.Sprintf("ditto-%d-%d", time.Now().UnixMilli(), d.reqSeq.Add(1))
	}

	d.logEvent("proxy.request", "", req.Model, 0, 0, 0, 0, false, "")

	// Step 3: guardrails.
	if err := d.checkGuardrails(ctx, rtr, vk, req); err != nil {
		d.logEvent("proxy.blocked", "", req.Model, 0, 0, time.Since(start), err.HTTPStatus(), false, err.Reason)
		return nil, err
	}

	// Step 4: rate limit.
	chargeTokens := uint64(req.EstimatedInputTokens) + uint64(req.MaxOutputTokens)
	if d.limiter != nil {
		limits := ratelimit.Limits{RPM: vk.Limits.RPM, TPM: vk.Limits.TPM}
		minute := time.Now().Unix() / 60
		if err := d.limiter.CheckAndConsume(ctx, "virtual_key:"+vk.ID, limits, chargeTokens, minute); err != nil {
			var rl *ratelimit.ErrRateLimited
			if errors.As(err, &rl) {
				d.logEvent("proxy.blocked", "", req.Model, 0, 0, time.Since(start), 429, false, rl.Limit)
				return nil, &apierr.Error{Kind: apierr.KindRateLimited, Limit: rl.Limit}
			}
			return nil, &apierr.Error{Kind: apierr.KindStorageError, Message: err.Error()}
		}
	}

	// Step 5: route + pricing estimate.
	candidates, rerr := rtr.Resolve(req.Model, vk.Route, reqID)
	if rerr != nil {
		var bnf *router.BackendNotFoundError
		if errors.As(rerr, &bnf) {
			return nil, &apierr.Error{Kind: apierr.KindBackendNotFound, BackendName: bnf.Name}
		}
		return nil, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: rerr.Error()}
	}
	chargeCostUSDMicros := d.estimateCost(req.Model, Usage{InputTokens: uint64(req.EstimatedInputTokens), OutputTokens: uint64(req.MaxOutputTokens)})

	// Step 6: reserve budgets.
	reservations, berr := d.reserveBudgets(ctx, policy, vk, reqID, chargeTokens, chargeCostUSDMicros)
	if berr != nil {
		d.logEvent("proxy.blocked", "", req.Model, 0, 0, time.Since(start), berr.HTTPStatus(), false, berr.Limit)
		return nil, berr
	}
	rollbackAll := func() {
		for _, r := range reservations {
			_ = d.ledger.Rollback(ctx, r.ledgerID)
		}
	}

	// Step 7: proxy cache (non-streaming only).
	cacheKey := ""
	if !req.Stream && d.cache != nil && vk.Cache.Enabled && len(candidates) > 0 && !d.cacheExclusions.Matches(req.Model) {
		cacheKey = cache.Fingerprint(cacheScopeID(vk, token), candidates[0], req.Method, req.Path, req.RawBody, nil)
		if hit, ok := d.cache.Get(ctx, cacheKey); ok {
			rollbackAll()
			d.appendAudit(reqID, vk, candidates[0], candidates, req, 200, chargeTokens, 0, chargeCostUSDMicros, 0, len(hit), "cache_hit")
			d.logEvent("proxy.response", candidates[0], req.Model, 0, 0, time.Since(start), 200, true, "")
			h := http.Header{}
			h.Set("X-Ditto-Cache", "hit")
			h.Set("X-Ditto-Cache-Key", cacheKey)
			h.Set("X-Ditto-Request-Id", reqID)
			return &Response{StatusCode: 200, Header: h, Body: hit, Dialect: "chat_completions", RequestID: reqID}, nil
		}
	}

	// Step 8/9: attempt loop.
	resp, usedBackend, shim, aerr := d.attemptLoop(ctx, candidates, req, reqID)
	if aerr != nil {
		rollbackAll()
		d.appendAudit(reqID, vk, "", candidates, req, aerr.HTTPStatus(), chargeTokens, 0, chargeCostUSDMicros, 0, 0, "error")
		d.logEvent("proxy.response", usedBackend, req.Model, 0, 0, time.Since(start), aerr.HTTPStatus(), false, aerr.Message)
		if d.metrics != nil {
			d.metrics.RecordError(usedBackend, fmt.Sprintf("%d", aerr.Kind))
		}
		return nil, aerr
	}

	respHeader := resp.Header
	if respHeader == nil {
		respHeader = http.Header{}
	}
	respHeader.Set("X-Ditto-Request-Id", reqID)
	respHeader.Set("X-Ditto-Backend", usedBackend)
	if shim != "" {
		respHeader.Set("X-Ditto-Shim", shim)
	}
	resp.Header = respHeader
	resp.Backend = usedBackend
	resp.AttemptedBackends = candidates
	resp.Shim = shim
	resp.RequestID = reqID

	if resp.Events == nil {
		// Non-streaming: settle synchronously.
		usage, _ := extractUsage(resp.Body)
		d.settleAndAudit(ctx, reservations, reqID, vk, usedBackend, candidates, req, resp.StatusCode, chargeTokens, usage, chargeCostUSDMicros, len(resp.Body), shimKind(shim))

		if cacheKey != "" && resp.StatusCode >= 200 && resp.StatusCode < 300 && (d.cacheCfg.MaxBodyBytes == 0 || len(resp.Body) <= d.cacheCfg.MaxBodyBytes) && json.Valid(resp.Body) {
			ttl := d.cacheCfg.DefaultTTL
			if vk.Cache.TTLSeconds != nil {
				ttl = time.Duration(*vk.Cache.TTLSeconds) * time.Second
			}
			if err := d.cache.Set(ctx, cacheKey, resp.Body, ttl); err == nil && d.metrics != nil {
				d.metrics.CacheSetOK()
			}
		}
		if d.metrics != nil {
			d.metrics.ObserveGatewayRequest(usedBackend, req.Path, "miss", time.Since(start))
		}
		d.logEvent("proxy.response", usedBackend, req.Model, uint32(usage.InputTokens), uint32(usage.OutputTokens), time.Since(start), resp.StatusCode, false, "")
		return resp, nil
	}

	// Streaming: wrap the channel so settlement runs exactly once, at EOF
	// or on early cancellation.
	out := make(chan StreamEvent, 16)
	go d.drainAndSettle(ctx, resp.Events, out, reservations, reqID, vk, usedBackend, candidates, req, chargeTokens, chargeCostUSDMicros, shimKind(shim))
	resp.Events = out
	if d.metrics != nil {
		d.metrics.ObserveGatewayRequest(usedBackend, req.Path, "miss", time.Since(start))
	}
	d.logEvent("proxy.response", usedBackend, req.Model, 0, 0, time.Since(start), resp.StatusCode, false, "stream")
	return resp, nil
}

func shimKind(shim string) string {
	if shim == "" {
		return ""
	}
	return "shim"
}

func (d *Dispatcher) resolveVirtualKey(policy *config.Policy, token string) (config.VirtualKey, *apierr.Error) {
	if len(policy.VirtualKeys) == 0 {
		return config.VirtualKey{ID: token, Enabled: true}, nil
	}
	vk, ok := d.store.VirtualKeyByToken(token)
	if !ok {
		return config.VirtualKey{}, &apierr.Error{Kind: apierr.KindUnauthorized, Message: "invalid virtual key"}
	}
	if !vk.Enabled {
		return config.VirtualKey{}, &apierr.Error{Kind: apierr.KindUnauthorized, Message: "virtual key disabled"}
	}
	return vk, nil
}

func cacheScopeID(vk config.VirtualKey, token string) string {
	if vk.ID != "" {
		return vk.ID
	}
	return token
}

func (d *Dispatcher) checkGuardrails(ctx context.Context, rtr *router.Router, vk config.VirtualKey, req *Request) *apierr.Error {
	merged := vk.Guardrails
	if override := rtr.RuleGuardrails(req.Model); override != nil {
		merged = mergeGuardrails(merged, *override)
	}
	eng, err := guardrails.New(toGuardrailsConfig(merged))
	if err != nil {
		return &apierr.Error{Kind: apierr.KindInvalidRequest, Message: err.Error()}
	}
	in := guardrails.Input{
		Prompt: req.PromptText, Model: req.Model,
		EstimatedTokens: req.EstimatedInputTokens, ResponseFormatSchema: req.ResponseFormatSchema,
	}
	if err := eng.Check(ctx, in); err != nil {
		var rej *guardrails.RejectionError
		if errors.As(err, &rej) {
			return &apierr.Error{Kind: apierr.KindGuardrailRejected, Reason: rej.Reason}
		}
		return &apierr.Error{Kind: apierr.KindInvalidRequest, Message: err.Error()}
	}
	return nil
}

// mergeGuardrails overlays override onto base; any non-empty/non-nil field
// on override wins, matching spec §4.C7's "effective guardrail config
// (after per-rule override)".
func mergeGuardrails(base, override config.GuardrailsConfig) config.GuardrailsConfig {
	out := base
	if len(override.BannedPhrases) > 0 {
		out.BannedPhrases = override.BannedPhrases
	}
	if len(override.BannedRegexes) > 0 {
		out.BannedRegexes = override.BannedRegexes
	}
	if override.BlockPII {
		out.BlockPII = true
	}
	if override.ValidateSchema {
		out.ValidateSchema = true
	}
	if override.MaxInputTokens != nil {
		out.MaxInputTokens = override.MaxInputTokens
	}
	if len(override.AllowModels) > 0 {
		out.AllowModels = override.AllowModels
	}
	if len(override.DenyModels) > 0 {
		out.DenyModels = override.DenyModels
	}
	if len(override.CELExpressions) > 0 {
		out.CELExpressions = override.CELExpressions
	}
	return out
}

func toGuardrailsConfig(c config.GuardrailsConfig) guardrails.Config {
	return guardrails.Config{
		BannedPhrases: c.BannedPhrases, BannedRegexes: c.BannedRegexes,
		BlockPII: c.BlockPII, ValidateSchema: c.ValidateSchema,
		MaxInputTokens: c.MaxInputTokens, AllowModels: c.AllowModels,
		DenyModels: c.DenyModels, CELExpressions: c.CELExpressions,
	}
}

func (d *Dispatcher) estimateCost(model string, u Usage) uint64 {
	if d.pricing == nil {
		return 0
	}
	rates, ok := d.pricing.Lookup(pricing.ModelKey(model))
	if !ok {
		return 0
	}
	return pricing.Cost(rates, pricing.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
}

// reservation tracks one outstanding (scope, unit) reservation under its
// own composite ledger request id. The Ledger implementations key exactly
// one reservation per request_id (see internal/ledger/memory.go), so
// reserving token *and* cost budgets across four possible scopes in one
// dispatch requires a distinct derived id per (scope, unit) pair rather
// than reusing the dispatcher's single request_id.
type reservation struct {
	ledgerID string
	unit     ledger.Unit
	scope    ledger.Scope
}

func ledgerReqID(reqID string, scope ledger.Scope, unit ledger.Unit) string {
	return fmt.Sprintf("%s#%s#%s", reqID, scope, unit)
}

type budgetWant struct {
	scope ledger.Scope
	limit *uint64
	unit  ledger.Unit
	delta uint64
}

// reserveBudgets reserves the key's own budget plus any shared
// project/user/tenant budget the key belongs to, rolling back everything
// already reserved on the first failure (spec §4.C13 step 6).
func (d *Dispatcher) reserveBudgets(ctx context.Context, policy *config.Policy, vk config.VirtualKey, reqID string, chargeTokens, chargeCostUSDMicros uint64) ([]reservation, *apierr.Error) {
	var wants []budgetWant
	if vk.Budget.TotalTokens != nil {
		wants = append(wants, budgetWant{ledger.KeyScope(vk.ID), vk.Budget.TotalTokens, ledger.UnitTokens, chargeTokens})
	}
	if vk.Budget.TotalUSDMicros != nil {
		wants = append(wants, budgetWant{ledger.KeyScope(vk.ID), vk.Budget.TotalUSDMicros, ledger.UnitUSDMicro, chargeCostUSDMicros})
	}
	if vk.ProjectID != "" {
		if b, ok := policy.ProjectBudgets[vk.ProjectID]; ok {
			wants = append(wants, scopeWants(ledger.ProjectScope(vk.ProjectID), b, chargeTokens, chargeCostUSDMicros)...)
		}
	}
	if vk.UserID != "" {
		if b, ok := policy.UserBudgets[vk.UserID]; ok {
			wants = append(wants, scopeWants(ledger.UserScope(vk.UserID), b, chargeTokens, chargeCostUSDMicros)...)
		}
	}
	if vk.TenantID != "" {
		if b, ok := policy.TenantBudgets[vk.TenantID]; ok {
			wants = append(wants, scopeWants(ledger.TenantScope(vk.TenantID), b, chargeTokens, chargeCostUSDMicros)...)
		}
	}

	var reserved []reservation
	for _, w := range wants {
		id := ledgerReqID(reqID, w.scope, w.unit)
		if err := d.ledger.Reserve(ctx, w.scope, w.unit, id, *w.limit, w.delta); err != nil {
			for _, r := range reserved {
				_ = d.ledger.Rollback(ctx, r.ledgerID)
			}
			var be *ledger.ErrBudgetExceeded
			if errors.As(err, &be) {
				if be.Unit == ledger.UnitUSDMicro {
					return nil, &apierr.Error{Kind: apierr.KindCostBudgetExceeded, LimitUSDMicros: be.Limit, AttemptedUSDMicros: be.Attempted}
				}
				return nil, &apierr.Error{Kind: apierr.KindBudgetExceeded, Limit: fmt.Sprintf("%d", be.Limit), Attempted: be.Attempted}
			}
			return nil, &apierr.Error{Kind: apierr.KindStorageError, Message: err.Error()}
		}
		reserved = append(reserved, reservation{ledgerID: id, unit: w.unit, scope: w.scope})
	}
	return reserved, nil
}

func scopeWants(scope ledger.Scope, b config.Budget, chargeTokens, chargeCostUSDMicros uint64) []budgetWant {
	var out []budgetWant
	if b.TotalTokens != nil {
		out = append(out, budgetWant{scope, b.TotalTokens, ledger.UnitTokens, chargeTokens})
	}
	if b.TotalUSDMicros != nil {
		out = append(out, budgetWant{scope, b.TotalUSDMicros, ledger.UnitUSDMicro, chargeCostUSDMicros})
	}
	return out
}

// attemptLoop tries each candidate backend in order, skipping
// circuit-open ones and advancing on a retryable failure (spec §4.C9/§4.C13
// step 8). For "/v1/responses" against a raw-HTTP backend, a 404/405/501
// triggers the Chat-Completions shim fallback on the same backend.
func (d *Dispatcher) attemptLoop(ctx context.Context, candidates []string, req *Request, reqID string) (*Response, string, string, *apierr.Error) {
	policy := d.store.Snapshot()
	var lastErr error
	for _, name := range candidates {
		cfg, ok := policy.BackendByName(name)
		if !ok {
			continue
		}
		if !d.backends.Allow(name) {
			continue
		}

		if cfg.Provider == "" {
			resp, shim, err := d.attemptRawProxy(ctx, cfg, req, reqID)
			if err == nil {
				return resp, name, shim, nil
			}
			var re *backend.RetryableError
			if errors.As(err, &re) {
				if !re.Retryable {
					return nil, name, "", classifyBackendErr(err)
				}
				lastErr = err
				continue
			}
			var il *backend.ErrInFlightLimit
			if errors.As(err, &il) {
				return nil, name, "", &apierr.Error{Kind: apierr.KindRateLimited, Limit: "inflight_limit_backend"}
			}
			lastErr = err
			continue
		}

		resp, err := d.attemptTranslate(ctx, cfg, req, reqID)
		if err == nil {
			return resp, name, "", nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, "", "", &apierr.Error{Kind: apierr.KindBackendNotFound, Message: "no candidate backend available"}
	}
	return nil, "", "", classifyBackendErr(lastErr)
}

func classifyBackendErr(err error) *apierr.Error {
	return &apierr.Error{Kind: apierr.KindBackend, Message: err.Error()}
}

func (d *Dispatcher) attemptRawProxy(ctx context.Context, cfg config.Backend, req *Request, reqID string) (*Response, string, error) {
	result, release, err := d.backends.Do(ctx, cfg.Name, backend.Request{
		Method: req.Method, Path: req.Path, Header: req.Header, Body: req.RawBody, Stream: req.Stream,
	})
	if err != nil {
		return nil, "", err
	}

	isShimStatus := result.StatusCode == 404 || result.StatusCode == 405 || result.StatusCode == 501
	if req.Path == "/v1/responses" && isShimStatus {
		if result.Stream != nil {
			_ = result.Stream.Close()
		}
		release()
		return d.attemptResponsesShim(ctx, cfg, req, reqID)
	}

	if result.Stream != nil {
		return &Response{StatusCode: result.StatusCode, Header: result.Header, Events: wrapReleaseChan(result.Stream.Body, release), Dialect: "raw"}, "", nil
	}
	release()
	return &Response{StatusCode: result.StatusCode, Header: result.Header, Body: result.Body, Dialect: "raw"}, "", nil
}

// attemptResponsesShim retries a 404/405/501 /v1/responses call against
// /v1/chat/completions on the same backend, then translates the
// Chat-Completions response back into Responses dialect (spec §6
// "automatic fallback to ChatCompletions ... x-ditto-shim").
func (d *Dispatcher) attemptResponsesShim(ctx context.Context, cfg config.Backend, req *Request, reqID string) (*Response, string, error) {
	result, release, err := d.backends.Do(ctx, cfg.Name, backend.Request{
		Method: "POST", Path: "/v1/chat/completions", Header: req.Header, Body: req.ChatBody, Stream: req.Stream,
	})
	if err != nil {
		return nil, "", err
	}
	const shim = "responses_via_chat_completions"

	if result.Stream != nil {
		raw := wrapReleaseChan(result.Stream.Body, release)
		translated := make(chan StreamEvent, 16)
		enc := newResponsesReencoder(req.Model)
		go func() {
			defer close(translated)
			for ev := range raw {
				for _, out := range enc.feed(ev.Data) {
					translated <- StreamEvent{Data: out}
				}
			}
			for _, out := range enc.finish() {
				translated <- StreamEvent{Data: out}
			}
		}()
		return &Response{StatusCode: result.StatusCode, Header: result.Header, Events: translated, Dialect: "chat_completions"}, shim, nil
	}

	release()
	out, rerr := responses.FromChatCompletions(result.Body)
	if rerr != nil {
		return nil, "", rerr
	}
	return &Response{StatusCode: result.StatusCode, Header: result.Header, Body: out, Dialect: "chat_completions"}, shim, nil
}

// responsesReencoder adapts the raw Chat-Completions SSE text the shim
// receives from a proxy backend into Responses-dialect frames using the
// same stateful encoder httpapi uses for typed-backend streams.
type responsesReencoder struct {
	buf *sse.Writer
	enc *responses.Encoder
	ch  chan string
}

func newResponsesReencoder(model string) *responsesReencoder {
	ch := make(chan string, 64)
	w := sse.NewWriter(bufio.NewWriter(&chanWriter{ch: ch}))
	return &responsesReencoder{buf: w, enc: responses.NewEncoder(w, "", model), ch: ch}
}

func (r *responsesReencoder) feed(data string) []string {
	_ = r.enc.Feed(data)
	return r.drain()
}

func (r *responsesReencoder) finish() []string {
	_ = r.enc.Finish()
	close(r.ch)
	out := r.drain()
	return out
}

func (r *responsesReencoder) drain() []string {
	var out []string
	for {
		select {
		case s, ok := <-r.ch:
			if !ok {
				return out
			}
			out = append(out, s)
		default:
			return out
		}
	}
}

// chanWriter adapts a string channel to io.Writer so sse.Writer can emit
// framed events that responsesReencoder re-splits back into raw payloads.
type chanWriter struct {
	ch  chan string
	buf bytes.Buffer
}

func (w *chanWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		idx := bytes.Index(w.buf.Bytes(), []byte("\n\n"))
		if idx < 0 {
			break
		}
		frame := w.buf.Bytes()[:idx]
		w.ch <- string(bytes.TrimPrefix(frame, []byte("data: ")))
		w.buf.Next(idx + 2)
	}
	return len(p), nil
}

// attemptFiles dispatches the /v1/files family (spec C10) to the
// candidate's typed FileClient via translate.Backend. fileKind selects
// which FileClient method to call; download requests come back with
// Dialect "raw" so httpapi streams the bytes untouched instead of
// wrapping them as JSON.
func (d *Dispatcher) attemptFiles(ctx context.Context, cfg config.Backend, req *Request) (*Response, error) {
	var (
		raw json.RawMessage
		err error
	)
	switch req.Kind {
	case "files.upload":
		if req.FileUpload == nil {
			return nil, &backend.RetryableError{Backend: cfg.Name, Err: fmt.Errorf("missing file upload payload"), Retryable: false}
		}
		raw, err = d.translate.UploadFile(ctx, cfg.Provider, *req.FileUpload)
	case "files.list":
		raw, err = d.translate.ListFiles(ctx, cfg.Provider)
	case "files.retrieve":
		raw, err = d.translate.RetrieveFile(ctx, cfg.Provider, req.FileID)
	case "files.delete":
		raw, err = d.translate.DeleteFile(ctx, cfg.Provider, req.FileID)
	case "files.content":
		content, cerr := d.translate.DownloadFileContent(ctx, cfg.Provider, req.FileID)
		if cerr != nil {
			return nil, &backend.RetryableError{Backend: cfg.Name, Err: cerr, Retryable: true}
		}
		h := http.Header{}
		if content.MediaType != "" {
			h.Set("Content-Type", content.MediaType)
		}
		return &Response{StatusCode: 200, Header: h, Body: content.Bytes, Dialect: "raw"}, nil
	default:
		return nil, &backend.RetryableError{Backend: cfg.Name, Err: fmt.Errorf("unknown files kind %q", req.Kind), Retryable: false}
	}
	if err != nil {
		return nil, &backend.RetryableError{Backend: cfg.Name, Err: err, Retryable: true}
	}
	return &Response{StatusCode: 200, Body: raw, Dialect: "chat_completions"}, nil
}

// attemptBatches dispatches the /v1/batches family (spec C10) to the
// candidate's typed BatchClient via translate.Backend.
func (d *Dispatcher) attemptBatches(ctx context.Context, cfg config.Backend, req *Request) (*Response, error) {
	var (
		raw json.RawMessage
		err error
	)
	switch req.Kind {
	case "batches.create":
		raw, err = d.translate.CreateBatch(ctx, cfg.Provider, req.BatchReq)
	case "batches.retrieve":
		raw, err = d.translate.RetrieveBatch(ctx, cfg.Provider, req.BatchID)
	case "batches.cancel":
		raw, err = d.translate.CancelBatch(ctx, cfg.Provider, req.BatchID)
	default:
		return nil, &backend.RetryableError{Backend: cfg.Name, Err: fmt.Errorf("unknown batches kind %q", req.Kind), Retryable: false}
	}
	if err != nil {
		return nil, &backend.RetryableError{Backend: cfg.Name, Err: err, Retryable: true}
	}
	return &Response{StatusCode: 200, Body: raw, Dialect: "chat_completions"}, nil
}

func (d *Dispatcher) attemptTranslate(ctx context.Context, cfg config.Backend, req *Request, reqID string) (*Response, error) {
	if strings.HasPrefix(req.Kind, "files.") {
		return d.attemptFiles(ctx, cfg, req)
	}
	if strings.HasPrefix(req.Kind, "batches.") {
		return d.attemptBatches(ctx, cfg, req)
	}
	if req.Kind == "embeddings" {
		raw, err := d.translate.Embeddings(ctx, cfg.Provider, req.Model, req.EmbedInput, reqID, reqID)
		if err != nil {
			return nil, &backend.RetryableError{Backend: cfg.Name, Err: err, Retryable: true}
		}
		return &Response{StatusCode: 200, Body: raw, Dialect: "chat_completions"}, nil
	}

	raw, stream, _, err := d.translate.ChatCompletions(ctx, cfg.Provider, req.ChatBody, reqID, reqID)
	if err != nil {
		return nil, &backend.RetryableError{Backend: cfg.Name, Err: err, Retryable: true}
	}
	if stream != nil {
		events := make(chan StreamEvent, 16)
		go func() {
			defer close(events)
			defer stream.Close()
			r := sse.NewReader(stream)
			for {
				ev, err := r.Next()
				if err != nil {
					return
				}
				if ev.Data == "" || ev.Data == "[DONE]" {
					continue
				}
				events <- StreamEvent{Data: ev.Data}
			}
		}()
		return &Response{StatusCode: 200, Events: events, Dialect: "chat_completions"}, nil
	}
	return &Response{StatusCode: 200, Body: raw, Dialect: "chat_completions"}, nil
}

func wrapReleaseChan(body io.ReadCloser, release func()) <-chan StreamEvent {
	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer release()
		defer body.Close()
		r := sse.NewReader(body)
		for {
			ev, err := r.Next()
			if err != nil {
				return
			}
			if ev.Data == "" || ev.Data == "[DONE]" {
				continue
			}
			events <- StreamEvent{Data: ev.Data}
		}
	}()
	return events
}

// drainAndSettle forwards every upstream event to out, tracking the latest
// reported usage via the generic extractor, then settles the ledger and
// writes the audit record exactly once when the source closes or ctx is
// cancelled (client disconnect, spec §4.C13 "Cancellation").
func (d *Dispatcher) drainAndSettle(ctx context.Context, in <-chan StreamEvent, out chan<- StreamEvent, reservations []reservation, reqID string, vk config.VirtualKey, backendName string, candidates []string, req *Request, chargeTokens, chargeCostUSDMicros uint64, mode string) {
	defer close(out)
	var usage Usage
	var outputBytes int
	aborted := false

	for {
		select {
		case <-ctx.Done():
			aborted = true
		case ev, ok := <-in:
			if !ok {
				goto done
			}
			if u, found := extractUsage([]byte(ev.Data)); found {
				usage = u
			}
			outputBytes += len(ev.Data)
			select {
			case out <- ev:
			case <-ctx.Done():
				aborted = true
			}
			continue
		}
		break
	}

done:
	if aborted {
		for _, r := range reservations {
			_ = d.ledger.Rollback(ctx, r.ledgerID)
		}
		if d.metrics != nil {
			d.metrics.RecordError(backendName, "stream_aborted")
		}
		d.logEvent("stream.aborted", backendName, req.Model, 0, uint32(approxTokens(outputBytes)), 0, 0, false, "client_disconnect")
		return
	}
	if usage.total() == 0 {
		usage.OutputTokens = approxTokens(outputBytes)
		usage.InputTokens = uint64(req.EstimatedInputTokens)
	}
	d.settleAndAudit(ctx, reservations, reqID, vk, backendName, candidates, req, 200, chargeTokens, usage, chargeCostUSDMicros, outputBytes, mode)
}

func approxTokens(n int) uint64 { return uint64((n + 3) / 4) }

func (d *Dispatcher) settleAndAudit(ctx context.Context, reservations []reservation, reqID string, vk config.VirtualKey, backendName string, candidates []string, req *Request, status int, chargeTokens uint64, usage Usage, chargeCostUSDMicros uint64, bodyLen int, mode string) {
	spentTokens := usage.total()
	if spentTokens == 0 {
		spentTokens = chargeTokens
	}
	spentCost := chargeCostUSDMicros
	if d.pricing != nil {
		if rates, ok := d.pricing.Lookup(pricing.ModelKey(req.Model)); ok {
			spentCost = pricing.Cost(rates, pricing.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})
		}
	}

	settledAt := time.Now().UnixMilli()
	for _, r := range reservations {
		spent := spentTokens
		if r.unit == ledger.UnitUSDMicro {
			spent = spentCost
			_ = d.ledger.Commit(ctx, r.ledgerID, spentCost)
		} else {
			_ = d.ledger.Commit(ctx, r.ledgerID, spentTokens)
		}
		d.mirrorSettle(ctx, reqID, r, spent, settledAt)
	}
	if d.metrics != nil {
		d.metrics.AddTokens(backendName, req.Path, int(usage.InputTokens), int(usage.OutputTokens), false)
	}
	d.appendAudit(reqID, vk, backendName, candidates, req, status, chargeTokens, spentTokens, chargeCostUSDMicros, spentCost, bodyLen, mode)
}

// mirrorSettle appends one settled-reservation row to the optional SQL
// mirror, split into ledger-scope "kind:id" per internal/ledger.KeyScope
// et al.'s construction. Best-effort: a mirror write failure never affects
// the hot-path ledger state already committed above.
func (d *Dispatcher) mirrorSettle(ctx context.Context, reqID string, r reservation, spent uint64, settledAtMs int64) {
	if d.sqlMirror == nil {
		return
	}
	kind, id, ok := strings.Cut(string(r.scope), ":")
	if !ok {
		return
	}
	row := ledger.CostLedgerRow{RequestID: reqID, ScopeKind: kind, ScopeID: id, SettledAtMs: settledAtMs}
	if r.unit == ledger.UnitUSDMicro {
		row.SpentUSDMicros = spent
	} else {
		row.SpentTokens = spent
	}
	_ = d.sqlMirror.Append(ctx, row)
}

func (d *Dispatcher) appendAudit(reqID string, vk config.VirtualKey, backendName string, candidates []string, req *Request, status int, chargeTokens, spentTokens, chargeCostUSDMicros, spentCostUSDMicros uint64, bodyLen int, mode string) {
	if d.auditLog == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"request_id": reqID, "virtual_key_id": vk.ID, "backend": backendName,
		"attempted_backends": candidates, "method": req.Method, "path": req.Path, "model": req.Model,
		"status": status, "charge_tokens": chargeTokens, "spent_tokens": spentTokens,
		"charge_cost_usd_micros": chargeCostUSDMicros, "spent_cost_usd_micros": spentCostUSDMicros,
		"body_len": bodyLen, "mode": mode,
	})
	_, _ = d.auditLog.Append("proxy", payload)
}

// genericUsage covers the handful of upstream usage shapes the dispatcher
// must recognize without any dialect awareness: OpenAI-style
// {usage:{prompt_tokens,completion_tokens}} (also used verbatim by
// Anthropic's message_delta.usage, which carries {input_tokens,
// output_tokens} at the same top-level "usage" key), and Google's
// top-level "usageMetadata".
type genericUsage struct {
	Usage *struct {
		PromptTokens     *uint64 `json:"prompt_tokens"`
		CompletionTokens *uint64 `json:"completion_tokens"`
		InputTokens      *uint64 `json:"input_tokens"`
		OutputTokens     *uint64 `json:"output_tokens"`
	} `json:"usage"`
	UsageMetadata *struct {
		PromptTokenCount     *uint64 `json:"promptTokenCount"`
		CandidatesTokenCount *uint64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func extractUsage(body []byte) (Usage, bool) {
	var g genericUsage
	if len(body) == 0 || !json.Valid(body) {
		return Usage{}, false
	}
	if err := json.Unmarshal(body, &g); err != nil {
		return Usage{}, false
	}
	if g.Usage != nil {
		var u Usage
		switch {
		case g.Usage.InputTokens != nil:
			u.InputTokens = *g.Usage.InputTokens
		case g.Usage.PromptTokens != nil:
			u.InputTokens = *g.Usage.PromptTokens
		}
		switch {
		case g.Usage.OutputTokens != nil:
			u.OutputTokens = *g.Usage.OutputTokens
		case g.Usage.CompletionTokens != nil:
			u.OutputTokens = *g.Usage.CompletionTokens
		}
		if u.total() > 0 {
			return u, true
		}
	}
	if g.UsageMetadata != nil {
		var u Usage
		if g.UsageMetadata.PromptTokenCount != nil {
			u.InputTokens = *g.UsageMetadata.PromptTokenCount
		}
		if g.UsageMetadata.CandidatesTokenCount != nil {
			u.OutputTokens = *g.UsageMetadata.CandidatesTokenCount
		}
		if u.total() > 0 {
			return u, true
		}
	}
	return Usage{}, false
}
