package httpapi

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/ledger"
)

// handleListKeys serves GET /admin/keys: every virtual key in the current
// policy snapshot, with Token omitted (json:"-" on config.VirtualKey.Token).
func (s *Server) handleListKeys(ctx *fasthttp.RequestCtx) {
	policy := s.store.Snapshot()
	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"data": policy.VirtualKeys})
}

// createKeyRequest is the LiteLLM-compatible /key/generate body, also
// accepted at POST /admin/keys.
type createKeyRequest struct {
	TenantID  string              `json:"tenant_id"`
	ProjectID string              `json:"project_id"`
	UserID    string              `json:"user_id"`
	Limits    config.Limits       `json:"limits"`
	Budget    config.Budget       `json:"budget"`
	Route     string              `json:"route"`
	Guardrails config.GuardrailsConfig `json:"guardrails"`
}

// handleCreateKey serves POST /admin/keys and POST /key/generate: mints a
// new virtual key, appends it to the policy under copy-on-write, and swaps
// it into the Store.
func (s *Server) handleCreateKey(ctx *fasthttp.RequestCtx) {
	var req createKeyRequest
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
	}

	vk := config.VirtualKey{
		ID:         "vk-" + uuid.NewString(),
		Token:      "sk-" + uuid.NewString(),
		Enabled:    true,
		TenantID:   req.TenantID,
		ProjectID:  req.ProjectID,
		UserID:     req.UserID,
		Limits:     req.Limits,
		Budget:     req.Budget,
		Route:      req.Route,
		Guardrails: req.Guardrails,
	}

	policy := s.store.Snapshot()
	next := *policy
	next.VirtualKeys = append(append([]config.VirtualKey{}, policy.VirtualKeys...), vk)
	s.store.Swap(&next)

	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{
		"id": vk.ID, "key": vk.Token, "tenant_id": vk.TenantID, "project_id": vk.ProjectID, "user_id": vk.UserID,
	})
}

// regenerateKeyRequest is the LiteLLM-compatible /key/regenerate[/{key}]
// body. The path param (when present) takes precedence over the body's
// key field for identifying which virtual key to rotate.
type regenerateKeyRequest struct {
	Key    string `json:"key"`
	NewKey string `json:"new_key"`
}

// handleRegenerateKey serves POST /key/regenerate and
// POST /key/regenerate/{key}: rotates the Token of an existing virtual key
// in place, leaving its id, limits, and budget untouched. The key is
// identified by its current token or by its virtual-key id.
func (s *Server) handleRegenerateKey(ctx *fasthttp.RequestCtx) {
	var req regenerateKeyRequest
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
	}

	lookupKey, _ := ctx.UserValue("key").(string)
	if lookupKey == "" {
		lookupKey = req.Key
	}
	if lookupKey == "" {
		writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": "key is required"})
		return
	}

	newToken := req.NewKey
	if newToken == "" {
		newToken = "sk-" + uuid.NewString()
	} else if !strings.HasPrefix(newToken, "sk-") {
		writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": "new_key must start with sk-"})
		return
	}

	policy := s.store.Snapshot()
	next := *policy
	next.VirtualKeys = append([]config.VirtualKey{}, policy.VirtualKeys...)

	idx := -1
	for i, vk := range next.VirtualKeys {
		if vk.Token == lookupKey || vk.ID == lookupKey {
			idx = i
			continue
		}
		if vk.Token == newToken {
			writeJSONBody(ctx, fasthttp.StatusConflict, map[string]any{"error": "new_key already in use"})
			return
		}
	}
	if idx == -1 {
		writeJSONBody(ctx, fasthttp.StatusNotFound, map[string]any{"error": "virtual key not found"})
		return
	}

	rotated := next.VirtualKeys[idx]
	rotated.Token = newToken
	next.VirtualKeys[idx] = rotated
	s.store.Swap(&next)

	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{
		"id": rotated.ID, "key": rotated.Token,
		"tenant_id": rotated.TenantID, "project_id": rotated.ProjectID, "user_id": rotated.UserID,
		"limits": rotated.Limits, "budget": rotated.Budget,
	})
}

// handleUpdateKey serves PUT /admin/keys/{id}: replaces the named key's
// mutable fields (enabled, limits, budget, guardrails, route), leaving its
// id and token untouched.
func (s *Server) handleUpdateKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	var req struct {
		Enabled    *bool                    `json:"enabled"`
		Limits     *config.Limits           `json:"limits"`
		Budget     *config.Budget           `json:"budget"`
		Route      *string                  `json:"route"`
		Guardrails *config.GuardrailsConfig `json:"guardrails"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	policy := s.store.Snapshot()
	next := *policy
	next.VirtualKeys = append([]config.VirtualKey{}, policy.VirtualKeys...)

	found := false
	for i, vk := range next.VirtualKeys {
		if vk.ID != id {
			continue
		}
		found = true
		if req.Enabled != nil {
			vk.Enabled = *req.Enabled
		}
		if req.Limits != nil {
			vk.Limits = *req.Limits
		}
		if req.Budget != nil {
			vk.Budget = *req.Budget
		}
		if req.Route != nil {
			vk.Route = *req.Route
		}
		if req.Guardrails != nil {
			vk.Guardrails = *req.Guardrails
		}
		next.VirtualKeys[i] = vk
	}
	if !found {
		writeJSONBody(ctx, fasthttp.StatusNotFound, map[string]any{"error": "virtual key not found"})
		return
	}
	s.store.Swap(&next)
	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"id": id, "updated": true})
}

// handleDeleteKey serves DELETE /admin/keys/{id}.
func (s *Server) handleDeleteKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	policy := s.store.Snapshot()
	next := *policy
	next.VirtualKeys = make([]config.VirtualKey, 0, len(policy.VirtualKeys))
	removed := false
	for _, vk := range policy.VirtualKeys {
		if vk.ID == id {
			removed = true
			continue
		}
		next.VirtualKeys = append(next.VirtualKeys, vk)
	}
	if !removed {
		writeJSONBody(ctx, fasthttp.StatusNotFound, map[string]any{"error": "virtual key not found"})
		return
	}
	s.store.Swap(&next)
	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"id": id, "deleted": true})
}

// handleAuditQuery serves GET /admin/audit?since_ts_ms=&before_ts_ms=&limit=.
func (s *Server) handleAuditQuery(ctx *fasthttp.RequestCtx) {
	since := queryInt64(ctx, "since_ts_ms", 0)
	before := queryInt64(ctx, "before_ts_ms", 0)
	limit := int(queryInt64(ctx, "limit", 100))

	records := s.auditSink.Query(since, before, limit)
	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"data": records})
}

// handleAuditExport serves GET /admin/audit/export?format=jsonl|csv, returning
// the encoded body plus an X-Audit-Manifest header (spec §6).
func (s *Server) handleAuditExport(ctx *fasthttp.RequestCtx) {
	format := audit.Format(string(ctx.QueryArgs().Peek("format")))
	if format == "" {
		format = audit.FormatJSONL
	}
	since := queryInt64(ctx, "since_ts_ms", 0)
	before := queryInt64(ctx, "before_ts_ms", 0)
	limit := int(queryInt64(ctx, "limit", 1000))

	records := s.auditSink.Query(since, before, limit)

	var body []byte
	var err error
	switch format {
	case audit.FormatCSV:
		body, err = audit.EncodeCSV(records)
	default:
		body, err = audit.EncodeJSONL(records)
	}
	if err != nil {
		writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	var sincePtr, beforePtr *int64
	if since != 0 {
		sincePtr = &since
	}
	if before != 0 {
		beforePtr = &before
	}
	manifest := audit.BuildManifest(s.baseURLFromCtx(ctx), string(ctx.RequestURI()), format, sincePtr, beforePtr, limit, body, records)
	manifestJSON, _ := json.Marshal(manifest)

	ctx.Response.Header.Set("X-Audit-Manifest", string(manifestJSON))
	ctx.SetContentType(audit.ContentType(format))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

// scopeKindToMirror maps the URL's {scope} segment to the prefix
// internal/ledger's Scope constructors embed ("virtual_key:<id>" etc), so
// SQLMirror.ListByScope's scope_kind column lines up with what
// mirrorSettle (internal/dispatch) actually wrote.
func scopeKindToMirror(scopeKind string) string {
	if scopeKind == "key" {
		return "virtual_key"
	}
	return scopeKind
}

// handleCostLedger serves GET /admin/cost_ledgers/{scope}/{id}, returning
// both the token and USD-micros rows for that scope, plus a settled-request
// history page from the optional SQL mirror when one is configured.
func (s *Server) handleCostLedger(ctx *fasthttp.RequestCtx) {
	scopeKind, _ := ctx.UserValue("scope").(string)
	id, _ := ctx.UserValue("id").(string)

	var scope ledger.Scope
	switch scopeKind {
	case "key":
		scope = ledger.KeyScope(id)
	case "project":
		scope = ledger.ProjectScope(id)
	case "user":
		scope = ledger.UserScope(id)
	case "tenant":
		scope = ledger.TenantScope(id)
	default:
		writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": "scope must be one of key, project, user, tenant"})
		return
	}

	tokensRow, err := s.ledger.Row(ctx, scope, ledger.UnitTokens)
	if err != nil {
		writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	usdRow, err := s.ledger.Row(ctx, scope, ledger.UnitUSDMicro)
	if err != nil {
		writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	resp := map[string]any{"tokens": tokensRow, "usd_micros": usdRow}
	if s.sqlMirror != nil {
		limit := int(queryInt64(ctx, "history_limit", 100))
		offset := int(queryInt64(ctx, "history_offset", 0))
		history, err := s.sqlMirror.ListByScope(ctx, scopeKindToMirror(scopeKind), id, limit, offset)
		if err != nil {
			writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		resp["history"] = history
	}
	writeJSONBody(ctx, fasthttp.StatusOK, resp)
}

// maxAdminLedgerLimit bounds GET /admin/cost_ledgers's limit query param.
const maxAdminLedgerLimit = 500

// costLedgerEntry is one row of the bare GET /admin/cost_ledgers listing:
// a virtual key's id plus its token and USD-micros ledger rows.
type costLedgerEntry struct {
	KeyID     string                 `json:"key_id"`
	Tokens    ledger.Row             `json:"tokens"`
	USDMicros ledger.Row             `json:"usd_micros"`
	Recent    []ledger.CostLedgerRow `json:"recent,omitempty"`
}

// recentLedgerRows bounds how many SQLMirror rows handleListCostLedgers
// attaches per key — the bulk listing is a summary view, not the
// drill-down handleCostLedger's history pagination covers.
const recentLedgerRows = 5

// handleListCostLedgers serves GET /admin/cost_ledgers[?key_prefix=&limit=&offset=]:
// every virtual key's ledger rows, optionally filtered by key_id prefix and
// paginated, mirroring the scoped per-key lookup handleCostLedger performs
// for a single id.
func (s *Server) handleListCostLedgers(ctx *fasthttp.RequestCtx) {
	keyPrefix := string(ctx.QueryArgs().Peek("key_prefix"))
	limit := int(queryInt64(ctx, "limit", 100))
	offset := int(queryInt64(ctx, "offset", 0))
	if limit <= 0 || limit > maxAdminLedgerLimit {
		limit = maxAdminLedgerLimit
	}
	if offset < 0 {
		offset = 0
	}

	policy := s.store.Snapshot()
	ids := make([]string, 0, len(policy.VirtualKeys))
	for _, vk := range policy.VirtualKeys {
		if keyPrefix != "" && !strings.HasPrefix(vk.ID, keyPrefix) {
			continue
		}
		ids = append(ids, vk.ID)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		ids = nil
	} else {
		ids = ids[offset:]
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	entries := make([]costLedgerEntry, 0, len(ids))
	for _, id := range ids {
		scope := ledger.KeyScope(id)
		tokensRow, err := s.ledger.Row(ctx, scope, ledger.UnitTokens)
		if err != nil {
			writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		usdRow, err := s.ledger.Row(ctx, scope, ledger.UnitUSDMicro)
		if err != nil {
			writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		entry := costLedgerEntry{KeyID: id, Tokens: tokensRow, USDMicros: usdRow}
		if s.sqlMirror != nil {
			recent, err := s.sqlMirror.ListByScope(ctx, "virtual_key", id, recentLedgerRows, 0)
			if err != nil {
				writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			entry.Recent = recent
		}
		entries = append(entries, entry)
	}

	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"data": entries})
}

// handleImportLiteLLM serves POST /admin/policy/import/litellm: body is a
// raw LiteLLM proxy config.yaml. Backends/router rules it implies are
// upserted into the current policy snapshot under copy-on-write — existing
// backends/rules sharing a name or model_exact are replaced, everything
// else in the policy (virtual keys, pricing, budgets) is left untouched.
func (s *Server) handleImportLiteLLM(ctx *fasthttp.RequestCtx) {
	backends, router, err := config.ImportLiteLLMConfig(ctx.PostBody())
	if err != nil {
		writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	policy := s.store.Snapshot()
	next := *policy
	next.Backends = upsertBackends(policy.Backends, backends)
	next.Router.Rules = upsertRouterRules(policy.Router.Rules, router.Rules)
	s.store.Swap(&next)

	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{
		"imported_backends": len(backends),
		"imported_rules":    len(router.Rules),
		"backends":          next.Backends,
		"rules":             next.Router.Rules,
	})
}

// upsertBackends replaces any existing backend sharing a name with one of
// imported, appending the rest.
func upsertBackends(existing, imported []config.Backend) []config.Backend {
	byName := make(map[string]int, len(existing))
	out := append([]config.Backend{}, existing...)
	for i, b := range out {
		byName[b.Name] = i
	}
	for _, b := range imported {
		if i, ok := byName[b.Name]; ok {
			out[i] = b
			continue
		}
		byName[b.Name] = len(out)
		out = append(out, b)
	}
	return out
}

// upsertRouterRules replaces any existing exact-match rule sharing a
// model_exact with one of imported, appending the rest. Prefix rules are
// left alone — LiteLLM's model_list only ever implies exact matches.
func upsertRouterRules(existing, imported []config.RouterRule) []config.RouterRule {
	byModel := make(map[string]int, len(existing))
	out := append([]config.RouterRule{}, existing...)
	for i, r := range out {
		if r.ModelExact != "" {
			byModel[r.ModelExact] = i
		}
	}
	for _, r := range imported {
		if i, ok := byModel[r.ModelExact]; ok {
			out[i] = r
			continue
		}
		byModel[r.ModelExact] = len(out)
		out = append(out, r)
	}
	return out
}

// handleCachePurge serves POST /admin/proxy_cache/purge {"key": "..."}.
func (s *Server) handleCachePurge(ctx *fasthttp.RequestCtx) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Key == "" {
		writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": "key is required"})
		return
	}
	if s.cache == nil {
		writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"purged": req.Key, "cache": "disabled"})
		return
	}
	if err := s.cache.Delete(ctx, req.Key); err != nil {
		writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"purged": req.Key})
}

// handleDebugConfig serves GET /admin/config: a redacted dump of the
// running configuration, for operators diagnosing a deployment without
// shell access to the process env. Every credential field is scrubbed by
// internal/redact before the document leaves the process.
func (s *Server) handleDebugConfig(ctx *fasthttp.RequestCtx) {
	if s.cfg == nil {
		writeJSONBody(ctx, fasthttp.StatusNotFound, map[string]any{"error": "config unavailable"})
		return
	}
	body, err := s.cfg.Debug()
	if err != nil {
		writeJSONBody(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

func writeJSONBody(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	b, _ := json.Marshal(v)
	ctx.SetBody(b)
}

func queryInt64(ctx *fasthttp.RequestCtx, name string, def int64) int64 {
	v := ctx.QueryArgs().Peek(name)
	if len(v) == 0 {
		return def
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) baseURLFromCtx(ctx *fasthttp.RequestCtx) string {
	scheme := "http"
	if ctx.IsTLS() {
		scheme = "https"
	}
	return scheme + "://" + string(ctx.Host())
}
