package httpapi

import (
	"log/slog"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/ledger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
)

// Server holds every shared dependency the HTTP surface needs: the
// dispatcher for client-facing traffic, plus the pieces the admin surface
// reaches around the dispatcher to touch directly (policy store, ledger,
// audit sink, health checker).
type Server struct {
	dispatcher *dispatch.Dispatcher
	store      *config.Store
	ledger     ledger.Ledger
	cache      cache.Cache
	auditSink  *audit.MemorySink
	sqlMirror  *ledger.SQLMirror
	metrics    *metrics.Registry
	health     *proxy.HealthChecker
	cfg        *config.Config

	adminToken  string
	corsOrigins []string
	log         *slog.Logger
}

// Options configures a new Server.
type Options struct {
	Dispatcher  *dispatch.Dispatcher
	Store       *config.Store
	Ledger      ledger.Ledger
	Cache       cache.Cache
	AuditSink   *audit.MemorySink
	SQLMirror   *ledger.SQLMirror
	Metrics     *metrics.Registry
	Health      *proxy.HealthChecker
	Config      *config.Config
	AdminToken  string
	CORSOrigins []string
	Log         *slog.Logger
}

// NewServer builds a Server ready to have Routes() mounted.
func NewServer(opts Options) *Server {
	return &Server{
		dispatcher:  opts.Dispatcher,
		store:       opts.Store,
		ledger:      opts.Ledger,
		cache:       opts.Cache,
		auditSink:   opts.AuditSink,
		sqlMirror:   opts.SQLMirror,
		metrics:     opts.Metrics,
		health:      opts.Health,
		cfg:         opts.Config,
		adminToken:  opts.AdminToken,
		corsOrigins: opts.CORSOrigins,
		log:         opts.Log,
	}
}

// Handler builds the full fasthttp.RequestHandler: every client-facing
// dialect route, the admin surface, and health/metrics, wrapped in the
// teacher's middleware chain (internal/proxy/middleware.go, formerly wired
// in the monolithic router.go this package replaces).
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	// ── OpenAI Chat Completions dialect (also the dispatcher's native shape) ──
	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/completions", s.handleChatCompletions)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.POST("/v1/responses", s.handleResponses)

	// ── Anthropic dialect ──────────────────────────────────────────────────
	r.POST("/v1/messages", s.handleMessages)
	r.POST("/v1/messages/count_tokens", s.handleCountTokens)

	// ── Google Gemini dialect. {model} captures the whole
	// "<model>:generateContent"/"<model>:streamGenerateContent"/
	// "<model>:countTokens" segment — split on ':' in the handler. ──────────
	r.POST("/v1beta/models/{model}", s.handleGenerateContentPath)
	r.POST("/v1/models/{model}", s.handleGenerateContentPath)
	r.POST("/v1internal:generateContent", s.handleCloudCodeGenerateContent)
	r.POST("/v1internal:streamGenerateContent", s.handleCloudCodeGenerateContent)

	// ── Raw passthrough surface (moderations, images, audio, rerank —
	// forwarded byte-for-byte to whatever raw-HTTP backend the router
	// resolves) ──────────────────────────────────────────────────────────
	r.POST("/v1/moderations", s.handleRawProxy)
	r.POST("/v1/images/generations", s.handleRawProxy)
	r.POST("/v1/images/edits", s.handleRawProxy)
	r.POST("/v1/audio/speech", s.handleRawProxy)
	r.POST("/v1/audio/transcriptions", s.handleRawProxy)
	r.POST("/v1/rerank", s.handleRawProxy)

	// ── Files & batches: typed FileClient/BatchClient adapters over a
	// Provider!="" backend (spec C10), falling back to raw proxying when
	// the resolved backend is Provider=="" ─────────────────────────────────
	r.GET("/v1/files", s.handleFilesList)
	r.POST("/v1/files", s.handleFilesUpload)
	r.GET("/v1/files/{id}", s.handleFileGet)
	r.DELETE("/v1/files/{id}", s.handleFileDelete)
	r.GET("/v1/files/{id}/content", s.handleFileContent)

	r.POST("/v1/batches", s.handleBatchesCreate)
	r.GET("/v1/batches/{id}", s.handleBatchGet)
	r.POST("/v1/batches/{id}/cancel", s.handleBatchCancel)

	// ── Admin surface ──────────────────────────────────────────────────────
	r.GET("/admin/keys", s.requireAdmin(s.handleListKeys))
	r.POST("/admin/keys", s.requireAdmin(s.handleCreateKey))
	r.PUT("/admin/keys/{id}", s.requireAdmin(s.handleUpdateKey))
	r.DELETE("/admin/keys/{id}", s.requireAdmin(s.handleDeleteKey))

	r.POST("/key/generate", s.requireAdmin(s.handleCreateKey))
	r.POST("/key/regenerate", s.requireAdmin(s.handleRegenerateKey))
	r.POST("/key/regenerate/{key}", s.requireAdmin(s.handleRegenerateKey))

	r.GET("/admin/audit", s.requireAdmin(s.handleAuditQuery))
	r.GET("/admin/audit/export", s.requireAdmin(s.handleAuditExport))

	r.GET("/admin/cost_ledgers", s.requireAdmin(s.handleListCostLedgers))
	r.GET("/admin/cost_ledgers/{scope}/{id}", s.requireAdmin(s.handleCostLedger))

	r.POST("/admin/proxy_cache/purge", s.requireAdmin(s.handleCachePurge))

	r.GET("/admin/config", s.requireAdmin(s.handleDebugConfig))

	r.POST("/admin/policy/import/litellm", s.requireAdmin(s.handleImportLiteLLM))

	// ── A2A JSON-RPC stub (spec §6 lists the endpoint; the underlying
	// tool-loop is an out-of-scope external collaborator — this returns a
	// well-formed method_not_found rather than silently 404ing) ────────────
	r.POST("/a2a/{agent_id}", s.handleA2AStub)

	// ── Operational endpoints ────────────────────────────────────────────
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/metrics", func(ctx *fasthttp.RequestCtx) { s.metrics.Handler()(ctx) })

	return proxy.ApplyMiddleware(r.Handler,
		proxy.Recovery,
		proxy.RequestID,
		proxy.Timing,
		proxy.CORSHandler(s.corsOrigins),
		proxy.SecurityHeaders,
	)
}

// requireAdmin gates h behind a bearer token or x-admin-token header
// matching the configured AdminToken. An empty AdminToken disables the
// entire admin surface (every call 403s) rather than leaving it open.
func (s *Server) requireAdmin(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.adminToken == "" || !adminAuthorized(ctx, s.adminToken) {
			ctx.SetStatusCode(fasthttp.StatusForbidden)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":{"message":"admin token required","type":"forbidden"}}`)
			return
		}
		h(ctx)
	}
}

func adminAuthorized(ctx *fasthttp.RequestCtx, token string) bool {
	if v := string(ctx.Request.Header.Peek("X-Admin-Token")); v != "" {
		return v == token
	}
	if v := string(ctx.Request.Header.Peek("Authorization")); v != "" {
		const prefix = "Bearer "
		if len(v) > len(prefix) && v[:len(prefix)] == prefix {
			return v[len(prefix):] == token
		}
		return v == token
	}
	return false
}
