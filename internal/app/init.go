package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/backend"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/httpapi"
	"github.com/nulpointcorp/llm-gateway/internal/ledger"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// initInfra establishes optional external connections. Redis is required
// when CACHE_MODE=redis or LEDGER_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.LedgerMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map and fails when it is empty.
// config.Load already rejects a config with no provider key unless
// ALLOW_CLIENT_API_KEYS is set.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initPolicy loads the virtual-key/backend/router/pricing document and
// starts the fsnotify watcher when enabled.
func (a *App) initPolicy(_ context.Context) error {
	policy, err := config.LoadPolicy(a.cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	a.store = config.NewStore(policy)
	a.log.Info("policy loaded",
		slog.Int("virtual_keys", len(policy.VirtualKeys)),
		slog.Int("backends", len(policy.Backends)),
	)

	if a.cfg.PolicyWatch {
		w, err := config.Watch(a.cfg.PolicyFile, a.store, a.log)
		if err != nil {
			return fmt.Errorf("policy watch: %w", err)
		}
		a.policyWatcher = w
		a.log.Info("policy hot-reload enabled", slog.String("file", a.cfg.PolicyFile))
	}

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initLedger builds the two-phase reservation ledger and starts its reaper.
func (a *App) initLedger(_ context.Context) error {
	switch a.cfg.LedgerMode {
	case "redis":
		a.ledger = ledger.NewRedisLedger(a.rdb)
	default:
		a.ledger = ledger.NewMemoryLedger()
	}

	reaperCfg := ledger.ReaperConfig{
		Schedule:  a.cfg.Reaper.Schedule,
		MaxAge:    a.cfg.Reaper.MaxAge,
		ScanLimit: a.cfg.Reaper.ScanLimit,
	}
	reaper, err := ledger.NewReaper(a.ledger, reaperCfg, a.log)
	if err != nil {
		return fmt.Errorf("ledger reaper: %w", err)
	}
	a.reaper = reaper

	return nil
}

// initAudit builds the audit log over the always-present in-memory sink
// plus an optional durable ClickHouse sink, fanned out via audit.MultiSink.
func (a *App) initAudit(ctx context.Context) error {
	a.auditSink = audit.NewMemorySink()

	sink := audit.Sink(a.auditSink)
	if a.cfg.ClickHouse.Enabled {
		ch, err := audit.NewClickHouseSink(ctx, audit.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
			Table:    a.cfg.ClickHouse.Table,
		})
		if err != nil {
			return fmt.Errorf("clickhouse audit sink: %w", err)
		}
		a.chSink = ch
		sink = audit.NewMultiSink(a.auditSink, ch)
		a.log.Info("audit export sink: clickhouse")

		mirror, err := ledger.NewSQLMirror(ctx, ledger.SQLMirrorConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("cost-ledger sql mirror: %w", err)
		}
		a.sqlMirror = mirror
		a.log.Info("cost ledger mirror: clickhouse")
	}

	a.auditLog = audit.New(sink, a.auditSink.LastHash())
	return nil
}

// initDispatch wires the config/ledger/ratelimit/cache/backend/translate/
// pricing/metrics layers into the Dispatcher that drives every
// client-facing endpoint.
func (a *App) initDispatch(_ context.Context) error {
	switch a.cfg.LedgerMode {
	case "redis":
		a.limiter = ratelimit.NewRedisLimiter(a.rdb)
	default:
		a.limiter = ratelimit.NewMemoryLimiter()
	}

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	policy := a.store.Snapshot()
	backends, err := backend.NewManager(policy.Backends, a.cfg.MaxInFlight)
	if err != nil {
		return fmt.Errorf("backend manager: %w", err)
	}
	a.backends = backends
	a.translateBackend = translate.NewBackend(a.provs)

	priceTable, err := pricing.Load(convertPriceEntries(policy.Pricing))
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	a.priceTable = priceTable

	cacheCfg := dispatch.CacheConfig{
		MaxBodyBytes: a.cfg.Cache.MaxBodyBytes,
		DefaultTTL:   a.cfg.Cache.TTL,
	}

	cacheExclusions, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}

	a.dispatcher = dispatch.New(
		a.store, a.ledger, a.limiter, a.cacheImpl, cacheCfg,
		a.auditLog, a.backends, a.translateBackend, a.priceTable, a.prom, a.reqLogger,
	).WithSQLMirror(a.sqlMirror).WithCacheExclusions(cacheExclusions)

	return nil
}

// initHTTP builds the health checker and the httpapi.Server over every
// previously-initialised dependency.
func (a *App) initHTTP(ctx context.Context) error {
	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	default:
		cacheReady = func() bool { return true }
	}

	a.health = proxy.NewHealthChecker(ctx, a.provs, cacheReady, a.prom)

	a.httpServer = httpapi.NewServer(httpapi.Options{
		Dispatcher:  a.dispatcher,
		Store:       a.store,
		Ledger:      a.ledger,
		Cache:       a.cacheImpl,
		AuditSink:   a.auditSink,
		SQLMirror:   a.sqlMirror,
		Metrics:     a.prom,
		Health:      a.health,
		Config:      a.cfg,
		AdminToken:  a.cfg.AdminToken,
		CORSOrigins: a.cfg.CORSOrigins,
		Log:         a.log,
	})

	return nil
}

// convertPriceEntries maps the policy document's pricing rows to
// internal/pricing's own Entry shape — two structs with the same fields,
// kept distinct so internal/pricing has no dependency on internal/config.
func convertPriceEntries(entries []config.PriceEntry) []pricing.Entry {
	out := make([]pricing.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, pricing.Entry{
			Model:                 e.Model,
			InputPerToken:         e.InputPerToken,
			OutputPerToken:        e.OutputPerToken,
			CacheReadPerToken:     e.CacheReadPerToken,
			CacheCreationPerToken: e.CacheCreationPerToken,
			Tiers:                 e.Tiers,
		})
	}
	return out
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
