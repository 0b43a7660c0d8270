package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// HealthChecker runs the optional active probe loop of spec §4.C9
// ("health_check.path at interval_seconds"), adapted from
// internal/proxy/healthchecker.go's provider-keyed probe loop to
// config.Backend's per-backend HealthCheckConfig.
type HealthChecker struct {
	mu      sync.RWMutex
	status  map[string]bool
	client  *http.Client
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHealthChecker starts a probe goroutine per backend that declares a
// HealthCheck config; backends without one are reported healthy.
func NewHealthChecker(ctx context.Context, backends []config.Backend) *HealthChecker {
	hc := &HealthChecker{
		status: make(map[string]bool),
		client: &http.Client{},
		done:   make(chan struct{}),
	}
	for _, b := range backends {
		hc.status[b.Name] = true
		if b.HealthCheck == nil {
			continue
		}
		hc.wg.Add(1)
		go hc.loop(ctx, b)
	}
	return hc
}

func (hc *HealthChecker) loop(ctx context.Context, b config.Backend) {
	defer hc.wg.Done()
	interval := time.Duration(b.HealthCheck.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	hc.probe(ctx, b)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe(ctx, b)
		case <-hc.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe(ctx context.Context, b config.Backend) {
	timeout := time.Duration(b.HealthCheck.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok := false
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, joinPath(b.BaseURL, b.HealthCheck.Path), nil)
	if err == nil {
		resp, err := hc.client.Do(req)
		if err == nil {
			ok = resp.StatusCode < 500
			resp.Body.Close()
		}
	}

	hc.mu.Lock()
	hc.status[b.Name] = ok
	hc.mu.Unlock()
}

// Snapshot returns the last known health state for every tracked backend.
func (hc *HealthChecker) Snapshot() map[string]bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make(map[string]bool, len(hc.status))
	for k, v := range hc.status {
		out[k] = v
	}
	return out
}

// Close stops all probe loops.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}
