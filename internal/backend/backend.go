// Package backend implements spec §4.C9's proxy backend: a per-config.Backend
// HTTP client with header/query injection, in-flight bounds, a circuit
// breaker, and retryable-error classification. It is the raw-HTTP-proxy
// counterpart to internal/translate's typed-provider path — a config.Backend
// with an empty Provider field is served here; one with Provider set goes
// through internal/translate instead.
//
// Grounded on internal/providers/openai's net/http.Client convention for
// outbound calls, and on internal/proxy/circuitbreaker.go and failover.go
// for the breaker/retry shape, generalized from provider name to backend
// name.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/llm-gateway/internal/authsource"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
)

// Result is the outcome of one attempt against a backend.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte   // nil when Stream is set
	Stream     *Stream  // non-nil for a streamed response the caller must drain/close
	BackendName string
}

// Stream carries a live upstream response body the caller reads
// incrementally (for SSE passthrough) and must Close when done.
type Stream struct {
	Body io.ReadCloser
}

func (s *Stream) Close() error {
	if s == nil || s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// RetryableError wraps an attempt failure with whether the dispatcher may
// retry it against the next backend (spec §7 Backend{message}).
type RetryableError struct {
	Backend   string
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}
func (e *RetryableError) Unwrap() error { return e.Err }

// ErrInFlightLimit is returned when a backend's (or the global) in-flight
// semaphore has no free permits.
type ErrInFlightLimit struct{ Scope string }

func (e *ErrInFlightLimit) Error() string { return "backend: in-flight limit exceeded: " + e.Scope }

type backendState struct {
	cfg      config.Backend
	sem      *semaphore.Weighted // nil when unbounded
	client   *http.Client
	resolver authsource.Resolver
}

// Manager holds one HTTP client + in-flight semaphore per configured
// backend, plus a shared circuit breaker keyed by backend name, and a
// global in-flight semaphore (spec §5 "a global proxy semaphore ... and a
// per-backend semaphore").
type Manager struct {
	mu       sync.RWMutex
	backends map[string]*backendState
	globalSem *semaphore.Weighted
	cb       *proxy.CircuitBreaker
}

// NewManager builds a Manager for every backend in backends, with a global
// in-flight cap of globalMaxInFlight (0 = unbounded). It fails if any
// backend's Auth strategy (spec §6) is misconfigured (e.g. a sigv4 leg
// missing its region) — a bad credential strategy is a startup error, not a
// per-request one.
func NewManager(backends []config.Backend, globalMaxInFlight int) (*Manager, error) {
	names := make([]string, 0, len(backends))
	states := make(map[string]*backendState, len(backends))
	for _, b := range backends {
		names = append(names, b.Name)
		resolver, err := authsource.New(b.Auth, nil)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
		st := &backendState{
			cfg:      b,
			client:   &http.Client{Timeout: timeoutFor(b)},
			resolver: resolver,
		}
		if b.MaxInFlight > 0 {
			st.sem = semaphore.NewWeighted(int64(b.MaxInFlight))
		}
		states[b.Name] = st
	}
	m := &Manager{backends: states, cb: proxy.NewCircuitBreakerForNames(names, proxy.CBConfig{})}
	if globalMaxInFlight > 0 {
		m.globalSem = semaphore.NewWeighted(int64(globalMaxInFlight))
	}
	return m, nil
}

func timeoutFor(b config.Backend) time.Duration {
	if b.TimeoutSeconds > 0 {
		return time.Duration(b.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Allow reports whether name's circuit breaker currently permits an attempt.
func (m *Manager) Allow(name string) bool { return m.cb.Allow(name) }

// Request is one outbound dispatch request against a named backend.
type Request struct {
	Method         string
	Path           string // upstream path, e.g. "/v1/chat/completions"
	Query          url.Values
	Header         http.Header
	Body           []byte
	Stream         bool
}

// Do performs one attempt against backendName: acquires global + per-backend
// permits, applies header/query injection, and issues the HTTP call. The
// returned func releases both permits together; the caller calls it once it
// is done with the result (for a stream, after the body has been drained).
func (m *Manager) Do(ctx context.Context, backendName string, req Request) (*Result, func(), error) {
	m.mu.RLock()
	st, ok := m.backends[backendName]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("backend: unknown backend %q", backendName)
	}

	if m.globalSem != nil {
		if !m.globalSem.TryAcquire(1) {
			return nil, nil, &ErrInFlightLimit{Scope: "global"}
		}
	}
	if st.sem != nil {
		if !st.sem.TryAcquire(1) {
			if m.globalSem != nil {
				m.globalSem.Release(1)
			}
			return nil, nil, &ErrInFlightLimit{Scope: "backend:" + backendName}
		}
	}
	release := func() {
		if st.sem != nil {
			st.sem.Release(1)
		}
		if m.globalSem != nil {
			m.globalSem.Release(1)
		}
	}

	result, err := m.doRequest(ctx, st, req)
	if err != nil {
		release()
		m.cb.RecordFailure(backendName)
		retryable := isRetryableErr(err, st.cfg)
		return nil, nil, &RetryableError{Backend: backendName, Err: err, Retryable: retryable}
	}

	if isRetryableStatus(result.StatusCode, st.cfg) {
		if result.Stream != nil {
			_ = result.Stream.Close()
		}
		release()
		m.cb.RecordFailure(backendName)
		return result, nil, &RetryableError{Backend: backendName, Err: fmt.Errorf("status %d", result.StatusCode), Retryable: true}
	}

	m.cb.RecordSuccess(backendName)
	result.BackendName = backendName

	if result.Stream == nil {
		release()
		return result, func() {}, nil
	}
	// Streaming: caller owns release() until the stream is fully drained.
	return result, release, nil
}

func (m *Manager) doRequest(ctx context.Context, st *backendState, req Request) (*Result, error) {
	u, err := url.Parse(st.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	u.Path = joinPath(u.Path, req.Path)

	q := u.Query()
	for k, v := range st.cfg.QueryParams {
		q.Set(k, v)
	}
	for k, vals := range req.Query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	stripAuth := true // ditto always injects its own backend credentials
	hdr := BuildOutboundHeaders(req.Header, st.cfg.Headers, stripAuth)

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = hdr

	if st.resolver != nil {
		if err := st.resolver.Apply(ctx, httpReq, req.Body); err != nil {
			return nil, fmt.Errorf("authsource: %w", err)
		}
	}

	resp, err := st.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Stream: &Stream{Body: resp.Body}}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func joinPath(base, extra string) string {
	if base == "" {
		return extra
	}
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(extra) > 0 && extra[0] != '/' {
		extra = "/" + extra
	}
	return base + extra
}

func isRetryableStatus(status int, cfg config.Backend) bool {
	if !cfg.Retry.Enabled {
		return false
	}
	for _, code := range cfg.Retry.RetryStatusCodes {
		if code == status {
			return true
		}
	}
	return status >= 500
}

func isRetryableErr(err error, cfg config.Backend) bool {
	if !cfg.Retry.Enabled {
		return true // network errors are always worth failing over even without retry config
	}
	return true
}
