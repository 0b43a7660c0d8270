package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Entry is one cached proxy response (spec §3 ProxyCacheEntry).
type Entry struct {
	Status        int
	Headers       http.Header
	Body          []byte
	Backend       string
	InsertedAtUTC int64 // epoch seconds
}

// Fingerprint computes the stable cache key for a request, per spec §4.C12:
// a hash of (scope, backend, method, path, normalized body, relevant
// headers). scope is the virtual_key_id, or the raw x-api-key when no
// virtual key is configured.
func Fingerprint(scope, backend, method, path string, normalizedBody []byte, relevantHeaders map[string]string) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(backend))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(normalizedBody)
	h.Write([]byte{0})

	keys := make([]string, 0, len(relevantHeaders))
	for k := range relevantHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(relevantHeaders[k]))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// LRUCache is the ristretto-backed proxy-response cache, bounded at
// max_entries (each entry costs 1). Eviction is ristretto's: victims are
// picked by sampled LFU behind a TinyLFU admission filter, so the order is
// not strict least-recently-used and a Set can be dropped at admission.
// Grounded on Strob0t-CodeForge's use of dgraph-io/ristretto as an
// admission-counting in-memory cache, repurposed here from a generic byte
// cache into the gateway's ProxyCacheEntry store.
type LRUCache struct {
	cache       *ristretto.Cache[string, Entry]
	maxEntries  int64
	maxBodyBytes int
}

// LRUCacheConfig controls admission bounds.
type LRUCacheConfig struct {
	MaxEntries   int64
	MaxBodyBytes int
}

// NewLRUCache builds an LRUCache sized for cfg.MaxEntries items.
func NewLRUCache(cfg LRUCacheConfig) (*LRUCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: c, maxEntries: cfg.MaxEntries, maxBodyBytes: cfg.MaxBodyBytes}, nil
}

// Get returns the entry for key, if present and admitted.
func (l *LRUCache) Get(ctx context.Context, key string) (Entry, bool) {
	return l.cache.Get(key)
}

// Set admits entry under key with ttl, rejecting bodies over the
// configured max_body_bytes (spec §4.C12).
func (l *LRUCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) bool {
	if l.maxBodyBytes > 0 && len(entry.Body) > l.maxBodyBytes {
		return false
	}
	ok := l.cache.SetWithTTL(key, entry, 1, ttl)
	l.cache.Wait()
	return ok
}

// Delete purges a single key (admin purge by cache key, spec §6).
func (l *LRUCache) Delete(ctx context.Context, key string) {
	l.cache.Del(key)
}

// Close releases ristretto's background goroutines.
func (l *LRUCache) Close() {
	l.cache.Close()
}

// EncodeHeaders/DecodeHeaders round-trip http.Header through JSON for
// storage alongside an Entry when a backend (e.g. a SQL mirror) needs a
// flat byte representation instead of the in-process struct.
func EncodeHeaders(h http.Header) ([]byte, error) { return json.Marshal(h) }

func DecodeHeaders(b []byte) (http.Header, error) {
	var h http.Header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	return h, nil
}

// lruAsCache adapts LRUCache's richer Entry shape to the plain Cache
// interface internal/dispatch drives. No CACHE_MODE value selects it:
// config accepts only redis, memory and none, and internal/app does not
// construct it.
type lruAsCache struct{ l *LRUCache }

// NewLRUAsCache wraps a ristretto-backed LRUCache as a Cache.
func NewLRUAsCache(cfg LRUCacheConfig) (Cache, error) {
	l, err := NewLRUCache(cfg)
	if err != nil {
		return nil, err
	}
	return &lruAsCache{l: l}, nil
}

func (c *lruAsCache) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := c.l.Get(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Body, true
}

func (c *lruAsCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.l.Set(ctx, key, Entry{Body: value, InsertedAtUTC: time.Now().Unix()}, ttl)
	return nil
}

func (c *lruAsCache) Delete(ctx context.Context, key string) error {
	c.l.Delete(ctx, key)
	return nil
}

// Close releases ristretto's background goroutines.
func (c *lruAsCache) Close() { c.l.Close() }
