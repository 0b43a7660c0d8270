package cache

import (
	"context"
	"testing"
	"time"
)

func TestFingerprint_StableForSameInputs(t *testing.T) {
	a := Fingerprint("key-1", "backend-a", "POST", "/v1/chat/completions", []byte(`{"model":"gpt-4o"}`), map[string]string{"x-tenant": "acme"})
	b := Fingerprint("key-1", "backend-a", "POST", "/v1/chat/completions", []byte(`{"model":"gpt-4o"}`), map[string]string{"x-tenant": "acme"})
	if a != b {
		t.Fatalf("fingerprints differ for identical inputs: %s vs %s", a, b)
	}
}

func TestFingerprint_DiffersOnScope(t *testing.T) {
	a := Fingerprint("key-1", "backend-a", "POST", "/v1/chat/completions", []byte(`{}`), nil)
	b := Fingerprint("key-2", "backend-a", "POST", "/v1/chat/completions", []byte(`{}`), nil)
	if a == b {
		t.Fatal("fingerprints should differ across scopes")
	}
}

func TestFingerprint_HeaderOrderIndependent(t *testing.T) {
	h1 := map[string]string{"a": "1", "b": "2"}
	h2 := map[string]string{"b": "2", "a": "1"}
	a := Fingerprint("k", "be", "GET", "/p", nil, h1)
	b := Fingerprint("k", "be", "GET", "/p", nil, h2)
	if a != b {
		t.Fatal("fingerprint must be independent of header map iteration order")
	}
}

func TestLRUCache_SetAndGet(t *testing.T) {
	c, err := NewLRUCache(LRUCacheConfig{MaxEntries: 100, MaxBodyBytes: 1 << 20})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	entry := Entry{Status: 200, Body: []byte(`{"ok":true}`), Backend: "backend-a"}
	if ok := c.Set(ctx, "key-1", entry, time.Minute); !ok {
		t.Fatal("set should succeed")
	}

	got, ok := c.Get(ctx, "key-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Status != 200 || string(got.Body) != `{"ok":true}` {
		t.Fatalf("got = %+v", got)
	}
}

func TestLRUCache_RejectsOversizedBody(t *testing.T) {
	c, err := NewLRUCache(LRUCacheConfig{MaxEntries: 100, MaxBodyBytes: 4})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	ok := c.Set(context.Background(), "key-1", Entry{Body: []byte("too long")}, time.Minute)
	if ok {
		t.Fatal("set should reject a body over max_body_bytes")
	}
}

func TestLRUCache_Delete(t *testing.T) {
	c, err := NewLRUCache(LRUCacheConfig{MaxEntries: 100, MaxBodyBytes: 1 << 20})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "key-1", Entry{Status: 200}, time.Minute)
	c.Delete(ctx, "key-1")

	if _, ok := c.Get(ctx, "key-1"); ok {
		t.Fatal("expected miss after delete")
	}
}
