package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLog_AppendBuildsValidChain(t *testing.T) {
	sink := NewMemorySink()
	l := New(sink, "")
	defer l.Close()

	r1, err := l.Append("proxy.request", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if r1.PrevHash != "" {
		t.Fatalf("first record should have empty prev_hash, got %q", r1.PrevHash)
	}

	r2, err := l.Append("proxy.response", json.RawMessage(`{"b":2}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if r2.PrevHash != r1.Hash {
		t.Fatalf("second record's prev_hash = %q, want %q", r2.PrevHash, r1.Hash)
	}

	if idx := VerifyChain([]Record{r1, r2}); idx != -1 {
		t.Fatalf("VerifyChain found break at index %d", idx)
	}
}

func TestLog_FlushesToSink(t *testing.T) {
	sink := NewMemorySink()
	l := New(sink, "")

	for i := 0; i < 5; i++ {
		if _, err := l.Append("proxy.request", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l.Close() // Close drains the buffer synchronously.

	got := sink.Query(0, 0, 0)
	if len(got) != 5 {
		t.Fatalf("sink has %d records, want 5", len(got))
	}
}

func TestLog_SeedsChainFromLastHash(t *testing.T) {
	sink := NewMemorySink()
	l := New(sink, "deadbeef")
	defer l.Close()

	r, err := l.Append("proxy.request", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if r.PrevHash != "deadbeef" {
		t.Fatalf("prev_hash = %q, want deadbeef", r.PrevHash)
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	sink := NewMemorySink()
	l := New(sink, "")
	defer l.Close()

	r1, _ := l.Append("proxy.request", json.RawMessage(`{"a":1}`))
	r2, _ := l.Append("proxy.response", json.RawMessage(`{"b":2}`))

	tampered := r2
	tampered.Payload = json.RawMessage(`{"b":999}`)

	if idx := VerifyChain([]Record{r1, tampered}); idx != 1 {
		t.Fatalf("VerifyChain = %d, want 1 (tampered record detected)", idx)
	}
}

func TestMemorySink_QueryFiltersByTimeRange(t *testing.T) {
	sink := NewMemorySink()
	now := time.Now().UnixMilli()
	sink.AppendBatch(context.Background(), []Record{
		{ID: "1", TSMs: now - 1000, Kind: "a"},
		{ID: "2", TSMs: now, Kind: "b"},
		{ID: "3", TSMs: now + 1000, Kind: "c"},
	})

	got := sink.Query(now, 0, 0)
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
}

func TestEncodeJSONL(t *testing.T) {
	records := []Record{{ID: "1", TSMs: 100, Kind: "proxy.request", Payload: json.RawMessage(`{"x":1}`), Hash: "h1"}}
	out, err := EncodeJSONL(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Record
	line := strings.TrimSpace(string(out))
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if decoded.ID != "1" || decoded.Hash != "h1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestEncodeCSV_HasExpectedHeader(t *testing.T) {
	out, err := EncodeCSV([]Record{{ID: "1", TSMs: 100, Kind: "k", Payload: json.RawMessage(`{}`), Hash: "h"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if lines[0] != "id,ts_ms,kind,payload_json,prev_hash,hash" {
		t.Fatalf("header = %q", lines[0])
	}
	if len(lines) != 2 {
		t.Fatalf("want 1 header + 1 row, got %d lines", len(lines))
	}
}

func TestBuildManifest(t *testing.T) {
	records := []Record{{ID: "1", Hash: "h1"}, {ID: "2", Hash: "h2"}}
	body := []byte("dummy body")
	m := BuildManifest("https://gw.example", "/admin/audit/export?format=jsonl", FormatJSONL, nil, nil, 100, body, records)

	if m.Format != "jsonl" || m.ContentType != "application/x-ndjson" {
		t.Fatalf("m = %+v", m)
	}
	if m.Bytes != len(body) {
		t.Fatalf("bytes = %d, want %d", m.Bytes, len(body))
	}
	if m.HashChainLast != "h2" {
		t.Fatalf("hash_chain_last = %q, want h2", m.HashChainLast)
	}
	if m.Records == nil || *m.Records != 2 {
		t.Fatalf("records = %v, want 2", m.Records)
	}
}
