// Package audit implements the append-only, hash-chained audit log of spec
// §3/§6: one record per dispatcher decision, each hash covering the prior
// record's hash plus its own canonical payload, independent of export
// format. The append path reuses the teacher's non-blocking batched logger
// shape (internal/logger) so audit writes never block the request hot path.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is one audit-log entry (spec §3 AuditRecord).
type Record struct {
	ID       string          `json:"id"`
	TSMs     int64           `json:"ts_ms"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash,omitempty"`
	Hash     string          `json:"hash"`
}

// hashInput is the canonical, hash-free view of a record that gets hashed
// (spec §3: "SHA-256 over prev_hash || '\n' || canonical(payload-without-hash)").
type hashInput struct {
	ID      string          `json:"id"`
	TSMs    int64           `json:"ts_ms"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func computeHash(prevHash string, id string, tsMs int64, kind string, payload json.RawMessage) (string, error) {
	canonical, err := json.Marshal(hashInput{ID: id, TSMs: tsMs, Kind: kind, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("audit: marshal canonical payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("\n"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sink persists appended records durably. MemorySink and the ClickHouse
// sink (clickhouse.go) both implement it.
type Sink interface {
	AppendBatch(ctx context.Context, records []Record) error
}

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Log is the hash-chained, non-blocking audit logger. One Log per process;
// Append is safe for concurrent use — the hash chain itself is serialized
// internally so concurrent callers never race on prev_hash.
type Log struct {
	sink Sink

	chainMu  sync.Mutex
	lastHash string

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedMu sync.Mutex
	dropped   int64
}

// New builds a Log writing through to sink. lastHash seeds the chain (empty
// for a fresh log; pass the last known hash when resuming against existing
// storage so the chain continues rather than restarting).
func New(sink Sink, lastHash string) *Log {
	l := &Log{
		sink:     sink,
		lastHash: lastHash,
		ch:       make(chan Record, channelBuffer),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Append computes the next record in the chain and enqueues it for
// asynchronous flush. The chain advances synchronously (so concurrent
// Append calls never produce the same prev_hash), but the durable write is
// batched in the background.
func (l *Log) Append(kind string, payload json.RawMessage) (Record, error) {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()

	id := ulid.Make().String()
	ts := time.Now().UnixMilli()
	hash, err := computeHash(l.lastHash, id, ts, kind, payload)
	if err != nil {
		return Record{}, err
	}

	rec := Record{ID: id, TSMs: ts, Kind: kind, Payload: payload, PrevHash: l.lastHash, Hash: hash}
	l.lastHash = hash

	select {
	case l.ch <- rec:
	default:
		l.droppedMu.Lock()
		l.dropped++
		l.droppedMu.Unlock()
	}
	return rec, nil
}

// Dropped returns the count of records dropped because the buffer was full.
func (l *Log) Dropped() int64 {
	l.droppedMu.Lock()
	defer l.droppedMu.Unlock()
	return l.dropped
}

// Close drains the pending buffer and stops the background flusher.
func (l *Log) Close() {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}

func (l *Log) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)
	ctx := context.Background()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.AppendBatch(ctx, batch); err != nil {
			// Best-effort: the sink is responsible for its own retry/alerting.
			// Losing an audit batch must never block or crash the gateway.
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// VerifyChain checks that records form a valid, unbroken hash chain in the
// order given. Returns the index of the first broken record, or -1 if the
// whole slice verifies.
func VerifyChain(records []Record) int {
	prev := ""
	for i, r := range records {
		if r.PrevHash != prev {
			return i
		}
		want, err := computeHash(r.PrevHash, r.ID, r.TSMs, r.Kind, r.Payload)
		if err != nil || want != r.Hash {
			return i
		}
		prev = r.Hash
	}
	return -1
}
