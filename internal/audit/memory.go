package audit

import (
	"context"
	"sync"
)

// MemorySink keeps records in an ordered in-process slice, used for
// single-instance deployments, tests, and as the backing store the
// `/admin/audit` read endpoints query directly.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) AppendBatch(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// Query returns records with ts_ms in [sinceMs, beforeMs), in append order
// (oldest first), stopping after the first limit matches, for the
// `/admin/audit` and `/admin/audit/export` surfaces.
func (m *MemorySink) Query(sinceMs, beforeMs int64, limit int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, limit)
	for _, r := range m.records {
		if sinceMs > 0 && r.TSMs < sinceMs {
			continue
		}
		if beforeMs > 0 && r.TSMs >= beforeMs {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LastHash returns the hash of the most recently appended record, or "" if
// empty — used to seed a Log across a process restart.
func (m *MemorySink) LastHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return ""
	}
	return m.records[len(m.records)-1].Hash
}
