package ledger

import (
	"context"
	"sync"
)

// rowKey identifies one (scope, unit) ledger row.
type rowKey struct {
	scope Scope
	unit  Unit
}

type reservation struct {
	scope     Scope
	unit      Unit
	delta     uint64
	updatedAt int64
}

// MemoryLedger is the in-process backend, grounded on internal/cache's
// mutex+map shape. All mutations are short and bounded, matching §5's
// "protected by a per-gateway mutex" requirement.
type MemoryLedger struct {
	mu           sync.Mutex
	rows         map[rowKey]*Row
	reservations map[string]*reservation // keyed by request_id
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		rows:         make(map[rowKey]*Row),
		reservations: make(map[string]*reservation),
	}
}

func (m *MemoryLedger) row(k rowKey) *Row {
	r, ok := m.rows[k]
	if !ok {
		r = &Row{Scope: k.scope, Unit: k.unit}
		m.rows[k] = r
	}
	return r
}

func (m *MemoryLedger) Reserve(ctx context.Context, scope Scope, unit Unit, requestID string, limit, delta uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reservations[requestID]; exists {
		return nil // idempotent replay
	}

	k := rowKey{scope, unit}
	r := m.row(k)
	if r.SpentAmount+r.ReservedAmount+delta > limit {
		return &ErrBudgetExceeded{Scope: scope, Unit: unit, Limit: limit, Attempted: r.SpentAmount + r.ReservedAmount + delta}
	}

	r.ReservedAmount += delta
	r.UpdatedAtMs = nowMs()
	m.reservations[requestID] = &reservation{scope: scope, unit: unit, delta: delta, updatedAt: r.UpdatedAtMs}
	return nil
}

func (m *MemoryLedger) Commit(ctx context.Context, requestID string, spentObserved uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[requestID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.reservations, requestID)

	k := rowKey{res.scope, res.unit}
	r := m.row(k)

	committed := res.delta
	if spentObserved < committed {
		committed = spentObserved
	}

	if r.ReservedAmount < res.delta {
		r.ReservedAmount = 0
	} else {
		r.ReservedAmount -= res.delta
	}
	r.SpentAmount += committed
	r.UpdatedAtMs = nowMs()
	return nil
}

func (m *MemoryLedger) Rollback(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[requestID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.reservations, requestID)

	k := rowKey{res.scope, res.unit}
	r := m.row(k)
	if r.ReservedAmount < res.delta {
		r.ReservedAmount = 0
	} else {
		r.ReservedAmount -= res.delta
	}
	r.UpdatedAtMs = nowMs()
	return nil
}

func (m *MemoryLedger) Reap(ctx context.Context, cutoffMs int64, scanLimit int, dryRun bool) (scanned, reaped int, releasedTotal uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for reqID, res := range m.reservations {
		if scanLimit > 0 && scanned >= scanLimit {
			break
		}
		scanned++
		if res.updatedAt >= cutoffMs {
			continue
		}
		reaped++
		releasedTotal += res.delta
		if !dryRun {
			k := rowKey{res.scope, res.unit}
			r := m.row(k)
			if r.ReservedAmount < res.delta {
				r.ReservedAmount = 0
			} else {
				r.ReservedAmount -= res.delta
			}
			delete(m.reservations, reqID)
		}
	}
	return scanned, reaped, releasedTotal, nil
}

func (m *MemoryLedger) Row(ctx context.Context, scope Scope, unit Unit) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.row(rowKey{scope, unit}), nil
}

// Rows returns a snapshot of every known (scope, unit) row, for the
// `/admin/cost_ledgers` surface (spec §6). Not part of the Ledger
// interface — callers type-assert for it (see internal/httpapi/admin.go)
// since a Redis-backed ledger would need a SCAN-based equivalent.
func (m *MemoryLedger) Rows(ctx context.Context) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, *r)
	}
	return out
}
