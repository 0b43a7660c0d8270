// Package ledger implements the two-phase token & USD-micros reservation
// ledger (spec §4.C5): reserve/commit/rollback/reap over independent
// per-scope counters, with both an in-memory and a Redis-backed
// implementation sharing one contract.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Scope identifies one ledger row: a virtual key, project, user, or tenant.
type Scope string

func KeyScope(id string) Scope    { return Scope("virtual_key:" + id) }
func ProjectScope(id string) Scope { return Scope("project:" + id) }
func UserScope(id string) Scope    { return Scope("user:" + id) }
func TenantScope(id string) Scope  { return Scope("tenant:" + id) }

// Unit distinguishes the token ledger from the USD-micros ledger; they are
// independent per spec §4.C5 ("Token and USD-micro ledgers are independent").
type Unit string

const (
	UnitTokens   Unit = "tokens"
	UnitUSDMicro Unit = "usd_micros"
)

// ErrBudgetExceeded is returned by Reserve when the scope's limit would be
// exceeded. Callers map this to the BudgetExceeded/CostBudgetExceeded error
// kinds (pkg/apierr) depending on Unit.
type ErrBudgetExceeded struct {
	Scope     Scope
	Unit      Unit
	Limit     uint64
	Attempted uint64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("ledger: scope %s unit %s: limit %d exceeded by attempted %d", e.Scope, e.Unit, e.Limit, e.Attempted)
}

// ReservationTTL bounds how long an unsettled reservation survives before
// the reaper may reclaim it. Spec §4.C5: "TTL=1h".
const ReservationTTL = time.Hour

// Row is a snapshot of one scope's ledger state for one Unit.
type Row struct {
	Scope         Scope
	Unit          Unit
	SpentAmount   uint64
	ReservedAmount uint64
	UpdatedAtMs   int64
}

// Ledger is the contract both the in-memory and Redis-backed
// implementations satisfy. request_id scopes a single reservation;
// reserve/commit/rollback operate on it idempotently.
type Ledger interface {
	// Reserve reserves delta against scope's limit. Calling Reserve twice
	// with the same requestID is a no-op returning success (idempotent
	// replay, spec §4.C5/§8).
	Reserve(ctx context.Context, scope Scope, unit Unit, requestID string, limit, delta uint64) error

	// Commit settles a prior reservation with the observed spend.
	// committed = min(reservedDelta, spentObserved).
	Commit(ctx context.Context, requestID string, spentObserved uint64) error

	// Rollback releases a prior reservation without recording any spend.
	Rollback(ctx context.Context, requestID string) error

	// Reap releases reservations whose last update is older than cutoffMs.
	// dryRun reports what would be released without mutating state.
	Reap(ctx context.Context, cutoffMs int64, scanLimit int, dryRun bool) (scanned, reaped int, releasedTotal uint64, err error)

	// Row returns the current row for scope/unit, for admin inspection.
	Row(ctx context.Context, scope Scope, unit Unit) (Row, error)
}

// ErrUnknownReservation is returned by Commit/Rollback when request_id has
// no outstanding reservation (already settled, or never reserved).
var ErrUnknownReservation = errors.New("ledger: unknown or already-settled reservation")

func nowMs() int64 { return time.Now().UnixMilli() }
