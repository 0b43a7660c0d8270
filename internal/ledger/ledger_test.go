package ledger

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLedger_ReserveWithinLimit(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	row, err := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if row.ReservedAmount != 400 {
		t.Fatalf("reserved = %d, want 400", row.ReservedAmount)
	}
}

func TestMemoryLedger_ReserveExceedsLimit(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 900); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-2", 1000, 200)
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}
	var budgetErr *ErrBudgetExceeded
	if _, ok := err.(*ErrBudgetExceeded); !ok {
		t.Fatalf("err = %T (%v), want *ErrBudgetExceeded", err, err)
	}
	_ = budgetErr

	row, _ := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.ReservedAmount != 900 {
		t.Fatalf("reserved should be unchanged after failed reserve: got %d", row.ReservedAmount)
	}
}

func TestMemoryLedger_ReserveIsIdempotent(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("replay reserve: %v", err)
	}
	row, _ := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.ReservedAmount != 400 {
		t.Fatalf("replayed reserve must not double-reserve, got %d", row.ReservedAmount)
	}
}

func TestMemoryLedger_CommitMovesReservedToSpent(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Commit(ctx, "req-1", 250); err != nil {
		t.Fatalf("commit: %v", err)
	}
	row, _ := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.SpentAmount != 250 {
		t.Fatalf("spent = %d, want 250", row.SpentAmount)
	}
	if row.ReservedAmount != 0 {
		t.Fatalf("reserved = %d, want 0", row.ReservedAmount)
	}
}

func TestMemoryLedger_CommitCapsAtReservedDelta(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Commit(ctx, "req-1", 900); err != nil {
		t.Fatalf("commit: %v", err)
	}
	row, _ := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.SpentAmount != 400 {
		t.Fatalf("spent = %d, want committed capped at reserved delta 400", row.SpentAmount)
	}
}

func TestMemoryLedger_RollbackReleasesReservation(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Rollback(ctx, "req-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	row, _ := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.ReservedAmount != 0 || row.SpentAmount != 0 {
		t.Fatalf("rollback should zero reserved without recording spend, got %+v", row)
	}
}

func TestMemoryLedger_CommitUnknownReservation(t *testing.T) {
	m := NewMemoryLedger()
	if err := m.Commit(context.Background(), "no-such-req", 10); err != ErrUnknownReservation {
		t.Fatalf("err = %v, want ErrUnknownReservation", err)
	}
}

func TestMemoryLedger_Reap(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	m.reservations["req-1"].updatedAt = 0 // force staleness

	scanned, reaped, released, err := m.Reap(ctx, 1, 10, false)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if scanned != 1 || reaped != 1 || released != 400 {
		t.Fatalf("reap = (%d,%d,%d), want (1,1,400)", scanned, reaped, released)
	}
	row, _ := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.ReservedAmount != 0 {
		t.Fatalf("reaped reservation should release reserved amount, got %d", row.ReservedAmount)
	}
}

func TestMemoryLedger_ReapDryRunDoesNotMutate(t *testing.T) {
	m := NewMemoryLedger()
	ctx := context.Background()

	if err := m.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	m.reservations["req-1"].updatedAt = 0

	_, reaped, released, err := m.Reap(ctx, 1, 10, true)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 || released != 400 {
		t.Fatalf("dry-run should still report what would be reaped")
	}
	row, _ := m.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.ReservedAmount != 400 {
		t.Fatalf("dry-run must not mutate state, reserved = %d, want 400", row.ReservedAmount)
	}
}

func newTestRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLedger(rdb), mr
}

func TestRedisLedger_ReserveCommit(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	if err := l.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(ctx, "req-1", 300); err != nil {
		t.Fatalf("commit: %v", err)
	}
	row, err := l.Row(ctx, KeyScope("k1"), UnitTokens)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if row.SpentAmount != 300 {
		t.Fatalf("spent = %d, want 300", row.SpentAmount)
	}
	if row.ReservedAmount != 0 {
		t.Fatalf("reserved = %d, want 0", row.ReservedAmount)
	}
}

func TestRedisLedger_ReserveExceedsLimit(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	if err := l.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 500, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := l.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-2", 500, 200)
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}
	if _, ok := err.(*ErrBudgetExceeded); !ok {
		t.Fatalf("err = %T, want *ErrBudgetExceeded", err)
	}
}

func TestRedisLedger_ReserveIsIdempotent(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	if err := l.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("replay: %v", err)
	}
	row, _ := l.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.ReservedAmount != 400 {
		t.Fatalf("reserved = %d, want 400 (no double reservation)", row.ReservedAmount)
	}
}

func TestRedisLedger_RollbackUnknownReservation(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	err := l.Rollback(context.Background(), "never-reserved")
	if err != ErrUnknownReservation {
		t.Fatalf("err = %v, want ErrUnknownReservation", err)
	}
}

func TestRedisLedger_Reap(t *testing.T) {
	l, mr := newTestRedisLedger(t)
	ctx := context.Background()

	if err := l.Reserve(ctx, KeyScope("k1"), UnitTokens, "req-1", 1000, 400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	mr.HSet(reservationKey("req-1"), "updated_at_ms", "0")

	_, reaped, released, err := l.Reap(ctx, 1, 100, false)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 || released != 400 {
		t.Fatalf("reap = (reaped=%d, released=%d), want (1, 400)", reaped, released)
	}
	row, _ := l.Row(ctx, KeyScope("k1"), UnitTokens)
	if row.ReservedAmount != 0 {
		t.Fatalf("reaped reservation should release reserved amount, got %d", row.ReservedAmount)
	}
}
