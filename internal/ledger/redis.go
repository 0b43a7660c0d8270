package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLedger is the persistent backend. Reserve, Commit and Rollback each
// apply their check-and-write in one atomic server-side Lua script — the
// same pattern the teacher's internal/ratelimit/rpm.go already uses for its
// sliding-window RPM counter, generalized from "increment a ZSET" to
// "read-check-write two hash fields plus a reservation record". Reserve is
// a single round trip, so concurrent reserves never race on the
// check-then-increment step; Commit and Rollback first read the
// reservation's scope and unit with one HMGET.
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger wraps an existing Redis client.
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

func rowHashKey(scope Scope, unit Unit) string {
	return fmt.Sprintf("ledger:row:%s:%s", scope, unit)
}

func reservationKey(requestID string) string {
	return "ledger:reservation:" + requestID
}

// reserveScript: KEYS[1]=row hash, KEYS[2]=reservation key
// ARGV[1]=limit ARGV[2]=delta ARGV[3]=now_ms ARGV[4]=ttl_seconds
// ARGV[5]=scope ARGV[6]=unit
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
local spent = tonumber(redis.call("HGET", KEYS[1], "spent") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local limit = tonumber(ARGV[1])
local delta = tonumber(ARGV[2])
if spent + reserved + delta > limit then
  return {spent, reserved}
end
redis.call("HSET", KEYS[1], "spent", spent, "reserved", reserved + delta, "updated_at_ms", ARGV[3])
redis.call("HSET", KEYS[2], "scope", ARGV[5], "unit", ARGV[6], "delta", delta, "updated_at_ms", ARGV[3])
redis.call("EXPIRE", KEYS[2], ARGV[4])
return 1
`)

// commitScript: KEYS[1]=reservation key (scope/unit resolved client-side
// from it is not possible inside Lua without a second lookup, so the row
// key is passed directly). KEYS[2]=row hash.
// ARGV[1]=spent_observed ARGV[2]=now_ms
var commitScript = redis.NewScript(`
local delta = redis.call("HGET", KEYS[1], "delta")
if not delta then
  return 0
end
delta = tonumber(delta)
local spentObserved = tonumber(ARGV[1])
local committed = delta
if spentObserved < committed then
  committed = spentObserved
end
local reserved = tonumber(redis.call("HGET", KEYS[2], "reserved") or "0")
local spent = tonumber(redis.call("HGET", KEYS[2], "spent") or "0")
reserved = reserved - delta
if reserved < 0 then reserved = 0 end
redis.call("HSET", KEYS[2], "spent", spent + committed, "reserved", reserved, "updated_at_ms", ARGV[2])
redis.call("DEL", KEYS[1])
return 1
`)

// rollbackScript: KEYS[1]=reservation key, KEYS[2]=row hash. ARGV[1]=now_ms
var rollbackScript = redis.NewScript(`
local delta = redis.call("HGET", KEYS[1], "delta")
if not delta then
  return 0
end
delta = tonumber(delta)
local reserved = tonumber(redis.call("HGET", KEYS[2], "reserved") or "0")
reserved = reserved - delta
if reserved < 0 then reserved = 0 end
redis.call("HSET", KEYS[2], "reserved", reserved, "updated_at_ms", ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)

func (r *RedisLedger) Reserve(ctx context.Context, scope Scope, unit Unit, requestID string, limit, delta uint64) error {
	ttlSeconds := int64(ReservationTTL.Seconds())
	res, err := reserveScript.Run(ctx, r.rdb, []string{rowHashKey(scope, unit), reservationKey(requestID)},
		limit, delta, nowMs(), ttlSeconds, string(scope), string(unit)).Result()
	if err != nil {
		return fmt.Errorf("ledger: reserve: %w", err)
	}

	switch v := res.(type) {
	case int64:
		if v == 1 {
			return nil
		}
		return nil // already exists (idempotent replay), script returned 0
	case []interface{}:
		spent, _ := toUint64(v[0])
		reserved, _ := toUint64(v[1])
		return &ErrBudgetExceeded{Scope: scope, Unit: unit, Limit: limit, Attempted: spent + reserved + delta}
	default:
		return fmt.Errorf("ledger: reserve: unexpected script result %v", res)
	}
}

func (r *RedisLedger) Commit(ctx context.Context, requestID string, spentObserved uint64) error {
	scope, unit, err := r.reservationScopeUnit(ctx, requestID)
	if err != nil {
		return err
	}
	res, err := commitScript.Run(ctx, r.rdb, []string{reservationKey(requestID), rowHashKey(scope, unit)},
		spentObserved, nowMs()).Result()
	if err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	if n, _ := toInt64(res); n == 0 {
		return ErrUnknownReservation
	}
	return nil
}

func (r *RedisLedger) Rollback(ctx context.Context, requestID string) error {
	scope, unit, err := r.reservationScopeUnit(ctx, requestID)
	if err != nil {
		return err
	}
	res, err := rollbackScript.Run(ctx, r.rdb, []string{reservationKey(requestID), rowHashKey(scope, unit)},
		nowMs()).Result()
	if err != nil {
		return fmt.Errorf("ledger: rollback: %w", err)
	}
	if n, _ := toInt64(res); n == 0 {
		return ErrUnknownReservation
	}
	return nil
}

func (r *RedisLedger) reservationScopeUnit(ctx context.Context, requestID string) (Scope, Unit, error) {
	vals, err := r.rdb.HMGet(ctx, reservationKey(requestID), "scope", "unit").Result()
	if err != nil {
		return "", "", fmt.Errorf("ledger: lookup reservation: %w", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return "", "", ErrUnknownReservation
	}
	scope, _ := vals[0].(string)
	unit, _ := vals[1].(string)
	return Scope(scope), Unit(unit), nil
}

// Reap scans reservation keys via SCAN (bounded by scanLimit per call) and
// rolls back any whose updated_at_ms predates cutoffMs. This is the
// "crashed client" cleanup path (spec §4.C5); the dispatcher always settles
// normally and does not rely on the reaper.
func (r *RedisLedger) Reap(ctx context.Context, cutoffMs int64, scanLimit int, dryRun bool) (scanned, reaped int, releasedTotal uint64, err error) {
	iter := r.rdb.Scan(ctx, 0, "ledger:reservation:*", int64(scanLimit)).Iterator()
	for iter.Next(ctx) {
		if scanLimit > 0 && scanned >= scanLimit {
			break
		}
		scanned++

		key := iter.Val()
		vals, herr := r.rdb.HMGet(ctx, key, "scope", "unit", "delta", "updated_at_ms").Result()
		if herr != nil || vals[0] == nil {
			continue
		}
		updatedAt, _ := toInt64FromAny(vals[3])
		if updatedAt >= cutoffMs {
			continue
		}
		delta, _ := toUint64FromAny(vals[2])
		reaped++
		releasedTotal += delta

		if !dryRun {
			scope, _ := vals[0].(string)
			unit, _ := vals[1].(string)
			requestID := key[len("ledger:reservation:"):]
			_ = r.Rollback(ctx, requestID)
			_ = scope
			_ = unit
		}
	}
	if err := iter.Err(); err != nil {
		return scanned, reaped, releasedTotal, fmt.Errorf("ledger: reap scan: %w", err)
	}
	return scanned, reaped, releasedTotal, nil
}

func (r *RedisLedger) Row(ctx context.Context, scope Scope, unit Unit) (Row, error) {
	vals, err := r.rdb.HMGet(ctx, rowHashKey(scope, unit), "spent", "reserved", "updated_at_ms").Result()
	if err != nil {
		return Row{}, fmt.Errorf("ledger: row: %w", err)
	}
	spent, _ := toUint64FromAny(vals[0])
	reserved, _ := toUint64FromAny(vals[1])
	updatedAt, _ := toInt64FromAny(vals[2])
	return Row{Scope: scope, Unit: unit, SpentAmount: spent, ReservedAmount: reserved, UpdatedAtMs: updatedAt}, nil
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, nil
		}
		return uint64(n), nil
	case string:
		return toUint64FromAny(n)
	default:
		return 0, errors.New("ledger: unexpected numeric type")
	}
}

func toInt64(v interface{}) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, errors.New("ledger: unexpected type, want int64")
	}
	return n, nil
}

func toUint64FromAny(v interface{}) (uint64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n uint64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err == nil
}

func toInt64FromAny(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err == nil
}
