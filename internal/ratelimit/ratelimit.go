// Package ratelimit implements per-key RPM/TPM fixed-window rate limiting
// (spec §4.C6), generalizing the teacher's single-counter sliding-window
// RPMLimiter into a paired (rpm_count, tpm_tokens) check-and-consume that
// never mutates on failure.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limits are the optional per-key ceilings; a nil field means unbounded.
type Limits struct {
	RPM *int
	TPM *int
}

// ErrRateLimited is returned when either the RPM or TPM ceiling would be
// exceeded. Limit is formatted "rpm>N" or "tpm>N" per spec §4.C6/§8.
type ErrRateLimited struct {
	Limit string
}

func (e *ErrRateLimited) Error() string { return "ratelimit: " + e.Limit }

// Limiter is the contract both the Redis and in-memory backends satisfy.
type Limiter interface {
	// CheckAndConsume evaluates limits for key in the given epoch minute and,
	// only if both the RPM and TPM checks pass, increments both counters by
	// 1 request and chargeTokens respectively. On a new minute the counters
	// reset before incrementing. No mutation occurs on failure.
	CheckAndConsume(ctx context.Context, key string, limits Limits, chargeTokens uint64, minuteEpoch int64) error
}

func currentMinute() int64 { return time.Now().Unix() / 60 }

// RedisLimiter is the persistent backend: one EVALSHA round trip per check,
// grounded on the teacher's internal/ratelimit/rpm.go slidingWindowScript
// pattern (check-then-mutate entirely inside a single redis.NewScript call
// so concurrent requests against the same key never race).
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func rpmKey(key string) string { return "ratelimit:rpm:" + key }
func tpmKey(key string) string { return "ratelimit:tpm:" + key }

// checkAndConsumeScript: KEYS[1]=rpm hash key KEYS[2]=tpm hash key
// ARGV[1]=minute ARGV[2]=rpm_limit (-1 = unbounded) ARGV[3]=tpm_limit (-1 = unbounded)
// ARGV[4]=charge_tokens
// Returns: "ok" on success, "rpm" or "tpm" string on the failing dimension.
var checkAndConsumeScript = redis.NewScript(`
local minute = ARGV[1]
local rpmLimit = tonumber(ARGV[2])
local tpmLimit = tonumber(ARGV[3])
local charge = tonumber(ARGV[4])

local rpmMinute = redis.call("HGET", KEYS[1], "minute")
local rpmCount = 0
if rpmMinute == minute then
  rpmCount = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
end

local tpmMinute = redis.call("HGET", KEYS[2], "minute")
local tpmTokens = 0
if tpmMinute == minute then
  tpmTokens = tonumber(redis.call("HGET", KEYS[2], "tokens") or "0")
end

if rpmLimit >= 0 and rpmCount + 1 > rpmLimit then
  return "rpm"
end
if tpmLimit >= 0 and tpmTokens + charge > tpmLimit then
  return "tpm"
end

redis.call("HSET", KEYS[1], "minute", minute, "count", rpmCount + 1)
redis.call("EXPIRE", KEYS[1], 120)
redis.call("HSET", KEYS[2], "minute", minute, "tokens", tpmTokens + charge)
redis.call("EXPIRE", KEYS[2], 120)
return "ok"
`)

func (r *RedisLimiter) CheckAndConsume(ctx context.Context, key string, limits Limits, chargeTokens uint64, minuteEpoch int64) error {
	rpmLimit := -1
	if limits.RPM != nil {
		rpmLimit = *limits.RPM
	}
	tpmLimit := -1
	if limits.TPM != nil {
		tpmLimit = *limits.TPM
	}

	res, err := checkAndConsumeScript.Run(ctx, r.rdb,
		[]string{rpmKey(key), tpmKey(key)},
		minuteEpoch, rpmLimit, tpmLimit, chargeTokens,
	).Text()
	if err != nil {
		// Redis unavailable: fail open, matching the teacher's graceful
		// degradation in rpm.go.
		return nil
	}

	switch res {
	case "ok":
		return nil
	case "rpm":
		return &ErrRateLimited{Limit: fmt.Sprintf("rpm>%d", rpmLimit)}
	case "tpm":
		return &ErrRateLimited{Limit: fmt.Sprintf("tpm>%d", tpmLimit)}
	default:
		return fmt.Errorf("ratelimit: unexpected script result %q", res)
	}
}

// Allow preserves the teacher's original single-dimension convenience call
// for callers that only care about request-rate, not token-rate.
func (r *RedisLimiter) Allow(ctx context.Context, key string, rpm int) (bool, error) {
	limit := rpm
	err := r.CheckAndConsume(ctx, key, Limits{RPM: &limit}, 0, currentMinute())
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*ErrRateLimited); ok {
		return false, nil
	}
	return false, err
}

// counterState is one key's in-process window state.
type counterState struct {
	minute    int64
	rpmCount  int
	tpmTokens uint64
}

// MemoryLimiter is the in-process backend for single-instance deployments
// or tests, mirroring RedisLimiter's check-then-mutate semantics under a
// mutex instead of a Lua script.
type MemoryLimiter struct {
	mu    sync.Mutex
	state map[string]*counterState
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{state: make(map[string]*counterState)}
}

func (m *MemoryLimiter) CheckAndConsume(ctx context.Context, key string, limits Limits, chargeTokens uint64, minuteEpoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.state[key]
	if !ok {
		s = &counterState{minute: minuteEpoch}
		m.state[key] = s
	}
	if s.minute != minuteEpoch {
		s.minute = minuteEpoch
		s.rpmCount = 0
		s.tpmTokens = 0
	}

	if limits.RPM != nil && s.rpmCount+1 > *limits.RPM {
		return &ErrRateLimited{Limit: fmt.Sprintf("rpm>%d", *limits.RPM)}
	}
	if limits.TPM != nil && s.tpmTokens+chargeTokens > uint64(*limits.TPM) {
		return &ErrRateLimited{Limit: fmt.Sprintf("tpm>%d", *limits.TPM)}
	}

	s.rpmCount++
	s.tpmTokens += chargeTokens
	return nil
}
