package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func intp(n int) *int { return &n }

func TestRedisLimiter_AllowsUnderRPMLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRedisLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		err := limiter.CheckAndConsume(ctx, "key-1", ratelimit.Limits{RPM: intp(limit)}, 0, 1)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}
}

func TestRedisLimiter_BlocksOverRPMLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRedisLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if err := limiter.CheckAndConsume(ctx, "key-1", ratelimit.Limits{RPM: intp(limit)}, 0, 1); err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}

	err := limiter.CheckAndConsume(ctx, "key-1", ratelimit.Limits{RPM: intp(limit)}, 0, 1)
	if err == nil {
		t.Fatal("expected rate limit error after exceeding rpm")
	}
	rlErr, ok := err.(*ratelimit.ErrRateLimited)
	if !ok {
		t.Fatalf("err = %T, want *ErrRateLimited", err)
	}
	if rlErr.Limit != "rpm>3" {
		t.Fatalf("limit = %q, want rpm>3", rlErr.Limit)
	}
}

func TestRedisLimiter_BlocksOverTPMLimit_WithoutMutatingRPM(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRedisLimiter(rdb)
	ctx := context.Background()
	limits := ratelimit.Limits{RPM: intp(100), TPM: intp(50)}

	err := limiter.CheckAndConsume(ctx, "key-1", limits, 60, 1)
	if err == nil {
		t.Fatal("expected tpm rejection")
	}
	if _, ok := err.(*ratelimit.ErrRateLimited); !ok {
		t.Fatalf("err = %T, want *ErrRateLimited", err)
	}

	// A subsequent call within budget must succeed — the failed attempt
	// must not have consumed any rpm or tpm (spec §4.C6: "no mutation on
	// failure").
	if err := limiter.CheckAndConsume(ctx, "key-1", limits, 40, 1); err != nil {
		t.Fatalf("unexpected error after prior rejection: %v", err)
	}
}

func TestRedisLimiter_ResetsOnNewMinute(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRedisLimiter(rdb)
	ctx := context.Background()
	limits := ratelimit.Limits{RPM: intp(1)}

	if err := limiter.CheckAndConsume(ctx, "key-1", limits, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.CheckAndConsume(ctx, "key-1", limits, 0, 1); err == nil {
		t.Fatal("expected rejection within the same minute")
	}
	if err := limiter.CheckAndConsume(ctx, "key-1", limits, 0, 2); err != nil {
		t.Fatalf("new minute should reset counters: %v", err)
	}
}

func TestRedisLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // close Redis before any calls — limiter must fail open

	limiter := ratelimit.NewRedisLimiter(rdb)
	err := limiter.CheckAndConsume(context.Background(), "key-1", ratelimit.Limits{RPM: intp(1)}, 0, 1)
	if err != nil {
		t.Fatalf("expected graceful degradation (no error), got %v", err)
	}
}

func TestMemoryLimiter_BlocksOverRPMLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	ctx := context.Background()
	limits := ratelimit.Limits{RPM: intp(2)}

	if err := limiter.CheckAndConsume(ctx, "key-1", limits, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.CheckAndConsume(ctx, "key-1", limits, 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.CheckAndConsume(ctx, "key-1", limits, 0, 1); err == nil {
		t.Fatal("expected rejection on third request within the minute")
	}
}

func TestMemoryLimiter_UnlimitedWhenNilLimits(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := limiter.CheckAndConsume(ctx, "key-1", ratelimit.Limits{}, 1000, 1); err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
	}
}
