package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/aditya-vk/limit-gate/internal/ratelimit"
	"github.com/aditya-vk/limit-gate/internal/storage"
)

func newBucketLimiter(t *testing.T) (*ratelimit.TokenBucket, *storage.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := storage.NewMemory(clock.Now)
	return ratelimit.NewTokenBucket(store, clock), store, clock
}

func TestTokenBucketSaturation(t *testing.T) {
	t.Parallel()

	limiter, _, _ := newBucketLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{MaxRequests: 5, WindowMs: 1000}

	for i, wantRemaining := range []uint64{4, 3, 2, 1, 0} {
		result, err := limiter.Check(ctx, "user-1:/api/orders", policy)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d: expected allow", i+1)
		}
		if result.Remaining != wantRemaining {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, result.Remaining, wantRemaining)
		}
	}

	result, err := limiter.Check(ctx, "user-1:/api/orders", policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("6th immediate request should be denied")
	}
	if result.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0 on deny", result.Remaining)
	}
	if result.RetryAfter != 1 {
		t.Fatalf("retry_after = %d, want 1", result.RetryAfter)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	t.Parallel()

	limiter, _, clock := newBucketLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{MaxRequests: 5, WindowMs: 1000}

	for i := 0; i < 5; i++ {
		if result, err := limiter.Check(ctx, "k", policy); err != nil || !result.Allowed {
			t.Fatalf("request %d: result=%+v err=%v", i+1, result, err)
		}
	}
	if result, _ := limiter.Check(ctx, "k", policy); result.Allowed {
		t.Fatal("bucket should be empty")
	}

	clock.Advance(time.Second)

	result, err := limiter.Check(ctx, "k", policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected allow after a full window of refill")
	}
}

func TestTokenBucketDenyDoesNotMutate(t *testing.T) {
	t.Parallel()

	limiter, store, _ := newBucketLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{MaxRequests: 2, WindowMs: 1000}

	for i := 0; i < 2; i++ {
		if result, err := limiter.Check(ctx, "k", policy); err != nil || !result.Allowed {
			t.Fatalf("request %d: result=%+v err=%v", i+1, result, err)
		}
	}

	before, err := store.GetBucket(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result, _ := limiter.Check(ctx, "k", policy); result.Allowed {
		t.Fatal("expected deny")
	}

	after, err := store.GetBucket(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *before != *after {
		t.Fatalf("denied request mutated the record: %+v -> %+v", *before, *after)
	}
}

func TestTokenBucketPartialRefill(t *testing.T) {
	t.Parallel()

	limiter, _, clock := newBucketLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{MaxRequests: 10, WindowMs: 1000}

	for i := 0; i < 10; i++ {
		if result, _ := limiter.Check(ctx, "k", policy); !result.Allowed {
			t.Fatalf("request %d: expected allow", i+1)
		}
	}

	// 250ms refills 2.5 tokens at 10/s: two requests pass, the third does not.
	clock.Advance(250 * time.Millisecond)

	allowed := 0
	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, "k", policy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed = %d after partial refill, want 2", allowed)
	}
}

func TestTokenBucketInvalidPolicyDenies(t *testing.T) {
	t.Parallel()

	limiter, store, _ := newBucketLimiter(t)
	ctx := context.Background()

	result, err := limiter.Check(ctx, "k", ratelimit.Policy{MaxRequests: 10, WindowMs: 0})
	if err == nil {
		t.Fatal("expected error for zero window")
	}
	if !ratelimit.IsPolicyError(err) {
		t.Fatalf("expected a policy error, got %v", err)
	}
	if result.Allowed {
		t.Fatal("invalid policy must fail closed")
	}

	if rec, _ := store.GetBucket(ctx, "k"); rec != nil {
		t.Fatal("invalid policy must not create state")
	}
}
