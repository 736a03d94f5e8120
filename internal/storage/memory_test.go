package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aditya-vk/limit-gate/internal/circuitbreaker"
	"github.com/aditya-vk/limit-gate/internal/ratelimit"
	"github.com/aditya-vk/limit-gate/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestMemoryBucketCompareAndSet(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory(newFakeClock().Now)
	ctx := context.Background()

	first := ratelimit.TokenBucketRecord{Tokens: 4, LastRefillMs: 1000, MaxTokens: 5, WindowMs: 1000}

	// Create-if-absent only succeeds once.
	ok, err := store.PutBucket(ctx, "k", nil, first, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ok, _ := store.PutBucket(ctx, "k", nil, first, time.Minute); ok {
		t.Fatal("create over an existing record should lose")
	}

	// A swap with a stale prev loses; with the live prev it wins.
	stale := first
	stale.Tokens = 1
	next := first
	next.Tokens = 3
	if ok, _ := store.PutBucket(ctx, "k", &stale, next, time.Minute); ok {
		t.Fatal("swap with stale prev should lose")
	}
	if ok, _ := store.PutBucket(ctx, "k", &first, next, time.Minute); !ok {
		t.Fatal("swap with live prev should win")
	}

	rec, err := store.GetBucket(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || rec.Tokens != 3 {
		t.Fatalf("record = %+v, want tokens 3", rec)
	}
}

func TestMemoryBucketExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := storage.NewMemory(clock.Now)
	ctx := context.Background()

	rec := ratelimit.TokenBucketRecord{Tokens: 1, MaxTokens: 5, WindowMs: 1000}
	if ok, _ := store.PutBucket(ctx, "k", nil, rec, time.Second); !ok {
		t.Fatal("create should win")
	}

	clock.Advance(2 * time.Second)

	if got, _ := store.GetBucket(ctx, "k"); got != nil {
		t.Fatal("expired record should read as absent")
	}
	// And an expired slot is free for a fresh create.
	if ok, _ := store.PutBucket(ctx, "k", nil, rec, time.Second); !ok {
		t.Fatal("create over an expired record should win")
	}
}

func TestMemoryIncrWindowBelow(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory(newFakeClock().Now)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		count, applied, err := store.IncrWindowBelow(ctx, "k", 100, 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !applied || count != i {
			t.Fatalf("incr %d: count=%d applied=%v", i, count, applied)
		}
	}

	count, applied, err := store.IncrWindowBelow(ctx, "k", 100, 3, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatal("increment at the ceiling must not apply")
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3 unchanged", count)
	}

	// Windows are independent slots.
	if _, applied, _ := store.IncrWindowBelow(ctx, "k", 101, 3, time.Minute); !applied {
		t.Fatal("the next window should start empty")
	}
}

func TestMemoryWindowCounts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := storage.NewMemory(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		store.IncrWindowBelow(ctx, "k", 100, 10, time.Second)
	}
	for i := 0; i < 5; i++ {
		store.IncrWindowBelow(ctx, "k", 101, 10, time.Second)
	}

	cur, prev, err := store.WindowCounts(ctx, "k", 101, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur != 5 || prev != 2 {
		t.Fatalf("counts = (%d, %d), want (5, 2)", cur, prev)
	}

	clock.Advance(2 * time.Second)
	cur, prev, _ = store.WindowCounts(ctx, "k", 101, 100)
	if cur != 0 || prev != 0 {
		t.Fatalf("expired counts = (%d, %d), want zeros", cur, prev)
	}
}

func TestMemoryCircuitCompareAndSet(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory(nil)
	ctx := context.Background()

	if rec, err := store.GetCircuit(ctx, "svc"); err != nil || rec != nil {
		t.Fatalf("rec=%+v err=%v", rec, err)
	}

	closed := circuitbreaker.Record{State: circuitbreaker.StateClosed}
	if ok, _ := store.PutCircuit(ctx, "svc", nil, closed); !ok {
		t.Fatal("create should win")
	}
	if ok, _ := store.PutCircuit(ctx, "svc", nil, closed); ok {
		t.Fatal("create over an existing record should lose")
	}

	open := circuitbreaker.Record{State: circuitbreaker.StateOpen, FailureCount: 5, LastFailureAtMs: 42}
	if ok, _ := store.PutCircuit(ctx, "svc", &open, closed); ok {
		t.Fatal("swap with stale prev should lose")
	}
	if ok, _ := store.PutCircuit(ctx, "svc", &closed, open); !ok {
		t.Fatal("swap with live prev should win")
	}

	rec, _ := store.GetCircuit(ctx, "svc")
	if rec == nil || *rec != open {
		t.Fatalf("record = %+v, want %+v", rec, open)
	}
}
