package gate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aditya-vk/limit-gate/internal/circuitbreaker"
	"github.com/aditya-vk/limit-gate/internal/gate"
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

func newGate(t *testing.T, cfg gate.Config) (*gate.Gate, *storage.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := storage.NewMemory(clock.Now)
	return gate.New(store, clock, cfg), store, clock
}

func TestGateDefaultsToTokenBucket(t *testing.T) {
	t.Parallel()

	g, store, _ := newGate(t, gate.Config{})
	ctx := context.Background()
	policy := ratelimit.Policy{MaxRequests: 3, WindowMs: 1000}

	result, err := g.CheckLimit(ctx, "caller", policy)
	if err != nil || !result.Allowed {
		t.Fatalf("result=%+v err=%v", result, err)
	}

	// The token bucket leaves a bucket record behind; the window does not.
	if rec, _ := store.GetBucket(ctx, "caller"); rec == nil {
		t.Fatal("default algorithm should be the token bucket")
	}
}

func TestGateSlidingWindowDispatch(t *testing.T) {
	t.Parallel()

	g, store, _ := newGate(t, gate.Config{Algorithm: gate.AlgorithmSlidingWindow})
	ctx := context.Background()
	policy := ratelimit.Policy{MaxRequests: 3, WindowMs: 1000}

	for i := 0; i < 3; i++ {
		result, err := g.CheckLimit(ctx, "caller", policy)
		if err != nil || !result.Allowed {
			t.Fatalf("request %d: result=%+v err=%v", i+1, result, err)
		}
	}
	if result, _ := g.CheckLimit(ctx, "caller", policy); result.Allowed {
		t.Fatal("4th request in the window should be denied")
	}

	if rec, _ := store.GetBucket(ctx, "caller"); rec != nil {
		t.Fatal("sliding window must not create bucket records")
	}
}

func TestGateTierLimit(t *testing.T) {
	t.Parallel()

	g, _, _ := newGate(t, gate.Config{})
	ctx := context.Background()

	if err := g.Tiers().SetPolicy("trial", ratelimit.Policy{MaxRequests: 1, WindowMs: 60000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := g.CheckTierLimit(ctx, "key-1", "trial", "/api/orders")
	if err != nil || !result.Allowed {
		t.Fatalf("result=%+v err=%v", result, err)
	}
	if result.Limit != 1 {
		t.Fatalf("limit = %d, want 1", result.Limit)
	}
	if result, _ := g.CheckTierLimit(ctx, "key-1", "trial", "/api/orders"); result.Allowed {
		t.Fatal("trial budget of 1 should be spent")
	}

	if _, err := g.CheckTierLimit(ctx, "key-1", "missing", "/api/orders"); !ratelimit.IsPolicyError(err) {
		t.Fatalf("expected a policy error for an unconfigured tier, got %v", err)
	}
}

func TestGateCircuitRoundTrip(t *testing.T) {
	t.Parallel()

	g, _, clock := newGate(t, gate.Config{FailureThreshold: 2, BreakerTimeout: 10 * time.Second})
	ctx := context.Background()

	if decision, err := g.AllowCall(ctx, "orders"); err != nil || decision.Open {
		t.Fatalf("decision=%+v err=%v", decision, err)
	}

	g.ReportCallResult(ctx, "orders", false)
	g.ReportCallResult(ctx, "orders", false)

	decision, err := g.AllowCall(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Open {
		t.Fatal("two failures at threshold 2 should open the circuit")
	}

	clock.Advance(10 * time.Second)
	if decision, _ := g.AllowCall(ctx, "orders"); decision.Open {
		t.Fatalf("cooldown elapsed, probe should pass, got %+v", decision)
	}
	g.ReportCallResult(ctx, "orders", true)

	rec, err := g.CircuitState(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != circuitbreaker.StateClosed {
		t.Fatalf("state = %s after recovery, want closed", rec.State)
	}
}

func TestGateResetCircuit(t *testing.T) {
	t.Parallel()

	g, _, _ := newGate(t, gate.Config{FailureThreshold: 1, BreakerTimeout: time.Hour})
	ctx := context.Background()

	g.ReportCallResult(ctx, "orders", false)
	if decision, _ := g.AllowCall(ctx, "orders"); !decision.Open {
		t.Fatal("circuit should be open")
	}

	if err := g.ResetCircuit(ctx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision, _ := g.AllowCall(ctx, "orders"); decision.Open {
		t.Fatal("reset circuit should allow calls")
	}

	if rec, _ := g.CircuitState(ctx, "never-seen"); rec != nil {
		t.Fatal("unchecked service should have no record")
	}
}
