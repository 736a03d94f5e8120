package circuitbreaker_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aditya-vk/limit-gate/internal/circuitbreaker"
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

func newBreaker(t *testing.T, cfg circuitbreaker.Config) (*circuitbreaker.CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := storage.NewMemory(clock.Now)
	return circuitbreaker.New(store, clock, cfg), clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	cb, _ := newBreaker(t, circuitbreaker.Config{FailureThreshold: 3, Timeout: 60 * time.Second})
	ctx := context.Background()

	if decision, err := cb.Allow(ctx, "orders"); err != nil || decision.Open {
		t.Fatalf("fresh circuit: decision=%+v err=%v", decision, err)
	}

	for i := 0; i < 2; i++ {
		if err := cb.RecordFailure(ctx, "orders"); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if decision, _ := cb.Allow(ctx, "orders"); decision.Open {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i+1)
		}
	}

	if err := cb.RecordFailure(ctx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := cb.Allow(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Open {
		t.Fatal("circuit should be open at the threshold")
	}
	if decision.State != circuitbreaker.StateOpen {
		t.Fatalf("state = %s, want open", decision.State)
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > 60 {
		t.Fatalf("retry_after = %d, want within (0, 60]", decision.RetryAfter)
	}
	if !strings.Contains(decision.Message, "orders") {
		t.Fatalf("message %q should name the service", decision.Message)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()

	cb, clock := newBreaker(t, circuitbreaker.Config{FailureThreshold: 3, Timeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.RecordFailure(ctx, "orders"); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	if decision, _ := cb.Allow(ctx, "orders"); !decision.Open {
		t.Fatal("circuit should be open")
	}

	clock.Advance(30 * time.Second)

	decision, err := cb.Allow(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Open || decision.State != circuitbreaker.StateHalfOpen {
		t.Fatalf("after the cooldown the probe should pass, got %+v", decision)
	}

	if err := cb.RecordSuccess(ctx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := cb.Inspect(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != circuitbreaker.StateClosed {
		t.Fatalf("state = %s after probe success, want closed", rec.State)
	}
	if rec.FailureCount != 0 {
		t.Fatalf("failure count = %d after recovery, want 0", rec.FailureCount)
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	t.Parallel()

	cb, clock := newBreaker(t, circuitbreaker.Config{FailureThreshold: 3, Timeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx, "orders")
	}
	clock.Advance(30 * time.Second)

	if decision, _ := cb.Allow(ctx, "orders"); decision.State != circuitbreaker.StateHalfOpen {
		t.Fatalf("expected half_open probe, got %+v", decision)
	}

	if err := cb.RecordFailure(ctx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, _ := cb.Allow(ctx, "orders")
	if !decision.Open || decision.State != circuitbreaker.StateOpen {
		t.Fatalf("probe failure should reopen the circuit, got %+v", decision)
	}

	rec, _ := cb.Inspect(ctx, "orders")
	if rec.FailureCount != 4 {
		t.Fatalf("failure count = %d, want 4 carried forward", rec.FailureCount)
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	t.Parallel()

	cb, clock := newBreaker(t, circuitbreaker.Config{FailureThreshold: 3, Timeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx, "orders")
	}
	clock.Advance(30 * time.Second)

	first, err := cb.Allow(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Open {
		t.Fatal("first caller after the cooldown should win the probe")
	}

	// While the probe is in flight everyone else keeps seeing open.
	second, err := cb.Allow(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Open {
		t.Fatal("second caller should not get a concurrent probe")
	}

	// A probe that never reports loses its claim after another cooldown.
	clock.Advance(30 * time.Second)
	third, err := cb.Allow(ctx, "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Open || third.State != circuitbreaker.StateHalfOpen {
		t.Fatalf("stale probe claim should be retakeable, got %+v", third)
	}
}

func TestBreakerSuccessDecaysFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newBreaker(t, circuitbreaker.Config{FailureThreshold: 3, Timeout: 30 * time.Second})
	ctx := context.Background()

	cb.RecordFailure(ctx, "orders")
	cb.RecordFailure(ctx, "orders")
	if err := cb.RecordSuccess(ctx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := cb.Inspect(ctx, "orders")
	if rec.FailureCount != 0 {
		t.Fatalf("failure count = %d after a success, want 0", rec.FailureCount)
	}

	// Two more failures alone must not reach the threshold again.
	cb.RecordFailure(ctx, "orders")
	cb.RecordFailure(ctx, "orders")
	if decision, _ := cb.Allow(ctx, "orders"); decision.Open {
		t.Fatal("circuit should still be closed below the threshold")
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	cb, _ := newBreaker(t, circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	cb.RecordFailure(ctx, "orders")
	cb.RecordFailure(ctx, "orders")
	if decision, _ := cb.Allow(ctx, "orders"); !decision.Open {
		t.Fatal("circuit should be open")
	}

	if err := cb.Reset(ctx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, _ := cb.Allow(ctx, "orders")
	if decision.Open || decision.State != circuitbreaker.StateClosed {
		t.Fatalf("reset circuit should allow immediately, got %+v", decision)
	}
	rec, _ := cb.Inspect(ctx, "orders")
	if rec.FailureCount != 0 {
		t.Fatalf("failure count = %d after reset, want 0", rec.FailureCount)
	}

	// Resetting a service that was never checked is a no-op.
	if err := cb.Reset(ctx, "never-seen"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBreakerIsolatesServices(t *testing.T) {
	t.Parallel()

	cb, _ := newBreaker(t, circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	cb.RecordFailure(ctx, "orders")
	cb.RecordFailure(ctx, "orders")

	if decision, _ := cb.Allow(ctx, "orders"); !decision.Open {
		t.Fatal("orders circuit should be open")
	}
	if decision, _ := cb.Allow(ctx, "users"); decision.Open {
		t.Fatal("users circuit must not be affected by orders failures")
	}
}
