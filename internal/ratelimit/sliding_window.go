package ratelimit

import (
	"context"
	"math"
	"time"
)

// SlidingWindow blends the previous and current fixed-window counters,
// weighting the previous window by how much of it still overlaps the sliding
// window. Two counters per identifier give O(1) storage and smooth out the
// double burst a naive fixed window allows at window boundaries.
type SlidingWindow struct {
	store Store
	clock Clock
}

func NewSlidingWindow(store Store, clock Clock) *SlidingWindow {
	if clock == nil {
		clock = SystemClock()
	}
	return &SlidingWindow{store: store, clock: clock}
}

func (s *SlidingWindow) Check(ctx context.Context, identifier string, policy Policy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{Limit: policy.MaxRequests}, err
	}

	now := s.clock.Now().UnixMilli()
	windowMs := int64(policy.WindowMs)
	index := now / windowMs
	resetAt := (index + 1) * windowMs

	current, previous, err := s.store.WindowCounts(ctx, identifier, index, index-1)
	if err != nil {
		return Result{}, err
	}

	// The previous window's weight decays linearly as the current one fills.
	prevWeight := 1 - float64(now%windowMs)/float64(windowMs)
	estimated := uint64(math.Floor(float64(previous)*prevWeight + float64(current)))

	denied := Result{
		Allowed:    false,
		Limit:      policy.MaxRequests,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: ceilSeconds(resetAt - now),
	}

	if estimated >= policy.MaxRequests {
		return denied, nil
	}

	// The slot counter is capped at the limit, so racing callers cannot push
	// one window past its budget.
	ttl := 2 * time.Duration(policy.WindowMs) * time.Millisecond
	_, ok, err := s.store.IncrWindowBelow(ctx, identifier, index, policy.MaxRequests, ttl)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return denied, nil
	}

	return Result{
		Allowed:   true,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests - estimated - 1,
		ResetAt:   resetAt,
	}, nil
}
