package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// casAttempts bounds how often a check retries after losing a
// compare-and-swap race on the same identifier.
const casAttempts = 4

// TokenBucket refills capacity continuously and charges one token per
// request, which permits short bursts up to the bucket ceiling. All state
// lives in the injected store.
type TokenBucket struct {
	store Store
	clock Clock
}

func NewTokenBucket(store Store, clock Clock) *TokenBucket {
	if clock == nil {
		clock = SystemClock()
	}
	return &TokenBucket{store: store, clock: clock}
}

// Check charges one token for identifier under policy. Concurrent callers
// race on the record; the store's conditional write decides the winner and
// losers re-read, so the bucket can never be over-consumed.
func (t *TokenBucket) Check(ctx context.Context, identifier string, policy Policy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{Limit: policy.MaxRequests}, err
	}

	rate := policy.refillRate()
	maxTokens := policy.maxTokens()
	ttl := 2 * time.Duration(policy.WindowMs) * time.Millisecond

	for attempt := 0; attempt < casAttempts; attempt++ {
		now := t.clock.Now().UnixMilli()

		rec, err := t.store.GetBucket(ctx, identifier)
		if err != nil {
			return Result{}, err
		}

		if rec == nil {
			// First observed request: the new bucket starts one token short.
			next := TokenBucketRecord{
				Tokens:       float64(maxTokens) - 1,
				LastRefillMs: now,
				MaxTokens:    maxTokens,
				WindowMs:     policy.WindowMs,
			}
			ok, err := t.store.PutBucket(ctx, identifier, nil, next, ttl)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				continue
			}
			return Result{
				Allowed:   true,
				Limit:     policy.MaxRequests,
				Remaining: maxTokens - 1,
				ResetAt:   now + int64(policy.WindowMs),
			}, nil
		}

		elapsed := now - rec.LastRefillMs
		if elapsed < 0 {
			elapsed = 0
		}
		current := math.Min(float64(rec.MaxTokens), rec.Tokens+float64(elapsed)*rate)

		if current < 1 {
			// Denied requests leave the record untouched.
			retryMs := int64(math.Ceil((1 - current) / rate))
			return Result{
				Allowed:    false,
				Limit:      policy.MaxRequests,
				Remaining:  0,
				ResetAt:    now + retryMs,
				RetryAfter: ceilSeconds(retryMs),
			}, nil
		}

		next := *rec
		next.Tokens = current - 1
		next.LastRefillMs = now

		ok, err := t.store.PutBucket(ctx, identifier, rec, next, ttl)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}

		return Result{
			Allowed:   true,
			Limit:     policy.MaxRequests,
			Remaining: uint64(math.Floor(current)) - 1,
			ResetAt:   now + int64(math.Ceil((float64(rec.MaxTokens)-current+1)/rate)),
		}, nil
	}

	return Result{}, errors.Wrapf(ErrStore, "token bucket contention on %q", identifier)
}

func ceilSeconds(ms int64) int64 {
	return (ms + 999) / 1000
}
