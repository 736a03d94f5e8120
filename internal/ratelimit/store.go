package ratelimit

import (
	"context"
	"time"
)

// TokenBucketRecord is the persisted state of one token bucket, keyed by
// identifier. Tokens stays within [0, MaxTokens]; LastRefillMs never moves
// backwards for a given identifier.
type TokenBucketRecord struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMs int64   `json:"last_refill"`
	MaxTokens    uint64  `json:"max_tokens"`
	WindowMs     uint64  `json:"window_ms"`
}

// Store is the contract the limiters require of the external persistent
// store. It is the only boundary this package depends on: no in-process
// state survives between calls, so any number of gateway replicas can share
// one store. Implementations must make each operation atomic; the limiters'
// read-modify-write loops rely on the compare-and-swap semantics of the
// Put methods.
type Store interface {
	// GetBucket returns the bucket record for identifier, or nil if none exists.
	GetBucket(ctx context.Context, identifier string) (*TokenBucketRecord, error)

	// PutBucket writes next only if the stored record still equals prev
	// (create-if-absent when prev is nil). It reports whether the write won.
	PutBucket(ctx context.Context, identifier string, prev *TokenBucketRecord, next TokenBucketRecord, ttl time.Duration) (bool, error)

	// WindowCounts returns the request counts for the current and previous
	// window slots. Missing slots count as zero.
	WindowCounts(ctx context.Context, identifier string, current, previous int64) (uint64, uint64, error)

	// IncrWindowBelow increments the slot counter only while it is below
	// ceiling, refreshing its TTL. It returns the new count and whether the
	// increment was applied.
	IncrWindowBelow(ctx context.Context, identifier string, window int64, ceiling uint64, ttl time.Duration) (uint64, bool, error)
}
