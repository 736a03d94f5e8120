package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aditya-vk/limit-gate/internal/circuitbreaker"
	"github.com/aditya-vk/limit-gate/internal/ratelimit"
)

// Memory is an in-process store implementing the same contracts as
// RedisClient. It backs tests and single-node runs; it offers none of the
// cross-replica sharing the Redis store exists for.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	buckets  map[string]memoryEntry[ratelimit.TokenBucketRecord]
	windows  map[string]memoryEntry[uint64]
	circuits map[string]circuitbreaker.Record
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewMemory constructs an in-memory store. now may be nil for the wall clock.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:      now,
		buckets:  make(map[string]memoryEntry[ratelimit.TokenBucketRecord]),
		windows:  make(map[string]memoryEntry[uint64]),
		circuits: make(map[string]circuitbreaker.Record),
	}
}

func (m *Memory) getBucketLocked(identifier string) *ratelimit.TokenBucketRecord {
	entry, ok := m.buckets[identifier]
	if !ok {
		return nil
	}
	if m.now().After(entry.expiresAt) {
		delete(m.buckets, identifier)
		return nil
	}
	rec := entry.value
	return &rec
}

func (m *Memory) GetBucket(ctx context.Context, identifier string) (*ratelimit.TokenBucketRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBucketLocked(identifier), nil
}

func (m *Memory) PutBucket(ctx context.Context, identifier string, prev *ratelimit.TokenBucketRecord, next ratelimit.TokenBucketRecord, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.getBucketLocked(identifier)
	if prev == nil {
		if cur != nil {
			return false, nil
		}
	} else {
		if cur == nil || *cur != *prev {
			return false, nil
		}
	}

	m.buckets[identifier] = memoryEntry[ratelimit.TokenBucketRecord]{
		value:     next,
		expiresAt: m.now().Add(ttl),
	}
	return true, nil
}

func windowMapKey(identifier string, window int64) string {
	return identifier + ":" + strconv.FormatInt(window, 10)
}

func (m *Memory) windowCountLocked(key string) uint64 {
	entry, ok := m.windows[key]
	if !ok {
		return 0
	}
	if m.now().After(entry.expiresAt) {
		delete(m.windows, key)
		return 0
	}
	return entry.value
}

func (m *Memory) WindowCounts(ctx context.Context, identifier string, current, previous int64) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowCountLocked(windowMapKey(identifier, current)),
		m.windowCountLocked(windowMapKey(identifier, previous)), nil
}

func (m *Memory) IncrWindowBelow(ctx context.Context, identifier string, window int64, ceiling uint64, ttl time.Duration) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowMapKey(identifier, window)
	count := m.windowCountLocked(key)
	if count >= ceiling {
		return count, false, nil
	}

	count++
	m.windows[key] = memoryEntry[uint64]{value: count, expiresAt: m.now().Add(ttl)}
	return count, true, nil
}

func (m *Memory) GetCircuit(ctx context.Context, serviceID string) (*circuitbreaker.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.circuits[serviceID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) PutCircuit(ctx context.Context, serviceID string, prev *circuitbreaker.Record, next circuitbreaker.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.circuits[serviceID]
	if prev == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || cur != *prev {
			return false, nil
		}
	}

	m.circuits[serviceID] = next
	return true, nil
}
