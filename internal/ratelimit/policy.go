package ratelimit

import (
	"github.com/pkg/errors"
)

// Policy describes one rate limit: MaxRequests per WindowMs milliseconds.
// BurstSize, when set, raises the token bucket ceiling above MaxRequests.
type Policy struct {
	MaxRequests uint64 `json:"max_requests"`
	WindowMs    uint64 `json:"window_ms"`
	BurstSize   uint64 `json:"burst_size,omitempty"`
}

func NewPolicy(maxRequests, windowMs uint64) (Policy, error) {
	p := Policy{MaxRequests: maxRequests, WindowMs: windowMs}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.MaxRequests == 0 {
		return errors.Wrap(ErrPolicy, "max_requests must be greater than zero")
	}
	if p.WindowMs == 0 {
		return errors.Wrap(ErrPolicy, "window_ms must be greater than zero")
	}
	return nil
}

// maxTokens is the bucket ceiling: the burst size when configured,
// otherwise the per-window request limit.
func (p Policy) maxTokens() uint64 {
	if p.BurstSize > 0 {
		return p.BurstSize
	}
	return p.MaxRequests
}

// refillRate returns tokens added per millisecond.
func (p Policy) refillRate() float64 {
	return float64(p.MaxRequests) / float64(p.WindowMs)
}
