package gate

import (
	"context"
	"time"

	"github.com/aditya-vk/limit-gate/internal/circuitbreaker"
	"github.com/aditya-vk/limit-gate/internal/ratelimit"
)

// Store is everything the gate needs from the shared persistent store.
type Store interface {
	ratelimit.Store
	circuitbreaker.Store
}

const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmSlidingWindow = "sliding_window"
)

type Config struct {
	Algorithm        string // Default: token_bucket
	FailureThreshold uint64
	BreakerTimeout   time.Duration
}

// Gate is the single entry point callers use: limit checks on one side,
// circuit decisions on the other. It holds no state of its own beyond the
// injected collaborators.
type Gate struct {
	algorithm string
	bucket    *ratelimit.TokenBucket
	window    *ratelimit.SlidingWindow
	tiers     *ratelimit.TierResolver
	breaker   *circuitbreaker.CircuitBreaker
}

func New(store Store, clock ratelimit.Clock, cfg Config) *Gate {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmTokenBucket
	}
	bucket := ratelimit.NewTokenBucket(store, clock)
	return &Gate{
		algorithm: cfg.Algorithm,
		bucket:    bucket,
		window:    ratelimit.NewSlidingWindow(store, clock),
		tiers:     ratelimit.NewTierResolver(bucket),
		breaker: circuitbreaker.New(store, clock, circuitbreaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			Timeout:          cfg.BreakerTimeout,
		}),
	}
}

// CheckLimit runs the configured algorithm for identifier under policy.
func (g *Gate) CheckLimit(ctx context.Context, identifier string, policy ratelimit.Policy) (ratelimit.Result, error) {
	switch g.algorithm {
	case AlgorithmSlidingWindow:
		return g.window.Check(ctx, identifier, policy)
	default:
		return g.bucket.Check(ctx, identifier, policy)
	}
}

// CheckTierLimit resolves tier to a policy and checks the caller against it,
// scoped per endpoint.
func (g *Gate) CheckTierLimit(ctx context.Context, identifier, tier, endpoint string) (ratelimit.Result, error) {
	return g.tiers.CheckForTier(ctx, identifier, endpoint, tier)
}

// AllowCall reports whether calls to serviceID should be short-circuited.
func (g *Gate) AllowCall(ctx context.Context, serviceID string) (circuitbreaker.Decision, error) {
	return g.breaker.Allow(ctx, serviceID)
}

// ReportCallResult feeds the outcome of a downstream call back to the breaker.
func (g *Gate) ReportCallResult(ctx context.Context, serviceID string, success bool) error {
	if success {
		return g.breaker.RecordSuccess(ctx, serviceID)
	}
	return g.breaker.RecordFailure(ctx, serviceID)
}

// CircuitState returns the stored breaker record for serviceID, nil if the
// service has never been checked.
func (g *Gate) CircuitState(ctx context.Context, serviceID string) (*circuitbreaker.Record, error) {
	return g.breaker.Inspect(ctx, serviceID)
}

// ResetCircuit forces the circuit for serviceID closed.
func (g *Gate) ResetCircuit(ctx context.Context, serviceID string) error {
	return g.breaker.Reset(ctx, serviceID)
}

// Tiers exposes the resolver so startup code can install overrides from
// configuration or the tiers table.
func (g *Gate) Tiers() *ratelimit.TierResolver {
	return g.tiers
}
