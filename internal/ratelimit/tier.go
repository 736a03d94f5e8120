package ratelimit

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Subscription tiers understood out of the box. Rows in the rate_limit_tiers
// table or config entries may override these or add new ones.
const (
	TierFree       = "free"
	TierStarter    = "starter"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

func defaultTierPolicies() map[string]Policy {
	return map[string]Policy{
		TierFree:       {MaxRequests: 10, WindowMs: 60000},
		TierStarter:    {MaxRequests: 100, WindowMs: 60000},
		TierPro:        {MaxRequests: 1000, WindowMs: 60000},
		TierEnterprise: {MaxRequests: 10000, WindowMs: 60000},
	}
}

// TierResolver maps a caller's subscription tier to a policy and delegates to
// the token bucket. Limits are scoped per caller per endpoint via a composite
// identifier.
type TierResolver struct {
	mu       sync.RWMutex
	limiter  *TokenBucket
	policies map[string]Policy
}

func NewTierResolver(limiter *TokenBucket) *TierResolver {
	return &TierResolver{
		limiter:  limiter,
		policies: defaultTierPolicies(),
	}
}

// SetPolicy installs or overrides the policy for a tier. Invalid policies are
// rejected so a bad row can never grant unlimited access.
func (r *TierResolver) SetPolicy(tier string, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policies[tier] = policy
	r.mu.Unlock()
	return nil
}

func (r *TierResolver) Policy(tier string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[tier]
	return p, ok
}

// CheckForTier resolves tier to a policy and checks "{base}:{endpoint}"
// against it. An unconfigured tier is a configuration error and denies
// without touching the store: silently defaulting could hand out unlimited
// access.
func (r *TierResolver) CheckForTier(ctx context.Context, base, endpoint, tier string) (Result, error) {
	policy, ok := r.Policy(tier)
	if !ok {
		return Result{}, errors.Wrapf(ErrUnknownTier, "tier %q", tier)
	}
	return r.limiter.Check(ctx, base+":"+endpoint, policy)
}
