package ratelimit

import "errors"

// ErrPolicy indicates an invalid limit configuration (zero window, zero limit,
// unknown tier). Checks that fail this way always deny.
var ErrPolicy = errors.New("invalid rate limit policy")

// ErrUnknownTier is returned when a tier has no configured policy.
var ErrUnknownTier = errors.New("unknown rate limit tier")

// ErrStore indicates the persistent store is unreachable or returned malformed
// data. It is never converted into an allow or deny decision here; callers
// choose fail-open or fail-closed per deployment.
var ErrStore = errors.New("rate limit store unavailable")

// IsPolicyError reports whether err stems from configuration rather than the store.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrPolicy) || errors.Is(err, ErrUnknownTier)
}

// IsStoreError reports whether err stems from the persistent store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStore)
}
