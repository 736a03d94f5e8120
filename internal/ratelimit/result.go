package ratelimit

// Result is the outcome of a limit check. A denied request is an ordinary
// result, not an error.
type Result struct {
	Allowed    bool   `json:"allowed"`
	Limit      uint64 `json:"limit"`
	Remaining  uint64 `json:"remaining"`
	ResetAt    int64  `json:"reset_at"`              // epoch milliseconds
	RetryAfter int64  `json:"retry_after,omitempty"` // seconds, only set on deny
}
