package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/aditya-vk/limit-gate/internal/ratelimit"
	"github.com/pkg/errors"
)

const casAttempts = 4

// Record is the persisted state of one breaker, keyed by service id. It is
// created lazily on the first check and never deleted. LastFailureAtMs is
// always set while the circuit is open.
type Record struct {
	State           State  `json:"state"`
	FailureCount    uint64 `json:"failure_count"`
	LastFailureAtMs int64  `json:"last_failure_at,omitempty"`
	// ProbeInFlight marks that one caller has claimed the half-open probe.
	// Everyone else keeps seeing the circuit as open until the probe reports
	// or its claim goes stale.
	ProbeInFlight    bool  `json:"probe_in_flight,omitempty"`
	ProbeClaimedAtMs int64 `json:"probe_claimed_at,omitempty"`
}

// Store is the breaker's contract with the external persistent store.
type Store interface {
	// GetCircuit returns the record for serviceID, or nil if none exists.
	GetCircuit(ctx context.Context, serviceID string) (*Record, error)

	// PutCircuit writes next only if the stored record still equals prev
	// (create-if-absent when prev is nil). It reports whether the write won.
	PutCircuit(ctx context.Context, serviceID string, prev *Record, next Record) (bool, error)
}

// Decision is the answer to "may I call this service right now".
type Decision struct {
	Open       bool
	State      State
	RetryAfter int64 // seconds until the next probe window, when open
	Message    string
}

type Config struct {
	FailureThreshold uint64        // Default: 5
	Timeout          time.Duration // Default: 60 seconds
}

// CircuitBreaker is a three-state failure isolation machine persisted in the
// shared store, so an open circuit observed by one gateway replica
// short-circuits all of them. Transitions are computed lazily from stored
// timestamps on the next call; there is no background timer.
type CircuitBreaker struct {
	store Store
	clock ratelimit.Clock
	cfg   Config
}

func New(store Store, clock ratelimit.Clock, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if clock == nil {
		clock = ratelimit.SystemClock()
	}
	return &CircuitBreaker{store: store, clock: clock, cfg: cfg}
}

// Allow reports whether a call to serviceID should proceed. When the open
// cooldown has elapsed, exactly one caller wins the half-open probe through
// the store's conditional write; callers that lose keep getting an open
// decision. A half-open result means "allow, but watch closely and report".
func (cb *CircuitBreaker) Allow(ctx context.Context, serviceID string) (Decision, error) {
	timeoutMs := cb.cfg.Timeout.Milliseconds()

	for attempt := 0; attempt < casAttempts; attempt++ {
		now := cb.clock.Now().UnixMilli()

		rec, err := cb.store.GetCircuit(ctx, serviceID)
		if err != nil {
			return Decision{}, err
		}

		if rec == nil {
			ok, err := cb.store.PutCircuit(ctx, serviceID, nil, Record{State: StateClosed})
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				continue
			}
			return Decision{State: StateClosed}, nil
		}

		switch rec.State {
		case StateClosed:
			return Decision{State: StateClosed}, nil

		case StateHalfOpen:
			if rec.ProbeInFlight && now-rec.ProbeClaimedAtMs < timeoutMs {
				return cb.openDecision(serviceID, rec, now, timeoutMs), nil
			}
			// The claimed probe never reported; let the claim be retaken.
			next := *rec
			next.ProbeInFlight = true
			next.ProbeClaimedAtMs = now
			ok, err := cb.store.PutCircuit(ctx, serviceID, rec, next)
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				continue
			}
			return Decision{State: StateHalfOpen}, nil

		case StateOpen:
			if now-rec.LastFailureAtMs < timeoutMs {
				return cb.openDecision(serviceID, rec, now, timeoutMs), nil
			}
			next := *rec
			next.State = StateHalfOpen
			next.ProbeInFlight = true
			next.ProbeClaimedAtMs = now
			ok, err := cb.store.PutCircuit(ctx, serviceID, rec, next)
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				continue
			}
			return Decision{State: StateHalfOpen}, nil

		default:
			return Decision{}, errors.Errorf("circuit %q in unknown state %d", serviceID, rec.State)
		}
	}

	return Decision{}, errors.Wrapf(ratelimit.ErrStore, "circuit contention on %q", serviceID)
}

func (cb *CircuitBreaker) openDecision(serviceID string, rec *Record, now, timeoutMs int64) Decision {
	since := rec.LastFailureAtMs
	if rec.State == StateHalfOpen {
		since = rec.ProbeClaimedAtMs
	}
	remainingMs := since + timeoutMs - now
	if remainingMs < 0 {
		remainingMs = 0
	}
	retryAfter := (remainingMs + 999) / 1000
	return Decision{
		Open:       true,
		State:      rec.State,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("Service %s is temporarily unavailable. Retry after %ds", serviceID, retryAfter),
	}
}

// Inspect returns the stored record for serviceID, or nil if the service has
// never been checked.
func (cb *CircuitBreaker) Inspect(ctx context.Context, serviceID string) (*Record, error) {
	return cb.store.GetCircuit(ctx, serviceID)
}

// Reset forces the circuit closed and clears its failure history.
func (cb *CircuitBreaker) Reset(ctx context.Context, serviceID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := cb.store.GetCircuit(ctx, serviceID)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}

		ok, err := cb.store.PutCircuit(ctx, serviceID, rec, Record{State: StateClosed})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(ratelimit.ErrStore, "circuit contention on %q", serviceID)
}

// RecordFailure counts a failed call. Reaching the threshold opens the
// circuit; any failure during a half-open probe reopens it immediately with
// the failure count carried forward.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, serviceID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		now := cb.clock.Now().UnixMilli()

		rec, err := cb.store.GetCircuit(ctx, serviceID)
		if err != nil {
			return err
		}

		var next Record
		if rec != nil {
			next = *rec
		}
		next.FailureCount++
		next.LastFailureAtMs = now
		next.ProbeInFlight = false
		next.ProbeClaimedAtMs = 0

		if rec != nil && rec.State == StateHalfOpen {
			next.State = StateOpen
		} else if next.FailureCount >= cb.cfg.FailureThreshold {
			next.State = StateOpen
		}

		ok, err := cb.store.PutCircuit(ctx, serviceID, rec, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(ratelimit.ErrStore, "circuit contention on %q", serviceID)
}

// RecordSuccess counts a successful call. A half-open probe success closes
// the circuit and resets the count; in the closed state a success decays any
// transient failures back to zero.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, serviceID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, err := cb.store.GetCircuit(ctx, serviceID)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}

		next := *rec
		switch rec.State {
		case StateHalfOpen:
			next.State = StateClosed
			next.FailureCount = 0
			next.ProbeInFlight = false
			next.ProbeClaimedAtMs = 0
		case StateClosed:
			if rec.FailureCount == 0 {
				return nil
			}
			next.FailureCount = 0
		default:
			// A straggler success while open carries no signal.
			return nil
		}

		ok, err := cb.store.PutCircuit(ctx, serviceID, rec, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(ratelimit.ErrStore, "circuit contention on %q", serviceID)
}
