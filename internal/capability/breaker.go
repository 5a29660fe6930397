package capability

import (
	"time"

	"github.com/vagusguard/vagusguard/internal/types"
)

// breakerKey identifies a circuit breaker instance: one per (executor, action).
type breakerKey struct {
	executorID uint64
	actionID   [32]byte
}

// breaker is the per-(executorId, actionId) circuit breaker described in
// spec.md §4.2: Closed → (threshold consecutive failures) → Open →
// (timeout elapses, next request) → HalfOpen → (recovery successes) →
// Closed, or any HalfOpen failure → Open.
type breaker struct {
	state           types.CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// breakerParams holds the governance-configurable thresholds.
type breakerParams struct {
	threshold int           // consecutive failures before tripping Open
	timeout   time.Duration // Open duration before a HalfOpen probe is allowed
	recovery  int           // consecutive HalfOpen successes required to close
}

// allow reports whether a request may proceed given the breaker's state at
// time now, and performs the Open→HalfOpen transition as a side effect when
// due — "the Open→HalfOpen transition occurs on first request after
// nextAttemptTime" per spec.md §4.2.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case types.CircuitOpen:
		if now.Before(b.nextAttemptTime) {
			return false
		}
		b.state = types.CircuitHalfOpen
		b.successCount = 0
		return true
	default:
		return true
	}
}

// recordSuccess records a successful call. In HalfOpen, recovery successes
// close the breaker; in Closed, it simply resets the failure streak.
func (b *breaker) recordSuccess(params breakerParams) {
	switch b.state {
	case types.CircuitHalfOpen:
		b.successCount++
		if b.successCount >= params.recovery {
			b.state = types.CircuitClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case types.CircuitClosed:
		b.failureCount = 0
	}
}

// recordFailure records a failed call — per spec.md §4.2, a RateLimited
// rejection counts as a breaker failure, the same as any other rejection
// that reaches this point. Any failure while HalfOpen re-opens the breaker
// immediately.
func (b *breaker) recordFailure(now time.Time, params breakerParams) {
	b.lastFailureTime = now

	switch b.state {
	case types.CircuitHalfOpen:
		b.state = types.CircuitOpen
		b.nextAttemptTime = now.Add(params.timeout)
		b.successCount = 0
	case types.CircuitClosed:
		b.failureCount++
		if b.failureCount >= params.threshold {
			b.state = types.CircuitOpen
			b.nextAttemptTime = now.Add(params.timeout)
			b.failureCount = 0
		}
	case types.CircuitOpen:
		// Already open; extend the window conservatively.
		b.nextAttemptTime = now.Add(params.timeout)
	}
}
