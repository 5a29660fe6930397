package capability

import (
	"time"

	"github.com/vagusguard/vagusguard/internal/types"
)

func (iss *Issuer) requireDAO(caller string) error {
	if caller != iss.daoAddress {
		return types.ErrUnauthorized()
	}
	return nil
}

// SetReflexArc late-binds the Reflex Arc's authorized-revoker identity,
// resolving the Reflex↔Issuer cycle described in spec.md §9: neither
// component owns the other, the slot is set post-instantiation.
func (iss *Issuer) SetReflexArc(caller, reflexArc string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.requireDAO(caller); err != nil {
		return err
	}
	iss.reflexArc = reflexArc
	return nil
}

// SetAuthorizedExecutors replaces the set of callers permitted to invoke
// Issue. In normal operation this set contains exactly the Vagal Brake's
// identity, since the Brake is documented as "the sole path to Issue."
func (iss *Issuer) SetAuthorizedExecutors(caller string, executors []string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.requireDAO(caller); err != nil {
		return err
	}
	next := make(map[string]struct{}, len(executors))
	for _, e := range executors {
		next[e] = struct{}{}
	}
	iss.authorizedExecutors = next
	return nil
}

// SetRateLimit updates the sliding-window rate-limiter parameters.
func (iss *Issuer) SetRateLimit(caller string, windowSize time.Duration, maxRequests int) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.requireDAO(caller); err != nil {
		return err
	}
	iss.rateParams = RateLimitParams{WindowSize: windowSize, MaxRequests: maxRequests}
	return nil
}

// SetCircuitBreakerParams updates the circuit breaker's threshold, timeout,
// and recovery parameters. Existing breaker instances keep their current
// state; only future transitions use the new parameters.
func (iss *Issuer) SetCircuitBreakerParams(caller string, threshold int, timeout time.Duration, recovery int) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.requireDAO(caller); err != nil {
		return err
	}
	iss.breakerParams = breakerParams{threshold: threshold, timeout: timeout, recovery: recovery}
	return nil
}

// EmergencyPause halts all future Issue calls with ContractPaused until
// EmergencyUnpause is called. Revoke and IsValid are unaffected.
func (iss *Issuer) EmergencyPause(caller string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.requireDAO(caller); err != nil {
		return err
	}
	iss.paused = true
	if iss.log != nil {
		iss.log.Warn("emergency pause engaged")
	}
	return nil
}

// EmergencyUnpause resumes Issue after EmergencyPause.
func (iss *Issuer) EmergencyUnpause(caller string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.requireDAO(caller); err != nil {
		return err
	}
	iss.paused = false
	if iss.log != nil {
		iss.log.Info("emergency pause lifted")
	}
	return nil
}

// IsPaused reports the current pause state.
func (iss *Issuer) IsPaused() bool {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.paused
}
