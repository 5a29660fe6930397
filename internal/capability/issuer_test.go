package capability

import (
	"math/big"
	"testing"
	"time"

	"github.com/vagusguard/vagusguard/internal/types"
)

func testIntent(executorID uint64, actionID byte, planner string, nonce int64, notBefore, notAfter uint64) types.Intent {
	var aid [32]byte
	aid[0] = actionID
	return types.Intent{
		ExecutorID:    executorID,
		ActionID:      aid,
		Planner:       planner,
		Nonce:         big.NewInt(nonce),
		NotBefore:     notBefore,
		NotAfter:      notAfter,
		MaxDurationMs: 1000,
		MaxEnergyJ:    10,
	}
}

func newTestIssuer() *Issuer {
	return New(Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"brake"},
		RateLimit:           RateLimitParams{WindowSize: 60 * time.Second, MaxRequests: 3},
		Breaker:             BreakerParams{Threshold: 5, Timeout: 300 * time.Second, Recovery: 3},
		NodeID:              "test-node",
	}, nil, nil, nil)
}

func TestIssueMonotonicTokenIDs(t *testing.T) {
	iss := newTestIssuer()
	now := time.Unix(1000, 0)

	var last uint64
	for i := 0; i < 3; i++ {
		intent := testIntent(1, 0xAA, "planner", int64(i), 0, 2000)
		id, err := iss.Issue(now, "brake", intent, [32]byte{}, 1500)
		if err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
		if id <= last {
			t.Fatalf("token id %d is not strictly increasing after %d", id, last)
		}
		last = id
	}
}

func TestIssueRejectsPaused(t *testing.T) {
	iss := newTestIssuer()
	if err := iss.EmergencyPause("dao"); err != nil {
		t.Fatalf("EmergencyPause: %v", err)
	}
	_, err := iss.Issue(time.Unix(1000, 0), "brake", testIntent(1, 0xAA, "p", 0, 0, 2000), [32]byte{}, 1500)
	if verr, ok := err.(*types.Error); !ok || verr.Code() != types.CodeContractPaused {
		t.Fatalf("expected ContractPaused, got %v", err)
	}
}

func TestIssueRejectsUnauthorizedCaller(t *testing.T) {
	iss := newTestIssuer()
	_, err := iss.Issue(time.Unix(1000, 0), "not-the-brake", testIntent(1, 0xAA, "p", 0, 0, 2000), [32]byte{}, 1500)
	if verr, ok := err.(*types.Error); !ok || verr.Code() != types.CodeUnauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestIssueRejectsExpiredIntentWindow(t *testing.T) {
	iss := newTestIssuer()
	intent := testIntent(1, 0xAA, "p", 0, 5000, 6000)
	_, err := iss.Issue(time.Unix(1000, 0), "brake", intent, [32]byte{}, 1500)
	if verr, ok := err.(*types.Error); !ok || verr.Code() != types.CodeIntentExpired {
		t.Fatalf("expected IntentExpired, got %v", err)
	}
}

// TestRateLimitTripScenario implements spec.md §8 scenario 6.
func TestRateLimitTripScenario(t *testing.T) {
	iss := newTestIssuer()
	base := time.Unix(0, 0)

	for i, offset := range []int64{0, 10, 20} {
		now := base.Add(time.Duration(offset) * time.Second)
		intent := testIntent(1, 0xAA, "p", int64(i), 0, 1000)
		if _, err := iss.Issue(now, "brake", intent, [32]byte{}, 900); err != nil {
			t.Fatalf("issue %d at t=%d: unexpected error %v", i, offset, err)
		}
	}

	// Fourth issue at t=30 must fail RateLimited.
	intent := testIntent(1, 0xAA, "p", 99, 0, 1000)
	_, err := iss.Issue(base.Add(30*time.Second), "brake", intent, [32]byte{}, 900)
	verr, ok := err.(*types.Error)
	if !ok || verr.Code() != types.CodeRateLimited {
		t.Fatalf("expected RateLimited at t=30, got %v", err)
	}

	// At t=61 the t=0 timestamp has aged out of the 60s window.
	intent2 := testIntent(1, 0xAA, "p", 100, 0, 1000)
	if _, err := iss.Issue(base.Add(61*time.Second), "brake", intent2, [32]byte{}, 900); err != nil {
		t.Fatalf("expected success at t=61 after window prune, got %v", err)
	}
}

// TestRateLimitRejectionTripsBreaker verifies the explicit design choice
// that a RateLimited rejection counts as a circuit-breaker failure.
func TestRateLimitRejectionTripsBreaker(t *testing.T) {
	iss := New(Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"brake"},
		RateLimit:           RateLimitParams{WindowSize: time.Hour, MaxRequests: 1},
		Breaker:             BreakerParams{Threshold: 2, Timeout: time.Minute, Recovery: 1},
	}, nil, nil, nil)

	now := time.Unix(0, 0)
	intent := testIntent(1, 0xAA, "p", 0, 0, 100000)
	if _, err := iss.Issue(now, "brake", intent, [32]byte{}, 90000); err != nil {
		t.Fatalf("first issue: %v", err)
	}

	// Next two calls are rate-limited and, per spec, count as breaker
	// failures. The second failure reaches the threshold of 2 and trips
	// the breaker open.
	intent2 := testIntent(1, 0xAA, "p", 1, 0, 100000)
	if _, err := iss.Issue(now, "brake", intent2, [32]byte{}, 90000); err == nil {
		t.Fatal("expected RateLimited on second call")
	}
	intent3 := testIntent(1, 0xAA, "p", 2, 0, 100000)
	_, err := iss.Issue(now, "brake", intent3, [32]byte{}, 90000)
	verr, ok := err.(*types.Error)
	if !ok || verr.Code() != types.CodeRateLimited {
		t.Fatalf("expected RateLimited on third call, got %v", err)
	}

	// A subsequent call — even with a fresh window key wouldn't help, same
	// key — should now fail CircuitBreakerOpen because the 2nd rejection
	// tripped it.
	intent4 := testIntent(1, 0xAA, "p", 3, 0, 100000)
	_, err = iss.Issue(now.Add(time.Second), "brake", intent4, [32]byte{}, 90000)
	verr, ok = err.(*types.Error)
	if !ok || verr.Code() != types.CodeCircuitBreakerOpen {
		t.Fatalf("expected CircuitBreakerOpen, got %v", err)
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	// A near-instantaneous rate window isolates the circuit-breaker state
	// machine: only two calls issued at the exact same timestamp collide
	// on the rate limiter (producing the one deliberate "failure"), while
	// every later call — being a nanosecond or more apart — always clears
	// the rate limiter and exercises the breaker alone.
	iss := New(Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"brake"},
		RateLimit:           RateLimitParams{WindowSize: time.Nanosecond, MaxRequests: 1},
		Breaker:             BreakerParams{Threshold: 1, Timeout: 10 * time.Second, Recovery: 2},
	}, nil, nil, nil)
	key := breakerKey{executorID: 1, actionID: func() [32]byte { var a [32]byte; a[0] = 0xAA; return a }()}

	now := time.Unix(0, 0)
	if _, err := iss.Issue(now, "brake", testIntent(1, 0xAA, "p", 0, 0, 100000), [32]byte{}, 90000); err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	// Same-instant collision on the rate window -> one breaker failure,
	// which trips the breaker Open (threshold=1).
	if _, err := iss.Issue(now, "brake", testIntent(1, 0xAA, "p", 1, 0, 100000), [32]byte{}, 90000); err == nil {
		t.Fatal("expected rate-limited rejection")
	}
	if got := iss.breakers[key].state; got != types.CircuitOpen {
		t.Fatalf("expected breaker Open after threshold failures, got %v", got)
	}

	// Before timeout elapses, still Open.
	if _, err := iss.Issue(now.Add(time.Second), "brake", testIntent(1, 0xAA, "p", 2, 0, 100000), [32]byte{}, 90000); err == nil {
		t.Fatal("expected CircuitBreakerOpen before timeout")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeCircuitBreakerOpen {
		t.Fatalf("expected CircuitBreakerOpen, got %v", verr.Code())
	}

	// After timeout, the next request transitions Open->HalfOpen and, since
	// the rate window has long since cleared, succeeds.
	t1 := now.Add(11 * time.Second)
	if _, err := iss.Issue(t1, "brake", testIntent(1, 0xAA, "p", 3, 0, 100000), [32]byte{}, 90000); err != nil {
		t.Fatalf("expected HalfOpen probe to succeed, got %v", err)
	}
	if got := iss.breakers[key].state; got != types.CircuitHalfOpen {
		t.Fatalf("expected breaker HalfOpen after one recovery success (need 2), got %v", got)
	}

	// Second HalfOpen success reaches Recovery=2 and closes the breaker.
	t2 := t1.Add(time.Second)
	if _, err := iss.Issue(t2, "brake", testIntent(1, 0xAA, "p", 4, 0, 100000), [32]byte{}, 90000); err != nil {
		t.Fatalf("expected second recovery success, got %v", err)
	}
	if got := iss.breakers[key].state; got != types.CircuitClosed {
		t.Fatalf("expected breaker Closed after recovery successes, got %v", got)
	}
}

func TestRevokeAndIsValid(t *testing.T) {
	iss := newTestIssuer()
	now := time.Unix(1000, 0)
	intent := testIntent(1, 0xAA, "planner-x", 0, 0, 2000)
	id, err := iss.Issue(now, "brake", intent, [32]byte{}, 1500)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !iss.IsValid(now, id) {
		t.Fatal("expected token valid immediately after issue")
	}
	if err := iss.Revoke(now, "planner-x", id, types.ReasonOwnerRevocation); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if iss.IsValid(now, id) {
		t.Fatal("expected token invalid after revoke")
	}
	if err := iss.Revoke(now, "planner-x", id, types.ReasonOwnerRevocation); err == nil {
		t.Fatal("expected TokenAlreadyRevoked on second revoke")
	}
}

func TestRevokeUnauthorized(t *testing.T) {
	iss := newTestIssuer()
	now := time.Unix(1000, 0)
	id, err := iss.Issue(now, "brake", testIntent(1, 0xAA, "planner-x", 0, 0, 2000), [32]byte{}, 1500)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := iss.Revoke(now, "someone-else", id, types.ReasonOwnerRevocation); err == nil {
		t.Fatal("expected UnauthorizedRevocation")
	}
	if err := iss.SetReflexArc("dao", "reflex-1"); err != nil {
		t.Fatalf("SetReflexArc: %v", err)
	}
	if err := iss.Revoke(now, "reflex-1", id, types.ReasonReflexTrigger); err != nil {
		t.Fatalf("reflex revoke: %v", err)
	}
}

func TestActiveTokensOfIndexAndLazyExpirySkip(t *testing.T) {
	iss := newTestIssuer()
	now := time.Unix(1000, 0)

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := iss.Issue(now.Add(time.Duration(i)*time.Second), "brake",
			testIntent(42, 0xBB, "p", int64(i), 0, 5000), [32]byte{}, 1050+uint64(i))
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	active := iss.ActiveTokensOf(now, 42)
	if len(active) != 3 {
		t.Fatalf("expected 3 active tokens, got %d", len(active))
	}

	// Revoke one explicitly; expire the clock past the other two.
	if err := iss.Revoke(now, "p", ids[0], types.ReasonOwnerRevocation); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	later := time.Unix(1000, 0).Add(2 * time.Hour)
	active = iss.ActiveTokensOf(later, 42)
	if len(active) != 0 {
		t.Fatalf("expected 0 active tokens after expiry, got %d", len(active))
	}
}

func TestGovernanceRequiresDAO(t *testing.T) {
	iss := newTestIssuer()
	if err := iss.EmergencyPause("not-dao"); err == nil {
		t.Fatal("expected Unauthorized for non-DAO caller")
	}
	if err := iss.SetRateLimit("not-dao", time.Minute, 10); err == nil {
		t.Fatal("expected Unauthorized for non-DAO caller")
	}
}
