// Package scenario replays the end-to-end golden scenarios VAGUSGUARD must
// satisfy, each wiring a fresh, in-memory set of components (no BoltDB, no
// Prometheus registry, no logger — every dependency is nil-safe) and
// asserting the documented outcome.
package scenario

import (
	"fmt"
	"math/big"
	"time"

	"github.com/vagusguard/vagusguard/internal/ans"
	"github.com/vagusguard/vagusguard/internal/brake"
	"github.com/vagusguard/vagusguard/internal/capability"
	"github.com/vagusguard/vagusguard/internal/codec"
	"github.com/vagusguard/vagusguard/internal/inbox"
	"github.com/vagusguard/vagusguard/internal/reflex"
	"github.com/vagusguard/vagusguard/internal/types"
)

// Result is the outcome of one golden scenario.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

func pass(name string) Result { return Result{Name: name, Passed: true, Detail: "ok"} }

func fail(name, detail string) Result { return Result{Name: name, Passed: false, Detail: detail} }

// All runs every golden scenario and returns their results in the order
// they appear in the testable-properties section they are grounded on.
func All() []Result {
	return []Result{
		CascadeSafeDangerShutdown(),
		MinResidencyBypass(),
		BrakeScalingEquivalence(),
		ReflexRevocationFanOut(),
		CooldownSilence(),
		RateLimitTrip(),
	}
}

var epoch = time.Unix(1_700_000_000, 0)

// CascadeSafeDangerShutdown replays scenario 1: safe=8000, danger=6000,
// minResidency=60s; three successive tone updates drive SAFE→DANGER→
// SHUTDOWN, after which the Guard reports no action allowed (the condition
// under which the Brake fails with ANSBlocked).
func CascadeSafeDangerShutdown() Result {
	const name = "safe_danger_shutdown_cascade"
	mgr := ans.New(ans.Config{MinResidency: 60 * time.Second, SafeThresholdBp: 8000, DangerThresholdBp: 6000}, nil, nil)

	if err := mgr.UpdateTone(epoch, 9000, types.StateSafe); err != nil {
		return fail(name, fmt.Sprintf("t=0 update rejected: %v", err))
	}
	if err := mgr.UpdateTone(epoch.Add(100*time.Second), 5000, types.StateDanger); err != nil {
		return fail(name, fmt.Sprintf("t=100 update rejected: %v", err))
	}
	if mgr.CurrentState() != types.StateDanger {
		return fail(name, fmt.Sprintf("expected DANGER after t=100, got %s", mgr.CurrentState()))
	}
	if err := mgr.UpdateTone(epoch.Add(200*time.Second), 2000, types.StateShutdown); err != nil {
		return fail(name, fmt.Sprintf("t=200 update rejected: %v", err))
	}
	if mgr.CurrentState() != types.StateShutdown {
		return fail(name, fmt.Sprintf("expected SHUTDOWN after t=200, got %s", mgr.CurrentState()))
	}

	var actionID [32]byte
	guard := mgr.GuardFor(actionID)
	if guard.Allowed {
		return fail(name, "expected action to be blocked after SHUTDOWN")
	}
	return pass(name)
}

// MinResidencyBypass replays scenario 2: a conservative move bypasses the
// residency gate; the subsequent less-conservative move does not.
func MinResidencyBypass() Result {
	const name = "min_residency_bypass"
	mgr := ans.New(ans.Config{MinResidency: 60 * time.Second, SafeThresholdBp: 8000, DangerThresholdBp: 6000}, nil, nil)

	if err := mgr.UpdateTone(epoch.Add(100*time.Second), 5000, types.StateDanger); err != nil {
		return fail(name, fmt.Sprintf("setup to DANGER failed: %v", err))
	}

	if err := mgr.UpdateTone(epoch.Add(120*time.Second), 1000, types.StateShutdown); err != nil {
		return fail(name, fmt.Sprintf("expected conservative bypass to succeed: %v", err))
	}
	if mgr.CurrentState() != types.StateShutdown {
		return fail(name, fmt.Sprintf("expected SHUTDOWN at t=120, got %s", mgr.CurrentState()))
	}

	err := mgr.UpdateTone(epoch.Add(125*time.Second), 9500, types.StateSafe)
	if err == nil {
		return fail(name, "expected StateChangeTooFrequent at t=125")
	}
	verr, ok := err.(*types.Error)
	if !ok || verr.Code() != types.CodeStateChangeTooFreq {
		return fail(name, fmt.Sprintf("expected StateChangeTooFrequent, got %v", err))
	}
	return pass(name)
}

// BrakeScalingEquivalence replays scenario 3: in DANGER (scaling 5000bp), a
// 10000ms/500J intent scales to 5000ms/250J, and the Brake's recomputed
// scaledLimitsHash matches the spec's worked example.
func BrakeScalingEquivalence() Result {
	const name = "brake_scaling_equivalence"
	mgr := ans.New(ans.Config{MinResidency: 60 * time.Second, SafeThresholdBp: 8000, DangerThresholdBp: 6000}, nil, nil)
	if err := mgr.UpdateTone(epoch, 5000, types.StateDanger); err != nil {
		return fail(name, fmt.Sprintf("setup to DANGER failed: %v", err))
	}

	iss := capability.New(capability.Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"brake-caller"},
		RateLimit:           capability.RateLimitParams{WindowSize: time.Minute, MaxRequests: 100},
		Breaker:             capability.BreakerParams{Threshold: 10, Timeout: time.Minute, Recovery: 2},
	}, nil, nil, nil)

	brk := brake.New(brake.Config{
		AuthorizedCallers: []string{"planner-1"},
		IssuerCaller:      "brake-caller",
	}, mgr, iss, nil, nil, nil, nil)

	var actionID [32]byte
	actionID[0] = 0xAB

	intent := types.Intent{
		ExecutorID:    123,
		ActionID:      actionID,
		MaxDurationMs: 10000,
		MaxEnergyJ:    500,
		NotBefore:     uint64(epoch.Unix()),
		NotAfter:      uint64(epoch.Add(time.Hour).Unix()),
		Planner:       "planner-1",
		Nonce:         big.NewInt(1),
	}

	wantHash := codec.ScalingLimitsHash(actionID, 5000, 250, 5000)

	tokenID, err := brk.IssueWithBrake(epoch, "planner-1", intent, wantHash, uint64(epoch.Add(time.Hour).Unix()))
	if err != nil {
		return fail(name, fmt.Sprintf("IssueWithBrake rejected: %v", err))
	}
	if tokenID == 0 {
		return fail(name, "expected nonzero token id")
	}
	return pass(name)
}

// ReflexRevocationFanOut replays scenario 4: three active tokens for one
// executor are all revoked by a single triggering evidence submission.
func ReflexRevocationFanOut() Result {
	const name = "reflex_revocation_fan_out"
	const executorID = 123

	mgr := ans.New(ans.Config{MinResidency: 0, SafeThresholdBp: 8000, DangerThresholdBp: 6000}, nil, nil)
	iss := capability.New(capability.Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"issuer-caller"},
		RateLimit:           capability.RateLimitParams{WindowSize: time.Minute, MaxRequests: 100},
		Breaker:             capability.BreakerParams{Threshold: 10, Timeout: time.Minute, Recovery: 2},
	}, nil, nil, nil)

	rfx := reflex.New(reflex.Config{
		Cooldown:     30 * time.Second,
		InboxCaller:  "inbox-caller",
		IssuerCaller: "issuer-caller",
		AdminAddress: "dao",
	}, iss, iss, mgr, reflex.VTIClassifier(6000, 3000), nil, nil, nil)

	if err := iss.SetReflexArc("dao", "issuer-caller"); err != nil {
		return fail(name, fmt.Sprintf("SetReflexArc failed: %v", err))
	}

	ib := inbox.New(inbox.Config{
		AuthorizedAttestors: []string{"gateway-1"},
		CallerIdentity:      "inbox-caller",
		AdminAddress:        "dao",
	}, rfx, nil, nil, nil)

	var tokenIDs []uint64
	for i := 0; i < 3; i++ {
		var actionID [32]byte
		actionID[0] = byte(i + 1)
		intent := types.Intent{
			ExecutorID:    executorID,
			ActionID:      actionID,
			NotBefore:     uint64(epoch.Unix()),
			NotAfter:      uint64(epoch.Add(time.Hour).Unix()),
			Planner:       "planner-1",
			MaxDurationMs: 1000,
			MaxEnergyJ:    10,
		}
		tokenID, err := iss.Issue(epoch, "issuer-caller", intent, [32]byte{}, uint64(epoch.Add(time.Hour).Unix()))
		if err != nil {
			return fail(name, fmt.Sprintf("seed issue %d failed: %v", i, err))
		}
		tokenIDs = append(tokenIDs, tokenID)
	}

	// Tone below the dangerVti threshold so the classifier fires.
	if err := mgr.UpdateTone(epoch, 2000, types.StateDanger); err != nil {
		return fail(name, fmt.Sprintf("tone update failed: %v", err))
	}

	if err := ib.PostAEP(epoch.Add(time.Second), "gateway-1", executorID,
		make([]byte, 32), make([]byte, 32), make([]byte, 32), make([]byte, 32), nil); err != nil {
		return fail(name, fmt.Sprintf("PostAEP failed: %v", err))
	}

	for _, tokenID := range tokenIDs {
		if iss.IsValid(epoch.Add(time.Second), tokenID) {
			return fail(name, fmt.Sprintf("token %d still valid after trigger", tokenID))
		}
	}
	return pass(name)
}

// CooldownSilence replays scenario 5: a second dangerous evidence
// submission inside REFLEX_COOLDOWN produces no additional revocations.
func CooldownSilence() Result {
	const name = "cooldown_silence"
	const executorID = 123

	mgr := ans.New(ans.Config{MinResidency: 0, SafeThresholdBp: 8000, DangerThresholdBp: 6000}, nil, nil)
	iss := capability.New(capability.Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"issuer-caller"},
		RateLimit:           capability.RateLimitParams{WindowSize: time.Minute, MaxRequests: 100},
		Breaker:             capability.BreakerParams{Threshold: 10, Timeout: time.Minute, Recovery: 2},
	}, nil, nil, nil)
	rfx := reflex.New(reflex.Config{
		Cooldown:     30 * time.Second,
		InboxCaller:  "inbox-caller",
		IssuerCaller: "issuer-caller",
		AdminAddress: "dao",
	}, iss, iss, mgr, reflex.VTIClassifier(6000, 3000), nil, nil, nil)
	if err := iss.SetReflexArc("dao", "issuer-caller"); err != nil {
		return fail(name, fmt.Sprintf("SetReflexArc failed: %v", err))
	}
	ib := inbox.New(inbox.Config{
		AuthorizedAttestors: []string{"gateway-1"},
		CallerIdentity:      "inbox-caller",
		AdminAddress:        "dao",
	}, rfx, nil, nil, nil)

	if err := mgr.UpdateTone(epoch, 2000, types.StateDanger); err != nil {
		return fail(name, fmt.Sprintf("tone update failed: %v", err))
	}

	var actionID [32]byte
	actionID[0] = 1
	seed := types.Intent{
		ExecutorID: executorID, ActionID: actionID,
		NotBefore: uint64(epoch.Unix()), NotAfter: uint64(epoch.Add(time.Hour).Unix()),
		Planner: "planner-1", MaxDurationMs: 1000, MaxEnergyJ: 10,
	}
	if _, err := iss.Issue(epoch, "issuer-caller", seed, [32]byte{}, uint64(epoch.Add(time.Hour).Unix())); err != nil {
		return fail(name, fmt.Sprintf("seed issue failed: %v", err))
	}

	if err := ib.PostAEP(epoch.Add(time.Second), "gateway-1", executorID,
		make([]byte, 32), make([]byte, 32), make([]byte, 32), make([]byte, 32), nil); err != nil {
		return fail(name, fmt.Sprintf("first PostAEP failed: %v", err))
	}

	// Issue a fresh token after the first trigger; a second trigger inside
	// cooldown must NOT revoke it.
	actionID[0] = 2
	post := types.Intent{
		ExecutorID: executorID, ActionID: actionID,
		NotBefore: uint64(epoch.Unix()), NotAfter: uint64(epoch.Add(time.Hour).Unix()),
		Planner: "planner-1", MaxDurationMs: 1000, MaxEnergyJ: 10,
	}
	postTokenID, err := iss.Issue(epoch.Add(2*time.Second), "issuer-caller", post, [32]byte{}, uint64(epoch.Add(time.Hour).Unix()))
	if err != nil {
		return fail(name, fmt.Sprintf("post-trigger issue failed: %v", err))
	}

	if err := ib.PostAEP(epoch.Add(3*time.Second), "gateway-1", executorID,
		make([]byte, 32), make([]byte, 32), make([]byte, 32), make([]byte, 32), nil); err != nil {
		return fail(name, fmt.Sprintf("second PostAEP failed: %v", err))
	}

	if !iss.IsValid(epoch.Add(3*time.Second), postTokenID) {
		return fail(name, "token issued after first trigger was revoked by a cooldown-silenced second trigger")
	}
	return pass(name)
}

// RateLimitTrip replays scenario 6: with windowSize=60s, maxRequests=3, the
// fourth Issue within the window is rejected; the window prunes by t=61.
func RateLimitTrip() Result {
	const name = "rate_limit_trip"

	iss := capability.New(capability.Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"issuer-caller"},
		RateLimit:           capability.RateLimitParams{WindowSize: 60 * time.Second, MaxRequests: 3},
		Breaker:             capability.BreakerParams{Threshold: 10, Timeout: time.Minute, Recovery: 2},
	}, nil, nil, nil)

	var actionID [32]byte
	actionID[0] = 0x01
	mkIntent := func() types.Intent {
		return types.Intent{
			ExecutorID: 7, ActionID: actionID,
			NotBefore: 0, NotAfter: uint64(epoch.Add(time.Hour).Unix()),
			Planner: "planner-1", MaxDurationMs: 1000, MaxEnergyJ: 10,
		}
	}

	for _, offset := range []int{0, 10, 20} {
		if _, err := iss.Issue(epoch.Add(time.Duration(offset)*time.Second), "issuer-caller", mkIntent(), [32]byte{}, uint64(epoch.Add(time.Hour).Unix())); err != nil {
			return fail(name, fmt.Sprintf("expected issue at t=%d to succeed: %v", offset, err))
		}
	}

	_, err := iss.Issue(epoch.Add(30*time.Second), "issuer-caller", mkIntent(), [32]byte{}, uint64(epoch.Add(time.Hour).Unix()))
	if err == nil {
		return fail(name, "expected fourth issue at t=30 to be rate limited")
	}
	if verr, ok := err.(*types.Error); !ok || verr.Code() != types.CodeRateLimited {
		return fail(name, fmt.Sprintf("expected RateLimited, got %v", err))
	}

	if _, err := iss.Issue(epoch.Add(61*time.Second), "issuer-caller", mkIntent(), [32]byte{}, uint64(epoch.Add(time.Hour).Unix())); err != nil {
		return fail(name, fmt.Sprintf("expected issue at t=61 to succeed after window prune: %v", err))
	}
	return pass(name)
}
