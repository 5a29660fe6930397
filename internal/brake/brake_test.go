package brake

import (
	"math/big"
	"testing"
	"time"

	"github.com/vagusguard/vagusguard/internal/ans"
	"github.com/vagusguard/vagusguard/internal/capability"
	"github.com/vagusguard/vagusguard/internal/codec"
	"github.com/vagusguard/vagusguard/internal/types"
)

func testIntent(executorID uint64, actionByte byte, planner string, nonce int64, maxDurationMs, maxEnergyJ uint32) types.Intent {
	var actionID [32]byte
	actionID[0] = actionByte
	return types.Intent{
		ExecutorID:    executorID,
		ActionID:      actionID,
		Params:        []byte("p"),
		NotBefore:     0,
		NotAfter:      1 << 40,
		MaxDurationMs: maxDurationMs,
		MaxEnergyJ:    maxEnergyJ,
		Planner:       planner,
		Nonce:         big.NewInt(nonce),
	}
}

func newTestBrake(t *testing.T) (*Brake, *ans.Manager) {
	t.Helper()
	ansMgr := ans.New(ans.Config{
		MinResidency:      time.Minute,
		SafeThresholdBp:   7000,
		DangerThresholdBp: 3000,
	}, nil, nil)
	issuer := capability.New(capability.Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"brake"},
		RateLimit:           capability.RateLimitParams{WindowSize: time.Hour, MaxRequests: 1000},
		Breaker:             capability.BreakerParams{Threshold: 1000, Timeout: time.Minute, Recovery: 1},
	}, nil, nil, nil)
	b := New(Config{
		AuthorizedCallers: []string{"planner-gateway"},
		IssuerCaller:      "brake",
	}, ansMgr, issuer, nil, nil, nil, nil)
	return b, ansMgr
}

func scaledHash(t *testing.T, actionID [32]byte, duration, energy uint32, scalingBp uint64) [32]byte {
	t.Helper()
	return codec.ScalingLimitsHash(actionID, duration, energy, scalingBp)
}

func TestIssueWithBrakeSafeStateFullScale(t *testing.T) {
	b, _ := newTestBrake(t)
	intent := testIntent(1, 0xAA, "planner-1", 1, 10000, 500)
	hash := scaledHash(t, intent.ActionID, 10000, 500, 10000)

	tokenID, err := b.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, hash, 90000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokenID == 0 {
		t.Fatal("expected nonzero token id")
	}
}

func TestIssueWithBrakeRejectsUnauthorizedCaller(t *testing.T) {
	b, _ := newTestBrake(t)
	intent := testIntent(1, 0xAA, "planner-1", 1, 10000, 500)
	hash := scaledHash(t, intent.ActionID, 10000, 500, 10000)

	if _, err := b.IssueWithBrake(time.Unix(0, 0), "someone-else", intent, hash, 90000); err == nil {
		t.Fatal("expected Unauthorized")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %v", verr.Code())
	}
}

// Scaling equivalence: state=DANGER (s=5000bp). Intent: maxDurationMs=10000,
// maxEnergyJ=500. Admits; emitted scaledLimitsHash equals
// SHA3-256(actionId‖5000(be32)‖250(be32)‖5000(be64)).
func TestIssueWithBrakeScalingEquivalence(t *testing.T) {
	b, ansMgr := newTestBrake(t)
	if err := ansMgr.UpdateTone(time.Unix(0, 0), 2000, types.StateSafe); err != nil {
		t.Fatalf("seed danger transition: %v", err)
	}
	if got := ansMgr.CurrentState(); got != types.StateDanger {
		t.Fatalf("expected DANGER, got %v", got)
	}

	intent := testIntent(1, 0xAA, "planner-1", 2, 10000, 500)
	wantHash := scaledHash(t, intent.ActionID, 5000, 250, 5000)

	tokenID, err := b.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, wantHash, 90000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokenID == 0 {
		t.Fatal("expected nonzero token id")
	}
}

func TestIssueWithBrakeHashMismatch(t *testing.T) {
	b, _ := newTestBrake(t)
	intent := testIntent(1, 0xAA, "planner-1", 3, 10000, 500)
	wrongHash := scaledHash(t, intent.ActionID, 1, 1, 1) // deliberately wrong inputs

	if _, err := b.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, wrongHash, 90000); err == nil {
		t.Fatal("expected CBORHashMismatch")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeCBORHashMismatch {
		t.Fatalf("expected CodeCBORHashMismatch, got %v", verr.Code())
	}
}

func TestIssueWithBrakeRejectsWhenShutdown(t *testing.T) {
	b, ansMgr := newTestBrake(t)
	if err := ansMgr.UpdateTone(time.Unix(0, 0), 0, types.StateShutdown); err != nil {
		t.Fatalf("seed shutdown transition: %v", err)
	}

	intent := testIntent(1, 0xAA, "planner-1", 4, 10000, 500)
	hash := scaledHash(t, intent.ActionID, 0, 0, 0)

	if _, err := b.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, hash, 90000); err == nil {
		t.Fatal("expected ANSBlocked")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeANSBlocked {
		t.Fatalf("expected CodeANSBlocked, got %v", verr.Code())
	}
}

func TestIssueWithBrakeRejectsLimitExceeded(t *testing.T) {
	b, _ := newTestBrake(t)
	// maxDurationMs so large that even full scale (10000bp) exceeds the cap.
	intent := testIntent(1, 0xAA, "planner-1", 5, types.MaxDurationMs+1, 500)
	hash := scaledHash(t, intent.ActionID, types.MaxDurationMs+1, 500, 10000)

	if _, err := b.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, hash, 90000); err == nil {
		t.Fatal("expected ANSLimitExceeded")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeANSLimitExceeded {
		t.Fatalf("expected CodeANSLimitExceeded, got %v", verr.Code())
	}
}

func TestIssueWithBrakeRejectsReplayedNonce(t *testing.T) {
	b, _ := newTestBrake(t)
	intent := testIntent(1, 0xAA, "planner-1", 42, 10000, 500)
	hash := scaledHash(t, intent.ActionID, 10000, 500, 10000)

	if _, err := b.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, hash, 90000); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	// Same (planner, nonce) pair, even with a different action byte.
	replay := testIntent(1, 0xBB, "planner-1", 42, 10000, 500)
	replayHash := scaledHash(t, replay.ActionID, 10000, 500, 10000)
	if _, err := b.IssueWithBrake(time.Unix(0, 1), "planner-gateway", replay, replayHash, 90000); err == nil {
		t.Fatal("expected NonceAlreadyUsed")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeNonceAlreadyUsed {
		t.Fatalf("expected CodeNonceAlreadyUsed, got %v", verr.Code())
	}
}

type fakeEvidenceSource struct {
	aep types.AfferentEvidencePacket
	ok  bool
}

func (f fakeEvidenceSource) LatestAEP(executorID uint64) (types.AfferentEvidencePacket, bool) {
	return f.aep, f.ok
}

func TestIssueWithBrakeRequiresFreshEvidenceWhenConfigured(t *testing.T) {
	ansMgr := ans.New(ans.Config{MinResidency: time.Minute, SafeThresholdBp: 7000, DangerThresholdBp: 3000}, nil, nil)
	issuer := capability.New(capability.Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"brake"},
		RateLimit:           capability.RateLimitParams{WindowSize: time.Hour, MaxRequests: 1000},
		Breaker:             capability.BreakerParams{Threshold: 1000, Timeout: time.Minute, Recovery: 1},
	}, nil, nil, nil)

	intent := testIntent(1, 0xAA, "planner-1", 1, 10000, 500)
	hash := scaledHash(t, intent.ActionID, 10000, 500, 10000)

	// No evidence registered: rejected.
	bNoEvidence := New(Config{
		AuthorizedCallers:    []string{"planner-gateway"},
		IssuerCaller:         "brake",
		RequireFreshEvidence: true,
	}, ansMgr, issuer, fakeEvidenceSource{ok: false}, nil, nil, nil)
	if _, err := bNoEvidence.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, hash, 90000); err == nil {
		t.Fatal("expected InvalidPreState")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeInvalidPreState {
		t.Fatalf("expected CodeInvalidPreState, got %v", verr.Code())
	}

	// Evidence present but state root mismatch: rejected.
	bMismatch := New(Config{
		AuthorizedCallers:    []string{"planner-gateway"},
		IssuerCaller:         "brake",
		RequireFreshEvidence: true,
	}, ansMgr, issuer, fakeEvidenceSource{ok: true, aep: types.AfferentEvidencePacket{StateRootSha256: [32]byte{0x01}}}, nil, nil, nil)
	if _, err := bMismatch.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, hash, 90000); err == nil {
		t.Fatal("expected StateMismatch")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeStateMismatch {
		t.Fatalf("expected CodeStateMismatch, got %v", verr.Code())
	}

	// Matching state root: admitted.
	bMatch := New(Config{
		AuthorizedCallers:    []string{"planner-gateway"},
		IssuerCaller:         "brake",
		RequireFreshEvidence: true,
	}, ansMgr, issuer, fakeEvidenceSource{ok: true, aep: types.AfferentEvidencePacket{StateRootSha256: intent.PreStateRoot}}, nil, nil, nil)
	if _, err := bMatch.IssueWithBrake(time.Unix(0, 0), "planner-gateway", intent, hash, 90000); err != nil {
		t.Fatalf("expected admission with matching pre-state root, got %v", err)
	}
}

func TestDurationEnergySchemaScalesBothFields(t *testing.T) {
	params, err := codec.Encode(durationEnergyParams{DurationMs: 10000, EnergyJ: 1000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := (DurationEnergySchema{}).ApplyScaling(params, 5000)
	if err != nil {
		t.Fatalf("ApplyScaling: %v", err)
	}
	var got durationEnergyParams
	if err := codec.Decode(out, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DurationMs != 5000 || got.EnergyJ != 500 {
		t.Fatalf("expected {5000,500}, got %+v", got)
	}
}

func TestIdentitySchemaPassesThrough(t *testing.T) {
	out, err := (IdentitySchema{}).ApplyScaling([]byte("raw"), 3000)
	if err != nil {
		t.Fatalf("ApplyScaling: %v", err)
	}
	if string(out) != "raw" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}
