package ans

import (
	"testing"
	"time"

	"github.com/vagusguard/vagusguard/internal/types"
)

func newTestManager(minResidency time.Duration) *Manager {
	return New(Config{
		MinResidency:      minResidency,
		SafeThresholdBp:   8000,
		DangerThresholdBp: 6000,
	}, nil, nil)
}

func TestHysteresisBands(t *testing.T) {
	cases := []struct {
		name string
		from types.ANSState
		vti  uint64
		want types.ANSState
	}{
		{"safe_band_from_safe", types.StateSafe, 9000, types.StateSafe},
		{"safe_band_from_danger", types.StateDanger, 8500, types.StateSafe},
		{"mid_band_keeps_safe", types.StateSafe, 7000, types.StateSafe},
		{"mid_band_keeps_danger", types.StateDanger, 7000, types.StateDanger},
		{"mid_band_from_shutdown_goes_danger", types.StateShutdown, 7000, types.StateDanger},
		{"low_band_from_safe_goes_danger", types.StateSafe, 5000, types.StateDanger},
		{"low_band_from_danger_stays_danger", types.StateDanger, 5000, types.StateDanger},
		{"low_band_from_shutdown_goes_shutdown", types.StateShutdown, 5000, types.StateShutdown},
		{"critical_band_from_safe_goes_danger", types.StateSafe, 2000, types.StateDanger},
		{"critical_band_from_danger_goes_shutdown", types.StateDanger, 2000, types.StateShutdown},
		{"critical_band_from_shutdown_stays_shutdown", types.StateShutdown, 2000, types.StateShutdown},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := hysteresisNext(c.from, c.vti, 6000, 8000)
			if got != c.want {
				t.Fatalf("hysteresisNext(%s, %d) = %s, want %s", c.from, c.vti, got, c.want)
			}
		})
	}
}

func TestUpdateToneRejectsOutOfRangeVTI(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	err := mgr.UpdateTone(time.Unix(0, 0), 10001, types.StateSafe)
	verr, ok := err.(*types.Error)
	if !ok || verr.Code() != types.CodeInvalidToneValue {
		t.Fatalf("expected InvalidToneValue, got %v", err)
	}
}

func TestResidencyGateBlocksNonConservativeMove(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	epoch := time.Unix(1_700_000_000, 0)

	if err := mgr.UpdateTone(epoch, 5000, types.StateDanger); err != nil {
		t.Fatalf("setup to DANGER: %v", err)
	}
	if mgr.CurrentState() != types.StateDanger {
		t.Fatalf("expected DANGER after setup, got %s", mgr.CurrentState())
	}

	// Within the residency window, a recovering (less conservative) move is
	// rejected.
	err := mgr.UpdateTone(epoch.Add(10*time.Second), 9500, types.StateSafe)
	verr, ok := err.(*types.Error)
	if !ok || verr.Code() != types.CodeStateChangeTooFreq {
		t.Fatalf("expected StateChangeTooFrequent, got %v", err)
	}
	if mgr.CurrentState() != types.StateDanger {
		t.Fatalf("state must not have changed, got %s", mgr.CurrentState())
	}
}

func TestConservativeMoveBypassesResidencyGate(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	epoch := time.Unix(1_700_000_000, 0)

	if err := mgr.UpdateTone(epoch, 5000, types.StateDanger); err != nil {
		t.Fatalf("setup to DANGER: %v", err)
	}

	// A more conservative move (DANGER -> SHUTDOWN) is never gated, even
	// seconds after the last change.
	if err := mgr.UpdateTone(epoch.Add(5*time.Second), 1000, types.StateShutdown); err != nil {
		t.Fatalf("expected conservative move to bypass residency gate: %v", err)
	}
	if mgr.CurrentState() != types.StateShutdown {
		t.Fatalf("expected SHUTDOWN, got %s", mgr.CurrentState())
	}
}

func TestSuggestedOverridesWhenMoreConservative(t *testing.T) {
	mgr := newTestManager(0)
	epoch := time.Unix(1_700_000_000, 0)

	// vti alone would keep SAFE (9000 is in the safe band), but the
	// suggested state SHUTDOWN is more conservative and must win (I7).
	if err := mgr.UpdateTone(epoch, 9000, types.StateShutdown); err != nil {
		t.Fatalf("UpdateTone: %v", err)
	}
	if mgr.CurrentState() != types.StateShutdown {
		t.Fatalf("expected suggested SHUTDOWN to override hysteresis result, got %s", mgr.CurrentState())
	}
}

func TestGuardForReflectsCurrentState(t *testing.T) {
	mgr := newTestManager(0)
	epoch := time.Unix(1_700_000_000, 0)
	var actionID [32]byte

	g := mgr.GuardFor(actionID)
	if !g.Allowed || g.ScalingFactorBp != 10000 {
		t.Fatalf("expected full authority in SAFE, got %+v", g)
	}

	if err := mgr.UpdateTone(epoch, 1000, types.StateShutdown); err != nil {
		t.Fatalf("UpdateTone: %v", err)
	}
	g = mgr.GuardFor(actionID)
	if g.Allowed || g.ScalingFactorBp != 0 {
		t.Fatalf("expected blocked guard in SHUTDOWN, got %+v", g)
	}
}
