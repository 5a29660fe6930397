// Package ans implements the ANS State Manager: a hysteretic three-state
// (SAFE/DANGER/SHUTDOWN) finite state machine driven by a Vagal Tone
// Indicator, exposing a per-action Guard.
//
// State semantics:
//
//	SAFE     — full authority, Guard.ScalingFactorBp == 10000.
//	DANGER   — reduced authority, Guard.ScalingFactorBp == 5000.
//	SHUTDOWN — no non-escape action may be issued.
//
// Transitions are gated by a minimum residency period except when moving to
// a strictly more conservative state (I6), and an externally suggested
// state always wins when it is strictly more conservative than the
// hysteresis result (I7).
package ans

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vagusguard/vagusguard/internal/observability"
	"github.com/vagusguard/vagusguard/internal/types"
)

// ActionPolicy maps an actionId to a Guard for a given ANSState. The
// default table (DefaultActionPolicy) is action-agnostic; a deployment may
// inject a richer table as the out-of-scope action-schema registry matures.
type ActionPolicy interface {
	GuardFor(state types.ANSState, actionID [32]byte) types.Guard
}

// DefaultActionPolicy implements the spec's default policy table:
// SAFE→10000/allowed, DANGER→5000/allowed, SHUTDOWN→0/blocked, uniformly
// for every actionId.
type DefaultActionPolicy struct{}

func (DefaultActionPolicy) GuardFor(state types.ANSState, _ [32]byte) types.Guard {
	switch state {
	case types.StateSafe:
		return types.Guard{ScalingFactorBp: 10000, Allowed: true}
	case types.StateDanger:
		return types.Guard{ScalingFactorBp: 5000, Allowed: true}
	case types.StateShutdown:
		return types.Guard{ScalingFactorBp: 0, Allowed: false}
	default:
		return types.Guard{ScalingFactorBp: 0, Allowed: false}
	}
}

// Manager is the ANS State Manager. One instance owns the single global
// (currentState, currentTone, lastStateChange) triple for a deployment.
type Manager struct {
	mu sync.Mutex

	current        types.ANSState
	tone           types.VagalToneIndicator
	lastStateChange time.Time
	everChanged    bool

	minResidency     time.Duration
	safeThresholdBp  uint64
	dangerThresholdBp uint64
	policy           ActionPolicy

	metrics *observability.Metrics
	log     *zap.Logger
}

// Config holds the ANS State Manager's instantiation parameters.
type Config struct {
	// MinResidency is MIN_STATE_RESIDENCY: the minimum time between
	// non-conservative state changes. Spec default: 60s.
	MinResidency time.Duration
	// SafeThresholdBp is S: vti >= S keeps/returns to SAFE.
	SafeThresholdBp uint64
	// DangerThresholdBp is D: 0 < D < S <= 10000.
	DangerThresholdBp uint64
	// Policy is the action-policy table; nil selects DefaultActionPolicy.
	Policy ActionPolicy
}

// New creates a Manager starting in StateSafe, matching the implicit
// "instantiate" convention of the other core components (no live tokens
// exist yet, so the initial state choice has no observable effect beyond
// the first UpdateTone).
func New(cfg Config, metrics *observability.Metrics, log *zap.Logger) *Manager {
	if cfg.Policy == nil {
		cfg.Policy = DefaultActionPolicy{}
	}
	return &Manager{
		current:           types.StateSafe,
		minResidency:      cfg.MinResidency,
		safeThresholdBp:   cfg.SafeThresholdBp,
		dangerThresholdBp: cfg.DangerThresholdBp,
		policy:            cfg.Policy,
		metrics:           metrics,
		log:               log,
	}
}

// CurrentState returns the current ANSState.
func (m *Manager) CurrentState() types.ANSState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentTone returns the last accepted VagalToneIndicator.
func (m *Manager) CurrentTone() types.VagalToneIndicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tone
}

// GuardFor derives a Guard from the current ANSState, pure with respect to
// the configured ActionPolicy.
func (m *Manager) GuardFor(actionID [32]byte) types.Guard {
	m.mu.Lock()
	state := m.current
	m.mu.Unlock()
	return m.policy.GuardFor(state, actionID)
}

// hysteresisNext implements the §4.1 table. Higher vti is safer.
func hysteresisNext(from types.ANSState, vti, danger, safe uint64) types.ANSState {
	switch {
	case vti >= safe:
		return types.StateSafe
	case vti >= danger:
		// D <= vti < S
		switch from {
		case types.StateSafe:
			return types.StateSafe
		default:
			return types.StateDanger
		}
	case vti >= danger/2:
		// vti < D, vti >= D/2
		switch from {
		case types.StateSafe:
			return types.StateDanger
		case types.StateDanger:
			return types.StateDanger
		default:
			return types.StateShutdown
		}
	default:
		// vti < D/2
		switch from {
		case types.StateSafe:
			return types.StateDanger
		default:
			return types.StateShutdown
		}
	}
}

// UpdateTone accepts a new (vti, suggested) pair at time now, applying the
// hysteresis table, minimum-residency gate, and conservativeness override.
func (m *Manager) UpdateTone(now time.Time, vti uint64, suggested types.ANSState) error {
	if vti > 10000 {
		if m.metrics != nil {
			m.metrics.ToneUpdatesRejectedTotal.WithLabelValues("invalid_tone").Inc()
		}
		return types.ErrInvalidToneValue(vti)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	next := hysteresisNext(from, vti, m.dangerThresholdBp, m.safeThresholdBp)

	// I7: suggested overrides the hysteresis result whenever it is
	// strictly more conservative.
	if suggested.MoreConservativeThan(next) {
		next = suggested
	}

	changed := next != from
	if changed {
		moreConservative := next.MoreConservativeThan(from)
		gated := m.everChanged && now.Sub(m.lastStateChange) < m.minResidency
		if gated && !moreConservative {
			if m.metrics != nil {
				m.metrics.ToneUpdatesRejectedTotal.WithLabelValues("too_frequent").Inc()
			}
			return types.ErrStateChangeTooFrequent()
		}
		m.current = next
		m.lastStateChange = now
		m.everChanged = true
	}

	m.tone = types.VagalToneIndicator{Value: vti, Timestamp: uint64(now.Unix())}

	if m.metrics != nil {
		if changed {
			m.metrics.StateTransitionsTotal.WithLabelValues(from.String(), next.String()).Inc()
		}
		m.metrics.CurrentANSState.Set(float64(m.current.Rank()))
	}
	if m.log != nil {
		m.log.Info("update_tone",
			zap.Uint64("vti", vti),
			zap.Uint64("tone", m.tone.Value),
			zap.String("state", m.current.String()),
			zap.Uint64("updated_at", uint64(now.Unix())),
			zap.Bool("state_changed", changed),
		)
	}
	return nil
}
