package types

import "math/big"

// ANSState is the global safety mode: a closed sum type, total-ordered by
// conservativeness (SAFE < DANGER < SHUTDOWN).
type ANSState uint8

const (
	StateSafe ANSState = iota
	StateDanger
	StateShutdown
)

var allANSStates = []ANSState{StateSafe, StateDanger, StateShutdown}

func (s ANSState) String() string {
	switch s {
	case StateSafe:
		return "SAFE"
	case StateDanger:
		return "DANGER"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Rank gives the total order used for conservativeness comparisons (I7):
// a state with a higher Rank is strictly more conservative.
func (s ANSState) Rank() int {
	switch s {
	case StateSafe:
		return 0
	case StateDanger:
		return 1
	case StateShutdown:
		return 2
	default:
		return -1
	}
}

// MoreConservativeThan reports whether s is strictly more conservative
// than other in the SAFE<DANGER<SHUTDOWN order.
func (s ANSState) MoreConservativeThan(other ANSState) bool {
	return s.Rank() > other.Rank()
}

// VagalToneIndicator is the scalar safety index in basis points; higher is
// safer. Range [0,10000].
type VagalToneIndicator struct {
	Value     uint64
	Timestamp uint64
}

// Guard is the per-action admission policy derived from the current
// ANSState: a scaling factor in basis points, and whether the action is
// allowed at all.
type Guard struct {
	ScalingFactorBp uint32
	Allowed         bool
}

// Intent is a planner's proposed action, constructed off-core and consumed
// exactly once by the Brake.
type Intent struct {
	ExecutorID    uint64
	ActionID      [32]byte
	Params        []byte
	EnvelopeHash  [32]byte
	PreStateRoot  [32]byte
	NotBefore     uint64
	NotAfter      uint64
	MaxDurationMs uint32
	MaxEnergyJ    uint32
	Planner       string
	Nonce         *big.Int
}

// TokenMeta is a capability token. Created by Issue, mutated only to set
// Revoked/RevokedAt, and never deleted — the ledger is append-only.
type TokenMeta struct {
	TokenID          uint64
	ExecutorID       uint64
	ActionID         [32]byte
	ScaledLimitsHash [32]byte
	IssuedAt         uint64
	ExpiresAt        uint64
	Revoked          bool
	RevokedAt        uint64
}

// AfferentEvidencePacket is an authenticated evidence record published by a
// device gateway. Only the latest packet per executor is retained.
type AfferentEvidencePacket struct {
	ExecutorID        uint64
	StateRootSha256   [32]byte
	StateRootKeccak   [32]byte
	MetricsHashSha256 [32]byte
	MetricsHashKeccak [32]byte
	Timestamp         uint64
	// Attestation is accepted and stored but, per design, not
	// cryptographically verified in this phase.
	Attestation []byte
}

// RevocationReason is a closed sum type describing why a token was revoked.
type RevocationReason string

const (
	ReasonOwnerRevocation RevocationReason = "OWNER_REVOCATION"
	ReasonReflexTrigger   RevocationReason = "REFLEX_TRIGGER"
	ReasonExpiration      RevocationReason = "EXPIRATION"
)

// CircuitState is the closed sum type for the per-(executor,action) circuit
// breaker.
type CircuitState uint8

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (c CircuitState) String() string {
	switch c {
	case CircuitClosed:
		return "Closed"
	case CircuitOpen:
		return "Open"
	case CircuitHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// AllANSStates returns every declared ANSState value, for exhaustiveness
// tests that iterate and assert every switch in the package has a case.
func AllANSStates() []ANSState {
	out := make([]ANSState, len(allANSStates))
	copy(out, allANSStates)
	return out
}
