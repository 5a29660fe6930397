// Package brake implements the Vagal Brake: the admission controller that
// sits between a planner's Intent and the Capability Issuer. It reads the
// current Guard from the ANS State Manager, scales brakeable parameters,
// validates absolute caps, recomputes and verifies the scaled-limits hash,
// and only then delegates minting to the Issuer — the sole path to Issue.
package brake

import (
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vagusguard/vagusguard/internal/ans"
	"github.com/vagusguard/vagusguard/internal/capability"
	"github.com/vagusguard/vagusguard/internal/codec"
	"github.com/vagusguard/vagusguard/internal/observability"
	"github.com/vagusguard/vagusguard/internal/storage"
	"github.com/vagusguard/vagusguard/internal/types"
)

// EvidenceSource is the subset of the Afferent Inbox the Brake needs: the
// latest accepted evidence for an executor, for the optional pre-state-root
// freshness check. Declared locally so brake does not import inbox.
type EvidenceSource interface {
	LatestAEP(executorID uint64) (types.AfferentEvidencePacket, bool)
}

// Config holds the Brake's instantiation parameters.
type Config struct {
	// AuthorizedCallers are the identities permitted to invoke IssueWithBrake
	// (normally the planner-facing ingress, not arbitrary callers).
	AuthorizedCallers []string
	// IssuerCaller is the identity the Brake presents to Issuer.Issue; it
	// must be present in the Issuer's own AuthorizedExecutors set.
	IssuerCaller string
	// RequireFreshEvidence gates intent.PreStateRoot against the Inbox's
	// latest AEP for the executor before admitting (SPEC_FULL supplement;
	// spec.md leaves preStateRoot's consumer unspecified beyond "consumed
	// once by Brake").
	RequireFreshEvidence bool
	NodeID               string
}

// Brake is the Vagal Brake. Its mutex is the single serialization point
// spec.md §4.3 requires ("no other UpdateTone or Issue may interleave"):
// callers that invoke ans.Manager.UpdateTone directly from outside the
// Brake must also take Lock/Unlock around that call so the two never race.
type Brake struct {
	mu sync.Mutex

	ans    *ans.Manager
	issuer *capability.Issuer
	inbox  EvidenceSource

	schemas       map[[32]byte]ActionSchema
	defaultSchema ActionSchema
	seenNonces    map[string]struct{}

	authorizedCallers    map[string]struct{}
	issuerCaller         string
	requireFreshEvidence bool

	db      *storage.DB
	metrics *observability.Metrics
	log     *zap.Logger
	nodeID  string
}

// New creates a Brake wired to an ANS Manager and a Capability Issuer.
// inbox may be nil when RequireFreshEvidence is false.
func New(cfg Config, ansMgr *ans.Manager, issuer *capability.Issuer, inbox EvidenceSource, db *storage.DB, metrics *observability.Metrics, log *zap.Logger) *Brake {
	authorized := make(map[string]struct{}, len(cfg.AuthorizedCallers))
	for _, c := range cfg.AuthorizedCallers {
		authorized[c] = struct{}{}
	}
	return &Brake{
		ans:                  ansMgr,
		issuer:               issuer,
		inbox:                inbox,
		schemas:              make(map[[32]byte]ActionSchema),
		defaultSchema:        IdentitySchema{},
		seenNonces:           make(map[string]struct{}),
		authorizedCallers:    authorized,
		issuerCaller:         cfg.IssuerCaller,
		requireFreshEvidence: cfg.RequireFreshEvidence,
		db:                   db,
		metrics:              metrics,
		log:                  log,
		nodeID:               cfg.NodeID,
	}
}

// Lock/Unlock expose the Brake's serialization point to callers that must
// coordinate a direct ans.Manager.UpdateTone call with IssueWithBrake.
func (b *Brake) Lock()   { b.mu.Lock() }
func (b *Brake) Unlock() { b.mu.Unlock() }

// RegisterSchema associates actionID with the ActionSchema used to scale its
// opaque params. Unregistered actionIds fall back to IdentitySchema.
func (b *Brake) RegisterSchema(actionID [32]byte, schema ActionSchema) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[actionID] = schema
}

func (b *Brake) schemaFor(actionID [32]byte) ActionSchema {
	if s, ok := b.schemas[actionID]; ok {
		return s
	}
	return b.defaultSchema
}

// reject increments BrakeRejectionsTotal by err's stable code before
// returning it, so every IssueWithBrake rejection path is observable
// without threading a metric call through each return statement's callers.
func (b *Brake) reject(err error) (uint64, error) {
	if b.metrics != nil {
		code := "unknown"
		if verr, ok := err.(*types.Error); ok {
			code = string(verr.Code())
		}
		b.metrics.BrakeRejectionsTotal.WithLabelValues(code).Inc()
	}
	return 0, err
}

func nonceKey(planner string, nonce *big.Int) string {
	n := "0"
	if nonce != nil {
		n = nonce.String()
	}
	return planner + "/" + n
}

// IssueWithBrake executes the six-step admission contract (spec.md §4.3):
// Guard lookup, ANSBlocked short-circuit, opaque-params scaling,
// absolute-cap validation, scaled-limits-hash verification, and delegation
// to Issuer.Issue. The whole call is serialized by b.mu so no concurrent
// UpdateTone or Issue observes an intermediate state.
func (b *Brake) IssueWithBrake(now time.Time, caller string, intent types.Intent, scaledLimitsHash [32]byte, expiresAt uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.authorizedCallers[caller]; !ok {
		return b.reject(types.ErrUnauthorized())
	}

	nk := nonceKey(intent.Planner, intent.Nonce)
	if _, seen := b.seenNonces[nk]; seen {
		return b.reject(types.ErrNonceAlreadyUsed())
	}

	if b.requireFreshEvidence {
		if b.inbox == nil {
			return b.reject(types.ErrInvalidPreState())
		}
		aep, ok := b.inbox.LatestAEP(intent.ExecutorID)
		if !ok {
			return b.reject(types.ErrInvalidPreState())
		}
		if aep.StateRootSha256 != intent.PreStateRoot {
			return b.reject(types.ErrStateMismatch())
		}
	}

	// 1-2: Guard lookup, ANSBlocked short-circuit.
	guard := b.ans.GuardFor(intent.ActionID)
	if !guard.Allowed {
		return b.reject(types.ErrANSBlocked())
	}

	// 3: scale opaque brakeable params.
	scaledParams, err := b.schemaFor(intent.ActionID).ApplyScaling(intent.Params, guard.ScalingFactorBp)
	if err != nil {
		return b.reject(types.ErrInvalidInput(err.Error()))
	}

	// 4: absolute-cap validation.
	scaledDuration := uint32((uint64(intent.MaxDurationMs) * uint64(guard.ScalingFactorBp)) / 10000)
	scaledEnergy := uint32((uint64(intent.MaxEnergyJ) * uint64(guard.ScalingFactorBp)) / 10000)
	if scaledDuration > types.MaxDurationMs || scaledEnergy > types.MaxEnergyJ {
		return b.reject(types.ErrANSLimitExceeded())
	}

	// 5: recompute and verify the scaled-limits hash.
	wantHash := codec.ScalingLimitsHash(intent.ActionID, scaledDuration, scaledEnergy, uint64(guard.ScalingFactorBp))
	if wantHash != scaledLimitsHash {
		return b.reject(types.ErrCBORHashMismatch())
	}

	// 6: delegate to Issuer.Issue with the scaled intent.
	scaledIntent := intent
	scaledIntent.Params = scaledParams
	scaledIntent.MaxDurationMs = scaledDuration
	scaledIntent.MaxEnergyJ = scaledEnergy

	tokenID, err := b.issuer.Issue(now, b.issuerCaller, scaledIntent, scaledLimitsHash, expiresAt)
	if err != nil {
		return b.reject(err)
	}

	b.seenNonces[nk] = struct{}{}

	if b.metrics != nil {
		b.metrics.BrakeAdmissionsTotal.Inc()
	}
	if b.log != nil {
		b.log.Info("issue_with_brake",
			zap.Uint64("token_id", tokenID),
			zap.Uint64("executor_id", intent.ExecutorID),
			zap.String("planner", intent.Planner),
			zap.Uint32("scaling_factor_bp", guard.ScalingFactorBp),
			zap.Uint32("scaled_duration_ms", scaledDuration),
			zap.Uint32("scaled_energy_j", scaledEnergy),
		)
	}
	if b.db != nil {
		_ = b.db.AppendLedger(storage.LedgerEntry{
			Timestamp:  now,
			Component:  "brake",
			Action:     "issue_with_brake",
			ExecutorID: intent.ExecutorID,
			TokenID:    tokenID,
			NodeID:     b.nodeID,
		})
	}
	return tokenID, nil
}
