// Package reflex implements the Reflex Arc: the low-latency bulk-revocation
// path driven by evidence classification, with a per-executor cooldown and
// resumable fan-out so a partial failure never strands tokens unrevoked.
package reflex

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vagusguard/vagusguard/internal/observability"
	"github.com/vagusguard/vagusguard/internal/storage"
	"github.com/vagusguard/vagusguard/internal/types"
)

// Revoker is the subset of the Capability Issuer the Reflex Arc calls.
type Revoker interface {
	Revoke(now time.Time, caller string, tokenID uint64, reason types.RevocationReason) error
}

// ActiveTokensQuerier is the subset of the Capability Issuer used to
// enumerate an executor's live tokens at trigger time.
type ActiveTokensQuerier interface {
	ActiveTokensOf(now time.Time, executorID uint64) []uint64
}

// ToneSource supplies the current Vagal Tone Indicator to the classifier.
type ToneSource interface {
	CurrentTone() types.VagalToneIndicator
}

// Config holds the Reflex Arc's instantiation parameters.
type Config struct {
	Cooldown time.Duration
	// InboxCaller is the identity the registered Afferent Inbox presents to
	// OnAEP; only it is authorized to invoke the automatic path.
	InboxCaller string
	// IssuerCaller is the identity Reflex presents to Issuer.Revoke; it must
	// match the Issuer's own registered reflexArc (Issuer.SetReflexArc).
	IssuerCaller string
	AdminAddress string
	NodeID       string
}

// Reflex is the Reflex Arc.
type Reflex struct {
	mu sync.Mutex

	issuer        Revoker
	activeQuerier ActiveTokensQuerier
	tone          ToneSource
	classifier    Classifier

	cooldown           time.Duration
	lastTrigger        map[uint64]time.Time
	pendingRevocations map[uint64][]uint64 // executorId -> unrevoked token ids from an interrupted fan-out

	inboxCaller  string
	issuerCaller string
	adminAddress string

	db      *storage.DB
	metrics *observability.Metrics
	log     *zap.Logger
	nodeID  string
}

// New creates a Reflex Arc. classifier defaults to NeverClassifier if nil,
// so a misconfigured deployment fails closed (no automatic revocation)
// rather than open.
func New(cfg Config, issuer Revoker, activeQuerier ActiveTokensQuerier, tone ToneSource, classifier Classifier, db *storage.DB, metrics *observability.Metrics, log *zap.Logger) *Reflex {
	if classifier == nil {
		classifier = NeverClassifier()
	}
	return &Reflex{
		issuer:             issuer,
		activeQuerier:      activeQuerier,
		tone:               tone,
		classifier:         classifier,
		cooldown:           cfg.Cooldown,
		lastTrigger:        make(map[uint64]time.Time),
		pendingRevocations: make(map[uint64][]uint64),
		inboxCaller:        cfg.InboxCaller,
		issuerCaller:       cfg.IssuerCaller,
		adminAddress:       cfg.AdminAddress,
		db:                 db,
		metrics:            metrics,
		log:                log,
		nodeID:             cfg.NodeID,
	}
}

func (r *Reflex) inCooldown(now time.Time, executorID uint64) bool {
	last, ok := r.lastTrigger[executorID]
	return ok && now.Before(last.Add(r.cooldown))
}

// emitEvent records a non-revoking OnAEP outcome (cooldown skip or
// no-trigger classification) the same way trigger records a revocation:
// zap log, a metric when one applies to the event, and a ledger entry
// tagged with the exact §6 event-taxonomy string.
func (r *Reflex) emitEvent(now time.Time, tag string, executorID uint64, detail string) {
	if tag == "on_aep_cooldown" && r.metrics != nil {
		r.metrics.ReflexCooldownSkipsTotal.Inc()
	}
	if r.log != nil {
		r.log.Info(tag,
			zap.Uint64("executor_id", executorID),
			zap.String("detail", detail))
	}
	if r.db != nil {
		_ = r.db.AppendLedger(storage.LedgerEntry{
			Timestamp:  now,
			Component:  "reflex",
			Action:     tag,
			ExecutorID: executorID,
			Detail:     detail,
			NodeID:     r.nodeID,
		})
	}
}

// OnAEP is the automatic path, authorized only from the registered Afferent
// Inbox. During cooldown it returns silently — no error, no revocation —
// per spec.md §4.5, distinct from ManualTrigger's explicit rejection.
func (r *Reflex) OnAEP(now time.Time, caller string, executorID uint64, metricsHashSha256, metricsHashKeccak [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.inboxCaller {
		return types.ErrUnauthorized()
	}
	if r.inCooldown(now, executorID) {
		r.emitEvent(now, "on_aep_cooldown", executorID, "cooldown active, evidence not classified")
		return nil
	}

	var tone types.VagalToneIndicator
	if r.tone != nil {
		tone = r.tone.CurrentTone()
	}
	evidence := EvidenceSummary{ExecutorID: executorID, MetricsHashSha256: metricsHashSha256, MetricsHashKeccak: metricsHashKeccak}
	if !r.classifier(evidence, tone) {
		r.emitEvent(now, "on_aep_no_trigger", executorID, "evidence classified as not dangerous")
		return nil
	}

	return r.trigger(now, executorID, types.ReasonReflexTrigger, "automatic classifier trigger")
}

// ManualTrigger is the admin-only path: same revocation fan-out, but in
// cooldown it rejects with InvalidInput rather than succeeding silently.
func (r *Reflex) ManualTrigger(now time.Time, caller string, executorID uint64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.adminAddress {
		return types.ErrUnauthorized()
	}
	if r.inCooldown(now, executorID) {
		return types.ErrInvalidInput("reflex arc is in cooldown for this executor")
	}
	return r.trigger(now, executorID, types.ReasonReflexTrigger, reason)
}

// trigger enumerates (or resumes) the pending revocation set for executorID
// and calls Issuer.Revoke for each. A token already revoked by another path
// is treated as done, not an error. Any other failure leaves the remaining
// token ids in pendingRevocations so the next trigger resumes instead of
// re-querying and potentially missing tokens revoked out-of-band — the
// resumability spec.md §7 requires.
func (r *Reflex) trigger(now time.Time, executorID uint64, reason types.RevocationReason, detail string) error {
	pending, resuming := r.pendingRevocations[executorID]
	if !resuming {
		if r.activeQuerier != nil {
			pending = r.activeQuerier.ActiveTokensOf(now, executorID)
		}
	}

	remaining := make([]uint64, 0, len(pending))
	var firstErr error
	revokedCount := 0
	for _, tokenID := range pending {
		err := r.issuer.Revoke(now, r.issuerCaller, tokenID, reason)
		if err == nil {
			revokedCount++
			continue
		}
		if verr, ok := err.(*types.Error); ok && verr.Code() == types.CodeTokenAlreadyRevoked {
			continue
		}
		remaining = append(remaining, tokenID)
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(remaining) > 0 {
		r.pendingRevocations[executorID] = remaining
	} else {
		delete(r.pendingRevocations, executorID)
		r.lastTrigger[executorID] = now
	}

	if r.metrics != nil {
		r.metrics.ReflexTriggersTotal.Inc()
		pendingTotal := 0
		for _, ids := range r.pendingRevocations {
			pendingTotal += len(ids)
		}
		r.metrics.ReflexPendingRevocations.Set(float64(pendingTotal))
	}
	if r.log != nil {
		r.log.Info("reflex_triggered",
			zap.Uint64("executor_id", executorID),
			zap.String("detail", detail),
			zap.Int("revoked", revokedCount),
			zap.Int("pending", len(remaining)))
	}
	if r.db != nil {
		_ = r.db.AppendLedger(storage.LedgerEntry{
			Timestamp:  now,
			Component:  "reflex",
			Action:     "reflex_triggered",
			ExecutorID: executorID,
			Reason:     string(reason),
			Detail:     detail,
			NodeID:     r.nodeID,
		})
	}
	return firstErr
}
