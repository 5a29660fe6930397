// Package inbox implements the Afferent Inbox: the authenticated evidence
// ingress point, holding exactly one "latest" packet per executor and
// synchronously dispatching to the Reflex Arc after persisting.
package inbox

import (
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vagusguard/vagusguard/internal/observability"
	"github.com/vagusguard/vagusguard/internal/storage"
	"github.com/vagusguard/vagusguard/internal/types"
)

// ReflexDispatcher is the subset of the Reflex Arc the Inbox calls.
type ReflexDispatcher interface {
	OnAEP(now time.Time, caller string, executorID uint64, metricsHashSha256, metricsHashKeccak [32]byte) error
}

// Config holds the Afferent Inbox's instantiation parameters.
type Config struct {
	AuthorizedAttestors []string
	// CallerIdentity is the identity the Inbox presents to Reflex.OnAEP; it
	// must match the Reflex Arc's own registered InboxCaller.
	CallerIdentity string
	AdminAddress   string
	NodeID         string
}

// Inbox is the Afferent Inbox.
type Inbox struct {
	mu sync.Mutex

	latest              map[uint64]types.AfferentEvidencePacket
	authorizedAttestors map[string]struct{}

	reflex         ReflexDispatcher
	callerIdentity string
	adminAddress   string

	db      *storage.DB
	metrics *observability.Metrics
	log     *zap.Logger
	nodeID  string
}

// New creates an Inbox. reflex may be nil in deployments that only record
// evidence without triggering automatic revocation.
func New(cfg Config, reflex ReflexDispatcher, db *storage.DB, metrics *observability.Metrics, log *zap.Logger) *Inbox {
	authorized := make(map[string]struct{}, len(cfg.AuthorizedAttestors))
	for _, a := range cfg.AuthorizedAttestors {
		authorized[a] = struct{}{}
	}
	return &Inbox{
		latest:              make(map[uint64]types.AfferentEvidencePacket),
		authorizedAttestors: authorized,
		reflex:              reflex,
		callerIdentity:      cfg.CallerIdentity,
		adminAddress:        cfg.AdminAddress,
		db:                  db,
		metrics:             metrics,
		log:                 log,
		nodeID:              cfg.NodeID,
	}
}

// reject increments InboxRejectionsTotal by err's stable code before
// returning it.
func (ib *Inbox) reject(err error) error {
	if ib.metrics != nil {
		code := "unknown"
		if verr, ok := err.(*types.Error); ok {
			code = string(verr.Code())
		}
		ib.metrics.InboxRejectionsTotal.WithLabelValues(code).Inc()
	}
	return err
}

// PostAEP validates caller authorization and hash lengths, overwrites the
// latest-per-executor slot, persists it, and then synchronously dispatches
// to the Reflex Arc — in that order, so a reflex failure is recoverable from
// the already-persisted record. Reflex errors propagate unchanged.
func (ib *Inbox) PostAEP(now time.Time, caller string, executorID uint64, stateRootSha256, stateRootKeccak, metricsHashSha256, metricsHashKeccak, attestation []byte) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if _, ok := ib.authorizedAttestors[caller]; !ok {
		return ib.reject(types.ErrUnauthorizedAttestor())
	}
	for _, h := range [][]byte{stateRootSha256, stateRootKeccak, metricsHashSha256, metricsHashKeccak} {
		if len(h) != 32 {
			return ib.reject(types.ErrInvalidInput("evidence hash must be exactly 32 bytes"))
		}
	}

	var pkt types.AfferentEvidencePacket
	pkt.ExecutorID = executorID
	copy(pkt.StateRootSha256[:], stateRootSha256)
	copy(pkt.StateRootKeccak[:], stateRootKeccak)
	copy(pkt.MetricsHashSha256[:], metricsHashSha256)
	copy(pkt.MetricsHashKeccak[:], metricsHashKeccak)
	pkt.Timestamp = uint64(now.Unix())
	pkt.Attestation = attestation

	ib.latest[executorID] = pkt

	if ib.db != nil {
		_ = ib.db.PutLatestAEP(storage.AEPRecord{
			ExecutorID:        executorID,
			StateRootSha256:   hex.EncodeToString(pkt.StateRootSha256[:]),
			StateRootKeccak:   hex.EncodeToString(pkt.StateRootKeccak[:]),
			MetricsHashSha256: hex.EncodeToString(pkt.MetricsHashSha256[:]),
			MetricsHashKeccak: hex.EncodeToString(pkt.MetricsHashKeccak[:]),
			Timestamp:         pkt.Timestamp,
		})
		_ = ib.db.AppendLedger(storage.LedgerEntry{
			Timestamp:  now,
			Component:  "inbox",
			Action:     "post_aep",
			ExecutorID: executorID,
			NodeID:     ib.nodeID,
		})
	}
	if ib.metrics != nil {
		ib.metrics.InboxEvidenceTotal.Inc()
	}
	if ib.log != nil {
		ib.log.Info("post_aep", zap.Uint64("executor_id", executorID), zap.Uint64("timestamp", pkt.Timestamp))
	}

	if ib.reflex == nil {
		return nil
	}
	return ib.reflex.OnAEP(now, ib.callerIdentity, executorID, pkt.MetricsHashSha256, pkt.MetricsHashKeccak)
}

// LatestAEP returns the most recently accepted evidence for executorID, if
// any. Satisfies brake.EvidenceSource for the pre-state freshness check.
func (ib *Inbox) LatestAEP(executorID uint64) (types.AfferentEvidencePacket, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	pkt, ok := ib.latest[executorID]
	return pkt, ok
}

// SetAuthorizedAttestors replaces the set of callers permitted to PostAEP.
func (ib *Inbox) SetAuthorizedAttestors(caller string, attestors []string) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if caller != ib.adminAddress {
		return types.ErrUnauthorized()
	}
	next := make(map[string]struct{}, len(attestors))
	for _, a := range attestors {
		next[a] = struct{}{}
	}
	ib.authorizedAttestors = next
	return nil
}
