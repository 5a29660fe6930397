// Package capability implements the Capability Issuer: minting, tracking,
// expiring and revoking capability tokens under a sliding-window rate
// limiter and a per-(executor, action) circuit breaker, with emergency
// pause and DAO-gated governance operations.
package capability

import (
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vagusguard/vagusguard/internal/observability"
	"github.com/vagusguard/vagusguard/internal/storage"
	"github.com/vagusguard/vagusguard/internal/types"
)

// RateLimitParams holds the sliding-window rate-limiter configuration.
type RateLimitParams struct {
	WindowSize  time.Duration
	MaxRequests int
}

// BreakerParams holds the circuit breaker configuration.
type BreakerParams struct {
	Threshold int
	Timeout   time.Duration
	Recovery  int
}

// Config holds the Issuer's instantiation parameters.
type Config struct {
	DAOAddress          string
	AuthorizedExecutors []string // callers permitted to invoke Issue; normally just the Brake
	RateLimit           RateLimitParams
	Breaker             BreakerParams
	NodeID              string
}

// Issuer is the Capability Issuer. One instance owns the tokens table, the
// active-tokens index, the rate limiter windows, and the circuit breakers
// for a deployment.
type Issuer struct {
	mu sync.Mutex

	nextTokenID  uint64
	tokens       map[uint64]*types.TokenMeta
	owners       map[uint64]string
	activeIndex  map[uint64]map[uint64]struct{} // executorId -> set of live tokenId

	breakers map[breakerKey]*breaker
	windows  map[breakerKey]*rateWindow

	authorizedExecutors map[string]struct{}
	daoAddress          string
	reflexArc           string // late-bound, DAO-gated (spec.md §9 "Cycles")
	paused              bool

	rateParams    RateLimitParams
	breakerParams breakerParams

	db      *storage.DB
	metrics *observability.Metrics
	log     *zap.Logger
	nodeID  string
}

// New creates an Issuer. Token IDs start at 1 (I4: strictly increasing,
// never reused, never zero so zero can mean "absent").
func New(cfg Config, db *storage.DB, metrics *observability.Metrics, log *zap.Logger) *Issuer {
	authorized := make(map[string]struct{}, len(cfg.AuthorizedExecutors))
	for _, a := range cfg.AuthorizedExecutors {
		authorized[a] = struct{}{}
	}
	return &Issuer{
		nextTokenID:         1,
		tokens:              make(map[uint64]*types.TokenMeta),
		owners:              make(map[uint64]string),
		activeIndex:         make(map[uint64]map[uint64]struct{}),
		breakers:            make(map[breakerKey]*breaker),
		windows:             make(map[breakerKey]*rateWindow),
		authorizedExecutors: authorized,
		daoAddress:          cfg.DAOAddress,
		rateParams:          cfg.RateLimit,
		breakerParams:       breakerParams{threshold: cfg.Breaker.Threshold, timeout: cfg.Breaker.Timeout, recovery: cfg.Breaker.Recovery},
		db:                  db,
		metrics:             metrics,
		log:                 log,
		nodeID:              cfg.NodeID,
	}
}

// recordBreakerTransition adjusts CircuitBreakerStateGauge when a breaker's
// state actually changes; a no-op when before == after avoids double-
// counting on every allow/recordSuccess/recordFailure call.
func (iss *Issuer) recordBreakerTransition(before, after types.CircuitState) {
	if iss.metrics == nil || before == after {
		return
	}
	iss.metrics.CircuitBreakerStateGauge.WithLabelValues(before.String()).Dec()
	iss.metrics.CircuitBreakerStateGauge.WithLabelValues(after.String()).Inc()
}

// Issue mints a capability token for intent, subject to pause, caller
// authorization, the intent time window, the circuit breaker, and the rate
// limiter, in that exact order (matching the reference contract's
// execute_issue ordering).
func (iss *Issuer) Issue(now time.Time, caller string, intent types.Intent, scaledLimitsHash [32]byte, expiresAt uint64) (uint64, error) {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	if iss.paused {
		return 0, types.ErrContractPaused()
	}
	if _, ok := iss.authorizedExecutors[caller]; !ok {
		return 0, types.ErrUnauthorized()
	}
	nowSec := uint64(now.Unix())
	if nowSec < intent.NotBefore || nowSec > intent.NotAfter {
		return 0, types.ErrIntentExpired()
	}

	key := breakerKey{executorID: intent.ExecutorID, actionID: intent.ActionID}
	br := iss.breakers[key]
	if br == nil {
		br = &breaker{state: types.CircuitClosed}
		iss.breakers[key] = br
		if iss.metrics != nil {
			iss.metrics.CircuitBreakerStateGauge.WithLabelValues(types.CircuitClosed.String()).Inc()
		}
	}
	stateBefore := br.state
	allowed := br.allow(now)
	iss.recordBreakerTransition(stateBefore, br.state)
	if !allowed {
		return 0, types.ErrCircuitBreakerOpen()
	}

	win := iss.windows[key]
	if win == nil {
		win = &rateWindow{}
		iss.windows[key] = win
	}
	if !win.checkAndRecord(now, iss.rateParams.WindowSize, iss.rateParams.MaxRequests) {
		// Rate-limiter rejection counts as a breaker failure — explicit
		// choice per spec, distinct from the reference contract which
		// only ever records breaker successes.
		stateBefore := br.state
		br.recordFailure(now, iss.breakerParams)
		iss.recordBreakerTransition(stateBefore, br.state)
		if iss.metrics != nil {
			iss.metrics.RateLimitRejectionsTotal.Inc()
		}
		return 0, types.ErrRateLimited()
	}

	tokenID := iss.nextTokenID
	iss.nextTokenID++

	tok := &types.TokenMeta{
		TokenID:          tokenID,
		ExecutorID:       intent.ExecutorID,
		ActionID:         intent.ActionID,
		ScaledLimitsHash: scaledLimitsHash,
		IssuedAt:         nowSec,
		ExpiresAt:        expiresAt,
		Revoked:          false,
	}
	iss.tokens[tokenID] = tok
	iss.owners[tokenID] = intent.Planner

	if iss.activeIndex[intent.ExecutorID] == nil {
		iss.activeIndex[intent.ExecutorID] = make(map[uint64]struct{})
	}
	iss.activeIndex[intent.ExecutorID][tokenID] = struct{}{}

	stateBeforeSuccess := br.state
	br.recordSuccess(iss.breakerParams)
	iss.recordBreakerTransition(stateBeforeSuccess, br.state)

	if iss.metrics != nil {
		iss.metrics.TokensIssuedTotal.Inc()
	}
	if iss.db != nil {
		_ = iss.db.PutToken(storage.TokenRecord{
			TokenID:          tokenID,
			ExecutorID:       tok.ExecutorID,
			ActionID:         hex.EncodeToString(tok.ActionID[:]),
			ScaledLimitsHash: hex.EncodeToString(tok.ScaledLimitsHash[:]),
			IssuedAt:         tok.IssuedAt,
			ExpiresAt:        tok.ExpiresAt,
		})
		_ = iss.db.AppendLedger(storage.LedgerEntry{
			Timestamp:  now,
			Component:  "capability",
			Action:     "issue",
			ExecutorID: tok.ExecutorID,
			TokenID:    tokenID,
			NodeID:     iss.nodeID,
		})
	}
	if iss.log != nil {
		iss.log.Info("issue",
			zap.Uint64("token_id", tokenID),
			zap.Uint64("executor_id", tok.ExecutorID),
			zap.String("planner", intent.Planner),
			zap.Uint64("issued_at", tok.IssuedAt),
			zap.Uint64("expires_at", tok.ExpiresAt))
	}
	return tokenID, nil
}

// Revoke sets revoked=true on tokenID. caller must be the token's owner or
// the registered Reflex Arc.
func (iss *Issuer) Revoke(now time.Time, caller string, tokenID uint64, reason types.RevocationReason) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	tok, ok := iss.tokens[tokenID]
	if !ok {
		return types.ErrTokenNotFound(tokenID)
	}
	if tok.Revoked {
		return types.ErrTokenAlreadyRevoked(tokenID)
	}
	owner := iss.owners[tokenID]
	if caller != owner && (iss.reflexArc == "" || caller != iss.reflexArc) {
		return types.ErrUnauthorizedRevocation()
	}

	tok.Revoked = true
	tok.RevokedAt = uint64(now.Unix())
	if set := iss.activeIndex[tok.ExecutorID]; set != nil {
		delete(set, tokenID)
	}

	if iss.metrics != nil {
		iss.metrics.TokensRevokedTotal.WithLabelValues(string(reason)).Inc()
	}
	if iss.db != nil {
		_ = iss.db.PutToken(storage.TokenRecord{
			TokenID:          tok.TokenID,
			ExecutorID:       tok.ExecutorID,
			ActionID:         hex.EncodeToString(tok.ActionID[:]),
			ScaledLimitsHash: hex.EncodeToString(tok.ScaledLimitsHash[:]),
			IssuedAt:         tok.IssuedAt,
			ExpiresAt:        tok.ExpiresAt,
			Revoked:          true,
			RevokedAt:        tok.RevokedAt,
		})
		_ = iss.db.AppendLedger(storage.LedgerEntry{
			Timestamp:  now,
			Component:  "capability",
			Action:     "revoke",
			ExecutorID: tok.ExecutorID,
			TokenID:    tokenID,
			Reason:     string(reason),
			NodeID:     iss.nodeID,
		})
	}
	if iss.log != nil {
		iss.log.Info("revoke",
			zap.Uint64("token_id", tokenID),
			zap.String("reason", string(reason)),
			zap.Uint64("revoked_at", tok.RevokedAt))
	}
	return nil
}

// IsValid reports ¬revoked ∧ expiresAt > now.
func (iss *Issuer) IsValid(now time.Time, tokenID uint64) bool {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	tok, ok := iss.tokens[tokenID]
	if !ok {
		return false
	}
	return !tok.Revoked && tok.ExpiresAt > uint64(now.Unix())
}

// ActiveTokensOf returns the live (unrevoked, unexpired) token IDs for
// executorID, reading the maintained index and lazily skipping tokens that
// have expired since they were last touched.
func (iss *Issuer) ActiveTokensOf(now time.Time, executorID uint64) []uint64 {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	set := iss.activeIndex[executorID]
	if set == nil {
		return nil
	}
	nowSec := uint64(now.Unix())
	out := make([]uint64, 0, len(set))
	for tokenID := range set {
		tok := iss.tokens[tokenID]
		if tok == nil || tok.Revoked {
			continue
		}
		if tok.ExpiresAt <= nowSec {
			continue
		}
		out = append(out, tokenID)
	}
	return out
}

// sweepExpired marks tokens past ExpiresAt as revoked with reason
// EXPIRATION for the audit trail, and drops them from the active index.
// IsValid's observable result is unaffected (ExpiresAt<=now already makes
// it false); this exists purely for audit-trail and index hygiene (spec.md
// §9 "ActiveTokensOf efficiency" plus the TTL supplement in SPEC_FULL.md).
func (iss *Issuer) sweepExpired(now time.Time) int {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	nowSec := uint64(now.Unix())
	var swept int
	for _, tok := range iss.tokens {
		if tok.Revoked || tok.ExpiresAt > nowSec {
			continue
		}
		tok.Revoked = true
		tok.RevokedAt = nowSec
		if set := iss.activeIndex[tok.ExecutorID]; set != nil {
			delete(set, tok.TokenID)
		}
		if iss.db != nil {
			_ = iss.db.AppendLedger(storage.LedgerEntry{
				Timestamp:  now,
				Component:  "capability",
				Action:     "revoke",
				ExecutorID: tok.ExecutorID,
				TokenID:    tok.TokenID,
				Reason:     string(types.ReasonExpiration),
				NodeID:     iss.nodeID,
			})
		}
		swept++
	}
	return swept
}

// RunExpirySweeper runs sweepExpired on interval until stop is closed.
// Grounded on the teacher's ticker-driven background maintenance pattern
// (budget.Bucket refill loop, storage retention goroutine).
func (iss *Issuer) RunExpirySweeper(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			if n := iss.sweepExpired(t); n > 0 && iss.log != nil {
				iss.log.Info("expiry sweep", zap.Int("revoked", n))
			}
		}
	}
}
