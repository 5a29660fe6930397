package reflex

import (
	"testing"
	"time"

	"github.com/vagusguard/vagusguard/internal/types"
)

type fakeRevoker struct {
	revoked  map[uint64]bool
	failOnce map[uint64]bool // tokenId -> fail exactly once then succeed
	calls    int
}

func newFakeRevoker() *fakeRevoker {
	return &fakeRevoker{revoked: map[uint64]bool{}, failOnce: map[uint64]bool{}}
}

func (f *fakeRevoker) Revoke(now time.Time, caller string, tokenID uint64, reason types.RevocationReason) error {
	f.calls++
	if f.revoked[tokenID] {
		return types.ErrTokenAlreadyRevoked(tokenID)
	}
	if f.failOnce[tokenID] {
		f.failOnce[tokenID] = false
		return types.ErrTokenNotFound(tokenID) // simulate a transient non-AlreadyRevoked failure
	}
	f.revoked[tokenID] = true
	return nil
}

type fakeQuerier struct {
	tokens map[uint64][]uint64
}

func (f fakeQuerier) ActiveTokensOf(now time.Time, executorID uint64) []uint64 {
	return f.tokens[executorID]
}

type fakeTone struct{ v types.VagalToneIndicator }

func (f fakeTone) CurrentTone() types.VagalToneIndicator { return f.v }

func TestOnAEPUnauthorizedCaller(t *testing.T) {
	r := New(Config{Cooldown: time.Minute, InboxCaller: "inbox", IssuerCaller: "reflex", AdminAddress: "admin"},
		newFakeRevoker(), fakeQuerier{}, fakeTone{}, VTIClassifier(5000, 2000), nil, nil, nil)

	if err := r.OnAEP(time.Unix(0, 0), "someone-else", 1, [32]byte{}, [32]byte{}); err == nil {
		t.Fatal("expected Unauthorized")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %v", verr.Code())
	}
}

func TestOnAEPTriggersAndRevokesAllActiveTokens(t *testing.T) {
	revoker := newFakeRevoker()
	querier := fakeQuerier{tokens: map[uint64][]uint64{1: {10, 11, 12}}}
	tone := fakeTone{v: types.VagalToneIndicator{Value: 1000}} // below dangerVti=5000 -> trigger

	r := New(Config{Cooldown: 30 * time.Second, InboxCaller: "inbox", IssuerCaller: "reflex", AdminAddress: "admin"},
		revoker, querier, tone, VTIClassifier(5000, 2000), nil, nil, nil)

	if err := r.OnAEP(time.Unix(0, 0), "inbox", 1, [32]byte{}, [32]byte{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range []uint64{10, 11, 12} {
		if !revoker.revoked[id] {
			t.Fatalf("expected token %d revoked", id)
		}
	}
}

func TestOnAEPNoTriggerWhenToneSafe(t *testing.T) {
	revoker := newFakeRevoker()
	querier := fakeQuerier{tokens: map[uint64][]uint64{1: {10}}}
	tone := fakeTone{v: types.VagalToneIndicator{Value: 9000}} // well above thresholds

	r := New(Config{Cooldown: 30 * time.Second, InboxCaller: "inbox", IssuerCaller: "reflex", AdminAddress: "admin"},
		revoker, querier, tone, VTIClassifier(5000, 2000), nil, nil, nil)

	if err := r.OnAEP(time.Unix(0, 0), "inbox", 1, [32]byte{}, [32]byte{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revoker.revoked[10] {
		t.Fatal("expected no revocation when tone is safe")
	}
}

// Cooldown silence: a second dangerous AEP within REFLEX_COOLDOWN returns
// OK without acting (spec.md §8 scenario 5).
func TestOnAEPCooldownIsSilent(t *testing.T) {
	revoker := newFakeRevoker()
	querier := fakeQuerier{tokens: map[uint64][]uint64{1: {10}}}
	tone := fakeTone{v: types.VagalToneIndicator{Value: 0}}

	r := New(Config{Cooldown: 30 * time.Second, InboxCaller: "inbox", IssuerCaller: "reflex", AdminAddress: "admin"},
		revoker, querier, tone, VTIClassifier(5000, 2000), nil, nil, nil)

	if err := r.OnAEP(time.Unix(0, 0), "inbox", 1, [32]byte{}, [32]byte{}); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	revoker.revoked[10] = false // pretend a fresh token replaces the revoked one, to detect a second attempt
	if err := r.OnAEP(time.Unix(10, 0), "inbox", 1, [32]byte{}, [32]byte{}); err != nil {
		t.Fatalf("expected silent OK during cooldown, got error: %v", err)
	}
	if revoker.revoked[10] {
		t.Fatal("expected no revocation attempt during cooldown")
	}
}

func TestManualTriggerRejectsDuringCooldown(t *testing.T) {
	revoker := newFakeRevoker()
	querier := fakeQuerier{tokens: map[uint64][]uint64{1: {10}}}

	r := New(Config{Cooldown: 30 * time.Second, InboxCaller: "inbox", IssuerCaller: "reflex", AdminAddress: "admin"},
		revoker, querier, fakeTone{}, NeverClassifier(), nil, nil, nil)

	if err := r.ManualTrigger(time.Unix(0, 0), "admin", 1, "operator suspicion"); err != nil {
		t.Fatalf("first manual trigger: %v", err)
	}
	if err := r.ManualTrigger(time.Unix(5, 0), "admin", 1, "operator suspicion again"); err == nil {
		t.Fatal("expected InvalidInput during cooldown")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeInvalidInput {
		t.Fatalf("expected CodeInvalidInput, got %v", verr.Code())
	}
}

func TestManualTriggerRejectsUnauthorizedCaller(t *testing.T) {
	r := New(Config{Cooldown: time.Minute, InboxCaller: "inbox", IssuerCaller: "reflex", AdminAddress: "admin"},
		newFakeRevoker(), fakeQuerier{}, fakeTone{}, NeverClassifier(), nil, nil, nil)

	if err := r.ManualTrigger(time.Unix(0, 0), "not-admin", 1, "x"); err == nil {
		t.Fatal("expected Unauthorized")
	} else if verr := err.(*types.Error); verr.Code() != types.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %v", verr.Code())
	}
}

func TestTriggerResumesPartialFanOut(t *testing.T) {
	revoker := newFakeRevoker()
	revoker.failOnce[11] = true // token 11 fails its first revoke attempt
	querier := fakeQuerier{tokens: map[uint64][]uint64{1: {10, 11, 12}}}

	r := New(Config{Cooldown: time.Minute, InboxCaller: "inbox", IssuerCaller: "reflex", AdminAddress: "admin"},
		revoker, querier, fakeTone{}, NeverClassifier(), nil, nil, nil)

	// First attempt: 10 and 12 succeed, 11 fails and should be retained as pending.
	if err := r.ManualTrigger(time.Unix(0, 0), "admin", 1, "test"); err == nil {
		t.Fatal("expected the partial failure to propagate")
	}
	if pending := r.pendingRevocations[1]; len(pending) != 1 || pending[0] != 11 {
		t.Fatalf("expected pending=[11], got %v", pending)
	}
	// lastTrigger must not have been updated on partial failure, so cooldown
	// doesn't block the resume.
	if _, ok := r.lastTrigger[1]; ok {
		t.Fatal("expected lastTrigger unset after a partial failure")
	}

	// Resume: only the pending token (11) is retried, now succeeding.
	if err := r.ManualTrigger(time.Unix(1, 0), "admin", 1, "retry"); err != nil {
		t.Fatalf("expected resume to succeed, got %v", err)
	}
	if !revoker.revoked[11] {
		t.Fatal("expected token 11 revoked on resume")
	}
	if _, ok := r.pendingRevocations[1]; ok {
		t.Fatal("expected pendingRevocations cleared after full resume")
	}
}
