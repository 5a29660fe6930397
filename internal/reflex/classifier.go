package reflex

import "github.com/vagusguard/vagusguard/internal/types"

// EvidenceSummary is the subset of an AfferentEvidencePacket a Classifier
// sees: the executor and its two metrics hashes. The hashes are opaque
// digests, matching the Afferent Inbox's authenticated-but-unparsed
// evidence model; a classifier that needs more than the current ANS tone to
// decide is an action-schema concern, out of scope here.
type EvidenceSummary struct {
	ExecutorID        uint64
	MetricsHashSha256 [32]byte
	MetricsHashKeccak [32]byte
}

// Classifier decides whether evidence warrants a bulk revocation. It is a
// pure function of the evidence and the current Vagal Tone Indicator.
type Classifier func(evidence EvidenceSummary, tone types.VagalToneIndicator) bool

// VTIClassifier is the reference classifier: it triggers whenever the
// current tone has fallen strictly below the more permissive of dangerVti and
// shutdownVti. This replaces the reference contract's placeholder
// (`rand::random::<u8>() < 25`, an unconditional ~10% coin flip) with a
// deterministic function of system state.
func VTIClassifier(dangerVti, shutdownVti uint64) Classifier {
	threshold := dangerVti
	if shutdownVti > threshold {
		threshold = shutdownVti
	}
	return func(_ EvidenceSummary, tone types.VagalToneIndicator) bool {
		return tone.Value < threshold
	}
}

// NeverClassifier never triggers; useful as an explicit opt-out for
// deployments that rely solely on ManualTrigger.
func NeverClassifier() Classifier {
	return func(EvidenceSummary, types.VagalToneIndicator) bool { return false }
}
