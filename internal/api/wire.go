package api

import "github.com/vagusguard/vagusguard/internal/types"

// UpdateToneRequest carries an ANS tone update. Suggested uses the same
// Rank encoding as types.ANSState (0=SAFE, 1=DANGER, 2=SHUTDOWN).
type UpdateToneRequest struct {
	Caller        string `cbor:"caller"`
	NowUnix       int64  `cbor:"now_unix"`
	Vti           uint64 `cbor:"vti"`
	SuggestedRank uint8  `cbor:"suggested_rank"`
}

// UpdateToneResponse is empty on success; failures surface as gRPC errors.
type UpdateToneResponse struct{}

// PostAEPRequest carries an AfferentEvidencePacket submission. Hashes are
// raw byte slices, not [32]byte, so the "exactly 32 bytes" check in
// inbox.PostAEP is exercised at the wire boundary rather than made vacuous
// by a fixed-size wire type.
type PostAEPRequest struct {
	Caller            string `cbor:"caller"`
	NowUnix           int64  `cbor:"now_unix"`
	ExecutorID        uint64 `cbor:"executor_id"`
	StateRootSha256   []byte `cbor:"state_root_sha256"`
	StateRootKeccak   []byte `cbor:"state_root_keccak"`
	MetricsHashSha256 []byte `cbor:"metrics_hash_sha256"`
	MetricsHashKeccak []byte `cbor:"metrics_hash_keccak"`
	Attestation       []byte `cbor:"attestation"`
}

// PostAEPResponse is empty on success.
type PostAEPResponse struct{}

// IssueWithBrakeRequest carries a planner's Intent plus the caller-supplied
// scaled-limits hash the Brake must independently recompute and verify.
type IssueWithBrakeRequest struct {
	Caller           string      `cbor:"caller"`
	NowUnix          int64       `cbor:"now_unix"`
	Intent           types.Intent `cbor:"intent"`
	ScaledLimitsHash []byte      `cbor:"scaled_limits_hash"`
	ExpiresAt        uint64      `cbor:"expires_at"`
}

// IssueWithBrakeResponse carries the minted token's id.
type IssueWithBrakeResponse struct {
	TokenID uint64 `cbor:"token_id"`
}

// IsValidRequest queries a token's current validity.
type IsValidRequest struct {
	NowUnix int64  `cbor:"now_unix"`
	TokenID uint64 `cbor:"token_id"`
}

// IsValidResponse carries the validity result.
type IsValidResponse struct {
	Valid bool `cbor:"valid"`
}
