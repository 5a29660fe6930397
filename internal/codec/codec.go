// Package codec implements the deterministic CBOR encoder and the dual
// hashing scheme (SHA-256 + Keccak-256) used for evidence packets, plus the
// SHA3-256 scaling-limits hash used by the Vagal Brake.
//
// Determinism contract: Encode(x) must produce bit-identical bytes across
// calls for logically equal x, so that independent implementations hashing
// the same logical payload agree on H_sha/H_keccak without a side channel.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building canonical CBOR encoder: %v", err))
	}
	return m
}()

// Encode produces canonical CBOR bytes for v. Map keys are sorted, integer
// and float widths are deterministic, matching the rules every other
// implementation of this scheme must also follow.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec.Encode: %w", err)
	}
	return b, nil
}

// Decode is the inverse of Encode, provided so round-trip properties
// (decode(encode(x)) == x) can be tested directly against this package.
func Decode(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("codec.Decode: %w", err)
	}
	return nil
}

// HashSha256 returns SHA-256(b).
func HashSha256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// HashKeccak returns the Ethereum-convention Keccak-256(b) — the legacy
// variant, distinct from the later NIST SHA3-256 standardization used by
// ScalingLimitsHash below.
func HashKeccak(b []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ScalingLimitsHash computes
//
//	SHA3-256(actionId ‖ scaledDurationMs_be_u32 ‖ scaledEnergyJ_be_u32 ‖ scalingFactorBp_be_u64)
//
// All integers are packed big-endian, per the external interface contract.
func ScalingLimitsHash(actionID [32]byte, scaledDurationMs, scaledEnergyJ uint32, scalingFactorBp uint64) [32]byte {
	buf := make([]byte, 0, 32+4+4+8)
	buf = append(buf, actionID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, scaledDurationMs)
	buf = binary.BigEndian.AppendUint32(buf, scaledEnergyJ)
	buf = binary.BigEndian.AppendUint64(buf, scalingFactorBp)
	return sha3.Sum256(buf)
}
