// Package api exposes VAGUSGUARD's planner/gateway-facing ingress over gRPC
// (PostAEP, UpdateTone, IssueWithBrake, IsValid) and the DAO-facing
// governance console over a Unix domain socket.
//
// Wire encoding: the ingress service registers a custom gRPC codec that
// reuses the same canonical CBOR encoder as the evidence/hash scheme
// (internal/codec), rather than protocol-buffer generated messages — the
// message set is small and stable enough that one deterministic encoder
// serves both the audit-hash path and the wire path.
package api

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/vagusguard/vagusguard/internal/codec"
)

const codecName = "cbor"

// cborCodec implements google.golang.org/grpc/encoding.Codec on top of
// internal/codec's canonical CBOR encoder.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	b, err := codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("api: marshal: %w", err)
	}
	return b, nil
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if err := codec.Decode(data, v); err != nil {
		return fmt.Errorf("api: unmarshal: %w", err)
	}
	return nil
}

func (cborCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}
