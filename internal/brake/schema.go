package brake

import (
	"fmt"

	"github.com/vagusguard/vagusguard/internal/codec"
)

// ActionSchema scales the brakeable numeric fields of an opaque params blob
// by a basis-point factor, leaving non-brakeable fields untouched. The
// concrete encoding of params is action-specific; a schema is registered per
// actionId (spec.md §9 "action-schema registry... format is out-of-scope").
type ActionSchema interface {
	ApplyScaling(params []byte, scalingFactorBp uint32) ([]byte, error)
}

// IdentitySchema declares every field non-brakeable: params pass through
// unchanged regardless of scaling factor. This is the default for any
// actionId without a registered schema.
type IdentitySchema struct{}

func (IdentitySchema) ApplyScaling(params []byte, _ uint32) ([]byte, error) {
	return params, nil
}

// durationEnergyParams is a minimal brakeable params encoding: two uint32
// fields, both scaled. Actions that carry raw duration/energy magnitudes in
// their params (as opposed to relying solely on Intent.MaxDurationMs /
// Intent.MaxEnergyJ) register DurationEnergySchema for their actionId.
type durationEnergyParams struct {
	DurationMs uint32 `cbor:"duration_ms"`
	EnergyJ    uint32 `cbor:"energy_j"`
}

// DurationEnergySchema scales both fields by ⌊field·s/10000⌋, matching the
// scaling rule the Brake itself applies to Intent.MaxDurationMs/MaxEnergyJ.
type DurationEnergySchema struct{}

func (DurationEnergySchema) ApplyScaling(params []byte, scalingFactorBp uint32) ([]byte, error) {
	var p durationEnergyParams
	if err := codec.Decode(params, &p); err != nil {
		return nil, fmt.Errorf("decode duration/energy params: %w", err)
	}
	p.DurationMs = uint32((uint64(p.DurationMs) * uint64(scalingFactorBp)) / 10000)
	p.EnergyJ = uint32((uint64(p.EnergyJ) * uint64(scalingFactorBp)) / 10000)
	out, err := codec.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("encode scaled duration/energy params: %w", err)
	}
	return out, nil
}
