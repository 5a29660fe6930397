package types

import "time"

// Protocol-wide constants (spec.md §6 "Constants"). Thresholds beyond these
// are configurable at instantiation time, but these four are fixed.
const (
	MaxDurationMs = 30000
	MaxEnergyJ    = 1000

	MinStateResidency = 60 * time.Second
	ReflexCooldown    = 30 * time.Second
)
