// Package table implements the sharded dense and sparse in-memory table
// engine: per-row values, the optimizer family that updates them, and the
// metadata describing a table's shape and creation parameters (spec.md §3,
// §4.5).
package table

import "github.com/kraken-ps/kraken/tensor"

// StateKind enumerates the optimizer state slots a Value may carry. The set
// is fixed (spec.md §3); which entries are actually populated depends on
// which optimizer owns the table and is decided lazily on first apply.
type StateKind uint8

const (
	StateSteps StateKind = iota
	StateMomentumBuffer
	StateStateSum
	StateFirstMoment
	StateSecondMoment
	StateSecondMomentMax
	StateSquareAverage
	StateGAve
)

func (k StateKind) String() string {
	switch k {
	case StateSteps:
		return "steps"
	case StateMomentumBuffer:
		return "momentum_buffer"
	case StateStateSum:
		return "state_sum"
	case StateFirstMoment:
		return "first_moment"
	case StateSecondMoment:
		return "second_moment"
	case StateSecondMomentMax:
		return "second_moment_max"
	case StateSquareAverage:
		return "square_average"
	case StateGAve:
		return "g_ave"
	default:
		return "unknown_state"
	}
}

// Value is one row of a table: its current value plus whatever optimizer
// state has been allocated for it so far (spec.md §3).
type Value struct {
	Val           *tensor.Dense
	States        map[StateKind]*tensor.Dense
	StateCounters map[StateKind]int64
}

// NewValue wraps val in a fresh Value with no optimizer state allocated.
func NewValue(val *tensor.Dense) *Value {
	return &Value{
		Val:           val,
		States:        make(map[StateKind]*tensor.Dense),
		StateCounters: make(map[StateKind]int64),
	}
}

// state returns the existing state tensor for kind, or lazily allocates one
// shaped like v.Val (zeroed) and stores it first — the "entries are lazily
// created on first apply" rule from spec.md §3.
func (v *Value) state(kind StateKind) *tensor.Dense {
	if s, ok := v.States[kind]; ok {
		return s
	}
	s := v.Val.Like().Zero()
	v.States[kind] = s
	return s
}

// bumpCounter increments and returns StateCounters[kind].
func (v *Value) bumpCounter(kind StateKind) int64 {
	v.StateCounters[kind]++
	return v.StateCounters[kind]
}

// Clone returns a deep copy of v, used when a pull needs to hand the caller
// an independent snapshot (spec.md §4.5).
func (v *Value) Clone() *Value {
	out := &Value{
		Val:           v.Val.Clone(),
		States:        make(map[StateKind]*tensor.Dense, len(v.States)),
		StateCounters: make(map[StateKind]int64, len(v.StateCounters)),
	}
	for k, s := range v.States {
		out.States[k] = s.Clone()
	}
	for k, c := range v.StateCounters {
		out.StateCounters[k] = c
	}
	return out
}
