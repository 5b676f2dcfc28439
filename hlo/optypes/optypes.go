// Package optypes enumerates the instruction kinds of the hlo package.
//
// The enum is closed on purpose: passes classify instructions with the
// capability queries below (IsStructural, IsCompute, ...) instead of comparing
// opcodes ad hoc, so adding a new op forces a decision about how every pass
// must treat it.
package optypes

// OpType identifies the kind of an instruction.
type OpType int

const (
	Invalid OpType = iota

	// Structural / plumbing ops.
	Parameter
	Tuple
	GetTupleElement
	Bitcast
	OptimizationBarrier
	Copy

	// Value producers.
	Constant
	Iota
	Broadcast

	// Shape and slicing ops.
	Reshape
	Slice
	DynamicSlice
	DynamicUpdateSlice

	// Opaque calls -- includes memory-space annotations and buffer allocation.
	CustomCall

	// Element-wise and contraction compute ops.
	Negate
	Exp
	Sqrt
	Add
	Subtract
	Multiply
	Divide
	Maximum
	Dot

	// last is a marker for iteration/validation, not a real op.
	last
)

var names = [last]string{
	Invalid:             "invalid",
	Parameter:           "parameter",
	Tuple:               "tuple",
	GetTupleElement:     "get-tuple-element",
	Bitcast:             "bitcast",
	OptimizationBarrier: "opt-barrier",
	Copy:                "copy",
	Constant:            "constant",
	Iota:                "iota",
	Broadcast:           "broadcast",
	Reshape:             "reshape",
	Slice:               "slice",
	DynamicSlice:        "dynamic-slice",
	DynamicUpdateSlice:  "dynamic-update-slice",
	CustomCall:          "custom-call",
	Negate:              "negate",
	Exp:                 "exponential",
	Sqrt:                "sqrt",
	Add:                 "add",
	Subtract:            "subtract",
	Multiply:            "multiply",
	Divide:              "divide",
	Maximum:             "maximum",
	Dot:                 "dot",
}

// String returns the lowercase name of the op, as used when printing modules.
func (op OpType) String() string {
	if op < 0 || op >= last {
		return "invalid"
	}
	return names[op]
}

// IsStructural reports whether the op only rearranges or forwards existing
// data without reading element values: it is legal on host-resident tensors.
func (op OpType) IsStructural() bool {
	switch op {
	case Parameter, Tuple, GetTupleElement, Bitcast, OptimizationBarrier, Copy:
		return true
	}
	return false
}

// IsSlicing reports whether the op reads or writes a sub-region of a buffer.
// Slicing ops move data without computing on it, so they may sit on the
// boundary of a host-resident region.
func (op OpType) IsSlicing() bool {
	switch op {
	case Slice, DynamicSlice, DynamicUpdateSlice:
		return true
	}
	return false
}

// IsCompute reports whether the op performs arithmetic on element values.
// Compute ops must never consume host-resident tensors.
func (op OpType) IsCompute() bool {
	if op.IsStructural() || op.IsSlicing() {
		return false
	}
	switch op {
	case Invalid, Constant, Iota, Reshape, CustomCall:
		return false
	}
	return true
}
