package offload

import (
	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/hlo/optypes"
)

// The three allow-lists below gate the walker. They classify by instruction
// kind; anything not listed is a legality failure. Conservative on purpose:
// an unanticipated op touching host-resident data fails the pass instead of
// being offloaded silently.

// isValidDuringPureMemoryOffload reports whether the instruction may appear
// anywhere inside a host-resident region: ops that rearrange or transfer data
// without computing on element values.
func (o *HostOffloader) isValidDuringPureMemoryOffload(inst *hlo.Instruction) bool {
	if inst.Op().IsStructural() || inst.Op().IsSlicing() {
		return true
	}
	switch {
	case inst.Op() == optypes.Reshape:
		return true
	case inst.IsCustomCall(MoveToHostTarget), inst.IsCustomCall(MoveToDeviceTarget), inst.IsCustomCall(AllocateBufferTarget):
		return true
	}
	return false
}

// isAllowedBetweenMoveToHostAndDUS is the narrower allow-list for the prefix
// between a MoveToHost annotation and its paired dynamic-update-slice: only
// pure re-interpretations of the update value. Anything else would imply
// hidden compute on the streamed chunk.
func isAllowedBetweenMoveToHostAndDUS(inst *hlo.Instruction) bool {
	switch inst.Op() {
	case optypes.Bitcast, optypes.Reshape:
		return true
	}
	return false
}

// isAllowedBetweenDUSAndMoveToDevice is the allow-list for the suffix between
// a streamed value (a dynamic-update-slice result or a slice reading a host
// buffer) and its terminating MoveToDevice annotation: re-interpretations,
// further slicing of the streamed buffer, and tuple plumbing.
func isAllowedBetweenDUSAndMoveToDevice(inst *hlo.Instruction) bool {
	switch inst.Op() {
	case optypes.Bitcast, optypes.Reshape,
		optypes.Slice, optypes.DynamicSlice, optypes.DynamicUpdateSlice,
		optypes.Tuple, optypes.GetTupleElement:
		return true
	}
	return false
}
