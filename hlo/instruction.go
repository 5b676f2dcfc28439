package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/hlopt/hlo/optypes"
)

// Instruction is one node of a computation: an operation with an output shape
// and ordered operand edges. The computation owns its instructions; passes
// hold non-owning references.
//
// User (consumer) edges are maintained automatically by the builder and
// rewiring methods, in first-use order.
type Instruction struct {
	computation *Computation
	id          int
	name        string
	opType      optypes.OpType
	shape       Shape

	operands []*Instruction
	users    []*Instruction
	userSet  types.Set[*Instruction]

	// Op-specific payload. Only the fields relevant to the op type are set.

	// CustomCallTarget identifies the semantics of a CustomCall op.
	CustomCallTarget string
	// TupleIndex is the element selected by a GetTupleElement op.
	TupleIndex int
	// ParameterNumber is the position of a Parameter op in its computation.
	ParameterNumber int
	// SliceStarts, SliceLimits and SliceStrides configure a static Slice op.
	SliceStarts, SliceLimits, SliceStrides []int
	// Literal holds the value of a Constant op. The IR does not interpret it.
	Literal any
}

// Name returns the unique (within its computation) name of the instruction.
func (i *Instruction) Name() string { return i.name }

// Op returns the instruction kind.
func (i *Instruction) Op() optypes.OpType { return i.opType }

// Shape returns a copy of the instruction's output shape.
func (i *Instruction) Shape() Shape { return i.shape.Clone() }

// MutableShape returns a pointer to the instruction's output shape, which
// callers may mutate in place -- passes use this to update layout metadata
// such as the memory-space color.
func (i *Instruction) MutableShape() *Shape { return &i.shape }

// Computation returns the computation owning this instruction, or nil after
// the instruction has been removed.
func (i *Instruction) Computation() *Computation { return i.computation }

// NumOperands returns the number of operand edges.
func (i *Instruction) NumOperands() int { return len(i.operands) }

// Operand returns the idx-th operand.
func (i *Instruction) Operand(idx int) *Instruction {
	if idx < 0 || idx >= len(i.operands) {
		exceptions.Panicf("hlo: instruction %s has %d operands, operand %d requested", i.name, len(i.operands), idx)
	}
	return i.operands[idx]
}

// Operands returns a copy of the operand list.
func (i *Instruction) Operands() []*Instruction { return slices.Clone(i.operands) }

// Users returns a copy of the user (consumer) list, in first-use order.
func (i *Instruction) Users() []*Instruction { return slices.Clone(i.users) }

// NumUsers returns the number of distinct users.
func (i *Instruction) NumUsers() int { return len(i.users) }

// IsCustomCall returns whether the instruction is a CustomCall with the given
// target.
func (i *Instruction) IsCustomCall(target string) bool {
	return i.opType == optypes.CustomCall && i.CustomCallTarget == target
}

// OperandIndices returns the operand slots occupied by the given operand.
func (i *Instruction) OperandIndices(operand *Instruction) []int {
	var indices []int
	for idx, o := range i.operands {
		if o == operand {
			indices = append(indices, idx)
		}
	}
	return indices
}

// String implements fmt.Stringer: one line in the module's text rendering.
func (i *Instruction) String() string {
	var extra string
	switch i.opType {
	case optypes.CustomCall:
		extra = fmt.Sprintf(", custom_call_target=%q", i.CustomCallTarget)
	case optypes.GetTupleElement:
		extra = fmt.Sprintf(", index=%d", i.TupleIndex)
	case optypes.Slice:
		extra = fmt.Sprintf(", starts=%v, limits=%v, strides=%v", i.SliceStarts, i.SliceLimits, i.SliceStrides)
	}
	operandNames := make([]string, len(i.operands))
	for ii, operand := range i.operands {
		operandNames[ii] = "%" + operand.name
	}
	return fmt.Sprintf("%%%s = %s %s(%s)%s", i.name, i.shape, i.opType,
		strings.Join(operandNames, ", "), extra)
}

// attachOperands wires the operand edges and the reverse user edges.
// It panics if any operand belongs to a different computation.
func (i *Instruction) attachOperands(operands []*Instruction) {
	i.operands = operands
	for _, operand := range operands {
		if operand.computation != i.computation {
			exceptions.Panicf("hlo: operand %s of %s belongs to computation %q, not %q",
				operand.name, i.name, operand.computation.Name(), i.computation.Name())
		}
		operand.addUser(i)
	}
}

func (i *Instruction) addUser(user *Instruction) {
	if i.userSet == nil {
		i.userSet = types.MakeSet[*Instruction]()
	}
	if i.userSet.Has(user) {
		return
	}
	i.userSet.Insert(user)
	i.users = append(i.users, user)
}

func (i *Instruction) removeUserIfUnused(user *Instruction) {
	if !slices.Contains(user.operands, i) {
		delete(i.userSet, user)
		i.users = slices.DeleteFunc(i.users, func(u *Instruction) bool { return u == user })
	}
}

// ReplaceOperand rewires the idx-th operand edge to newOperand, maintaining
// user edges on both ends.
func (i *Instruction) ReplaceOperand(idx int, newOperand *Instruction) {
	old := i.Operand(idx)
	if old == newOperand {
		return
	}
	if newOperand.computation != i.computation {
		exceptions.Panicf("hlo: replacement operand %s of %s belongs to a different computation", newOperand.name, i.name)
	}
	i.operands[idx] = newOperand
	newOperand.addUser(i)
	old.removeUserIfUnused(i)
}

// ReplaceUseWith rewires every operand slot of user that currently reads this
// instruction to read newProducer instead. It panics if user is not a user.
func (i *Instruction) ReplaceUseWith(user, newProducer *Instruction) {
	indices := user.OperandIndices(i)
	if len(indices) == 0 {
		exceptions.Panicf("hlo: %s is not a user of %s", user.name, i.name)
	}
	for _, idx := range indices {
		user.ReplaceOperand(idx, newProducer)
	}
}

// ReplaceAllUsesWith rewires every consumer of this instruction to read
// newProducer instead. If this instruction is the computation root, the root
// is moved to newProducer as well.
func (i *Instruction) ReplaceAllUsesWith(newProducer *Instruction) {
	for _, user := range i.Users() {
		if user == newProducer {
			continue
		}
		i.ReplaceUseWith(user, newProducer)
	}
	if i.computation != nil && i.computation.root == i {
		i.computation.root = newProducer
	}
}
