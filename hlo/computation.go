package hlo

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlopt/hlo/optypes"
)

// MainExecutionThread is the execution thread computations belong to unless
// configured otherwise.
const MainExecutionThread = "main"

// Computation is one function of a module: an ordered collection of
// instructions forming a DAG, with parameters and a root (result) instruction.
//
// Builder methods (AddParameter, New*) panic via gomlx/exceptions on invalid
// arguments: graph construction follows the same contract as GoMLX graph
// building functions.
type Computation struct {
	name            string
	module          *Module
	executionThread string

	instructions []*Instruction // Creation order; removed entries are nil-ed lazily.
	parameters   []*Instruction
	root         *Instruction
	nextID       int
}

// Name returns the computation name.
func (c *Computation) Name() string { return c.name }

// Module returns the module owning this computation.
func (c *Computation) Module() *Module { return c.module }

// ExecutionThread returns the execution thread this computation runs on.
func (c *Computation) ExecutionThread() string { return c.executionThread }

// SetExecutionThread configures the execution thread. It returns the
// computation for chaining.
func (c *Computation) SetExecutionThread(thread string) *Computation {
	c.executionThread = thread
	return c
}

// Parameters returns a copy of the parameter list, in parameter-number order.
func (c *Computation) Parameters() []*Instruction { return slices.Clone(c.parameters) }

// Root returns the root (result) instruction, or nil if not set yet.
func (c *Computation) Root() *Instruction { return c.root }

// SetRoot marks inst as the computation result.
func (c *Computation) SetRoot(inst *Instruction) {
	if inst.computation != c {
		exceptions.Panicf("hlo: cannot set %s as root of computation %q: it belongs to %q",
			inst.Name(), c.name, inst.computation.Name())
	}
	c.root = inst
}

// Instructions returns the live instructions in creation order.
func (c *Computation) Instructions() []*Instruction {
	out := make([]*Instruction, 0, len(c.instructions))
	for _, inst := range c.instructions {
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// NumInstructions returns the number of live instructions.
func (c *Computation) NumInstructions() int {
	return len(c.Instructions())
}

func (c *Computation) newInstruction(op optypes.OpType, shape Shape, operands ...*Instruction) *Instruction {
	inst := &Instruction{
		computation: c,
		id:          c.nextID,
		opType:      op,
		shape:       shape,
	}
	inst.name = fmt.Sprintf("%s.%d", op, inst.id)
	c.nextID++
	inst.attachOperands(operands)
	c.instructions = append(c.instructions, inst)
	return inst
}

// AddParameter appends a named parameter with the given shape. Parameter
// numbers are assigned sequentially.
func (c *Computation) AddParameter(name string, shape Shape) *Instruction {
	if !shape.Ok() {
		exceptions.Panicf("hlo: AddParameter(%q) with invalid shape", name)
	}
	inst := c.newInstruction(optypes.Parameter, shape)
	if name != "" {
		inst.name = name
	}
	inst.ParameterNumber = len(c.parameters)
	c.parameters = append(c.parameters, inst)
	return inst
}

// NewConstant creates a constant instruction holding the given literal value.
// The IR treats the literal as opaque.
func (c *Computation) NewConstant(shape Shape, literal any) *Instruction {
	inst := c.newInstruction(optypes.Constant, shape)
	inst.Literal = literal
	return inst
}

// NewScalarS32 creates an S32 scalar constant, used e.g. for dynamic slice
// start indices.
func (c *Computation) NewScalarS32(value int32) *Instruction {
	return c.NewConstant(Make(dtypes.Int32), value)
}

// NewIota creates an iota instruction with the given shape and axis.
func (c *Computation) NewIota(shape Shape, axis int) *Instruction {
	if axis < 0 || axis >= shape.Rank() {
		exceptions.Panicf("hlo: NewIota axis %d out of range for shape %s", axis, shape)
	}
	return c.newInstruction(optypes.Iota, shape)
}

// NewBroadcast creates a broadcast of a scalar operand to the given dimensions.
func (c *Computation) NewBroadcast(operand *Instruction, dimensions ...int) *Instruction {
	if !operand.shape.IsScalar() {
		exceptions.Panicf("hlo: NewBroadcast only supports scalar operands, got %s", operand.shape)
	}
	return c.newInstruction(optypes.Broadcast, Make(operand.shape.DType, dimensions...), operand)
}

// NewUnary creates an element-wise unary compute instruction.
func (c *Computation) NewUnary(op optypes.OpType, operand *Instruction) *Instruction {
	if !op.IsCompute() || operand.shape.IsTuple() {
		exceptions.Panicf("hlo: NewUnary(%s) on %s", op, operand.shape)
	}
	return c.newInstruction(op, operand.Shape(), operand)
}

// NewBinary creates an element-wise binary compute instruction. Both operands
// must have the same logical shape.
func (c *Computation) NewBinary(op optypes.OpType, lhs, rhs *Instruction) *Instruction {
	if !op.IsCompute() {
		exceptions.Panicf("hlo: NewBinary(%s): not a compute op", op)
	}
	if !lhs.shape.EqualIgnoringMemorySpace(rhs.shape) {
		exceptions.Panicf("hlo: NewBinary(%s): mismatched operand shapes %s vs %s", op, lhs.shape, rhs.shape)
	}
	return c.newInstruction(op, lhs.Shape(), lhs, rhs)
}

// NewTuple packs the operands into a tuple.
func (c *Computation) NewTuple(operands ...*Instruction) *Instruction {
	elements := make([]Shape, len(operands))
	for ii, operand := range operands {
		elements[ii] = operand.Shape()
	}
	return c.newInstruction(optypes.Tuple, MakeTuple(elements...), operands...)
}

// NewGetTupleElement selects element index of a tuple-shaped operand.
func (c *Computation) NewGetTupleElement(operand *Instruction, index int) *Instruction {
	if !operand.shape.IsTuple() || index < 0 || index >= len(operand.shape.TupleShapes) {
		exceptions.Panicf("hlo: NewGetTupleElement(%s, %d): invalid element", operand.shape, index)
	}
	inst := c.newInstruction(optypes.GetTupleElement, operand.shape.TupleShapes[index].Clone(), operand)
	inst.TupleIndex = index
	return inst
}

// NewBitcast reinterprets the operand's bytes as the given shape. The element
// counts must match; no data moves.
func (c *Computation) NewBitcast(operand *Instruction, shape Shape) *Instruction {
	if operand.shape.IsTuple() || shape.IsTuple() || operand.shape.Size() != shape.Size() {
		exceptions.Panicf("hlo: NewBitcast from %s to %s: incompatible", operand.shape, shape)
	}
	return c.newInstruction(optypes.Bitcast, shape, operand)
}

// NewReshape reshapes the operand to the given dimensions, preserving the
// element count.
func (c *Computation) NewReshape(operand *Instruction, dimensions ...int) *Instruction {
	shape := Make(operand.shape.DType, dimensions...)
	if operand.shape.IsTuple() || operand.shape.Size() != shape.Size() {
		exceptions.Panicf("hlo: NewReshape from %s to %s: element counts differ", operand.shape, shape)
	}
	return c.newInstruction(optypes.Reshape, shape, operand)
}

// NewCopy creates a copy of the operand. The copy's shape starts identical to
// the operand's; passes adjust its memory space to materialize transfers.
func (c *Computation) NewCopy(operand *Instruction) *Instruction {
	return c.newInstruction(optypes.Copy, operand.Shape(), operand)
}

// NewOptimizationBarrier wraps the operand, blocking optimizations from
// moving operations across it. Shape-preserving.
func (c *Computation) NewOptimizationBarrier(operand *Instruction) *Instruction {
	return c.newInstruction(optypes.OptimizationBarrier, operand.Shape(), operand)
}

// NewSlice creates a static slice of the operand.
func (c *Computation) NewSlice(operand *Instruction, starts, limits, strides []int) *Instruction {
	rank := operand.shape.Rank()
	if len(starts) != rank || len(limits) != rank || len(strides) != rank {
		exceptions.Panicf("hlo: NewSlice of %s: starts/limits/strides must have rank %d", operand.shape, rank)
	}
	dims := make([]int, rank)
	for axis := range dims {
		if strides[axis] <= 0 || starts[axis] < 0 || limits[axis] > operand.shape.Dimensions[axis] || starts[axis] >= limits[axis] {
			exceptions.Panicf("hlo: NewSlice of %s: invalid bounds on axis %d", operand.shape, axis)
		}
		dims[axis] = (limits[axis] - starts[axis] + strides[axis] - 1) / strides[axis]
	}
	inst := c.newInstruction(optypes.Slice, Make(operand.shape.DType, dims...), operand)
	inst.SliceStarts = slices.Clone(starts)
	inst.SliceLimits = slices.Clone(limits)
	inst.SliceStrides = slices.Clone(strides)
	return inst
}

// NewDynamicSlice extracts a slice of the given sizes at runtime start
// indices (one scalar operand per axis).
func (c *Computation) NewDynamicSlice(operand *Instruction, startIndices []*Instruction, sliceSizes []int) *Instruction {
	rank := operand.shape.Rank()
	if len(startIndices) != rank || len(sliceSizes) != rank {
		exceptions.Panicf("hlo: NewDynamicSlice of %s: need %d start indices and sizes", operand.shape, rank)
	}
	operands := append([]*Instruction{operand}, startIndices...)
	return c.newInstruction(optypes.DynamicSlice, Make(operand.shape.DType, sliceSizes...), operands...)
}

// NewDynamicUpdateSlice writes update into operand at runtime start indices,
// producing a value of the operand's shape. Operand 0 is the destination,
// operand 1 the update, operands 2+ the start indices.
func (c *Computation) NewDynamicUpdateSlice(operand, update *Instruction, startIndices []*Instruction) *Instruction {
	if operand.shape.IsTuple() || update.shape.IsTuple() ||
		operand.shape.Rank() != update.shape.Rank() || len(startIndices) != operand.shape.Rank() {
		exceptions.Panicf("hlo: NewDynamicUpdateSlice(%s, %s): incompatible", operand.shape, update.shape)
	}
	operands := append([]*Instruction{operand, update}, startIndices...)
	return c.newInstruction(optypes.DynamicUpdateSlice, operand.Shape(), operands...)
}

// NewCustomCall creates an opaque call to the given target with the given
// result shape.
func (c *Computation) NewCustomCall(target string, shape Shape, operands ...*Instruction) *Instruction {
	inst := c.newInstruction(optypes.CustomCall, shape, operands...)
	inst.CustomCallTarget = target
	return inst
}

// RemoveInstruction detaches inst from the computation. The instruction must
// have no remaining users and must not be the root or a parameter.
func (c *Computation) RemoveInstruction(inst *Instruction) {
	if inst.computation != c {
		exceptions.Panicf("hlo: RemoveInstruction(%s): not owned by computation %q", inst.Name(), c.name)
	}
	if inst.NumUsers() > 0 {
		exceptions.Panicf("hlo: RemoveInstruction(%s): still has %d users", inst.Name(), inst.NumUsers())
	}
	if inst == c.root {
		exceptions.Panicf("hlo: RemoveInstruction(%s): it is the computation root", inst.Name())
	}
	if inst.opType == optypes.Parameter {
		exceptions.Panicf("hlo: RemoveInstruction(%s): cannot remove a parameter", inst.Name())
	}
	operands := inst.operands
	inst.operands = nil
	for _, operand := range operands {
		operand.removeUserIfUnused(inst)
	}
	for ii, candidate := range c.instructions {
		if candidate == inst {
			c.instructions[ii] = nil
			break
		}
	}
	inst.computation = nil
}

// SortedInstructions returns the live instructions in a topological
// (operands-before-users) order. The relative creation order is preserved
// among instructions whose dependencies allow it, so the result is
// deterministic. It panics if the graph is inconsistent.
func (c *Computation) SortedInstructions() []*Instruction {
	live := c.Instructions()
	sorted := make([]*Instruction, 0, len(live))
	emitted := types.MakeSet[*Instruction](len(live))
	ready := func(inst *Instruction) bool {
		for _, operand := range inst.operands {
			if !emitted.Has(operand) {
				return false
			}
		}
		return true
	}
	pending := live
	for len(pending) > 0 {
		next := pending[:0]
		progress := false
		for _, inst := range pending {
			if ready(inst) {
				sorted = append(sorted, inst)
				emitted.Insert(inst)
				progress = true
			} else {
				next = append(next, inst)
			}
		}
		if !progress {
			exceptions.Panicf("hlo: computation %q has a dependency cycle involving %d instructions", c.name, len(next))
		}
		pending = next
	}
	return sorted
}
