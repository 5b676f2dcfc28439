// Package aliasing implements a flat buffer analysis over an hlo.Module: it
// assigns every instruction output site a BufferID such that two sites share
// an id iff they may refer to the same physical storage.
//
// Structural ops (bitcast, reshape, tuple packing/unpacking, optimization
// barriers) forward their operand's buffer; a dynamic-update-slice writes its
// destination buffer in place and so aliases it; everything else defines a
// fresh buffer per output leaf. This is intentionally coarse -- callers use it
// only to avoid duplicating data movement, never to prove independence.
package aliasing

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/hlo/optypes"
)

// BufferID identifies one logical buffer of a module.
type BufferID int

// Analysis holds the buffer assignment of one module. It is a snapshot:
// instructions created after Analyze are assigned fresh ids lazily.
type Analysis struct {
	buffers map[hlo.SiteKey]BufferID
	nextID  BufferID
}

// Analyze computes the buffer assignment for the module.
func Analyze(m *hlo.Module) *Analysis {
	a := &Analysis{buffers: make(map[hlo.SiteKey]BufferID)}
	for _, comp := range m.Computations() {
		for _, inst := range comp.SortedInstructions() {
			a.assign(inst)
		}
	}
	return a
}

func (a *Analysis) fresh() BufferID {
	id := a.nextID
	a.nextID++
	return id
}

func (a *Analysis) assign(inst *hlo.Instruction) {
	shape := inst.Shape()
	switch inst.Op() {
	case optypes.Bitcast, optypes.Reshape, optypes.Copy, optypes.OptimizationBarrier:
		// Copy is included: until the copy executes, both sides are reads of
		// the same value, and the pass must not transfer the value twice.
		shape.ForEachLeaf(func(index hlo.ShapeIndex, _ hlo.Shape) {
			a.buffers[hlo.InstructionAndShapeIndex{Instruction: inst, ShapeIndex: index}.Key()] =
				a.BufferID(hlo.InstructionAndShapeIndex{Instruction: inst.Operand(0), ShapeIndex: index})
		})
	case optypes.Tuple:
		for slot, operand := range inst.Operands() {
			operand.Shape().ForEachLeaf(func(index hlo.ShapeIndex, _ hlo.Shape) {
				full := append(hlo.ShapeIndex{slot}, index...)
				a.buffers[hlo.InstructionAndShapeIndex{Instruction: inst, ShapeIndex: full}.Key()] =
					a.BufferID(hlo.InstructionAndShapeIndex{Instruction: operand, ShapeIndex: index})
			})
		}
	case optypes.GetTupleElement:
		shape.ForEachLeaf(func(index hlo.ShapeIndex, _ hlo.Shape) {
			full := append(hlo.ShapeIndex{inst.TupleIndex}, index...)
			a.buffers[hlo.InstructionAndShapeIndex{Instruction: inst, ShapeIndex: index}.Key()] =
				a.BufferID(hlo.InstructionAndShapeIndex{Instruction: inst.Operand(0), ShapeIndex: full})
		})
	case optypes.DynamicUpdateSlice:
		// In-place update of the destination buffer.
		shape.ForEachLeaf(func(index hlo.ShapeIndex, _ hlo.Shape) {
			a.buffers[hlo.InstructionAndShapeIndex{Instruction: inst, ShapeIndex: index}.Key()] =
				a.BufferID(hlo.InstructionAndShapeIndex{Instruction: inst.Operand(0), ShapeIndex: index})
		})
	default:
		shape.ForEachLeaf(func(index hlo.ShapeIndex, _ hlo.Shape) {
			a.buffers[hlo.InstructionAndShapeIndex{Instruction: inst, ShapeIndex: index}.Key()] = a.fresh()
		})
	}
}

// BufferID returns the buffer holding the given output site. Sites of
// instructions created after Analyze ran are assigned on first query,
// following the same forwarding rules.
func (a *Analysis) BufferID(site hlo.InstructionAndShapeIndex) BufferID {
	if id, found := a.buffers[site.Key()]; found {
		return id
	}
	if site.Instruction == nil {
		exceptions.Panicf("aliasing: BufferID of nil instruction")
	}
	a.assign(site.Instruction)
	id, found := a.buffers[site.Key()]
	if !found {
		exceptions.Panicf("aliasing: no buffer for site %s", site)
	}
	return id
}

// MayAlias reports whether the two sites may share storage.
func (a *Analysis) MayAlias(x, y hlo.InstructionAndShapeIndex) bool {
	return a.BufferID(x) == a.BufferID(y)
}
