package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// ShapeIndex is a path selecting one sub-shape inside a (possibly nested)
// tuple shape: each element picks a tuple position at the corresponding
// nesting level. The empty index selects the shape itself.
type ShapeIndex []int

// Equal returns whether the two indices select the same path.
func (idx ShapeIndex) Equal(other ShapeIndex) bool {
	return slices.Equal(idx, other)
}

// Key returns a comparable form of the index, usable as a map key.
func (idx ShapeIndex) Key() string {
	if len(idx) == 0 {
		return ""
	}
	parts := make([]string, len(idx))
	for ii, i := range idx {
		parts[ii] = fmt.Sprintf("%d", i)
	}
	return strings.Join(parts, ",")
}

// String implements fmt.Stringer.
func (idx ShapeIndex) String() string {
	return "{" + idx.Key() + "}"
}

// SubShape returns a mutable pointer into shape at the position selected by
// the index. It panics if the index walks off the shape.
func SubShape(shape *Shape, index ShapeIndex) *Shape {
	sub := shape
	for depth, i := range index {
		if i < 0 || i >= len(sub.TupleShapes) {
			exceptions.Panicf("hlo.SubShape: index %s invalid at depth %d for shape %s", index, depth, shape)
		}
		sub = &sub.TupleShapes[i]
	}
	return sub
}

// InstructionAndShapeIndex identifies one output site of an instruction: the
// array leaf (or sub-tuple) of its output shape selected by ShapeIndex. It is
// the unit passes propagate and deduplicate over. Treat it as a value type;
// the Instruction field is a non-owning reference into the graph.
type InstructionAndShapeIndex struct {
	Instruction *Instruction
	ShapeIndex  ShapeIndex
}

// Site is a shorthand constructor for an InstructionAndShapeIndex.
func Site(instruction *Instruction, index ...int) InstructionAndShapeIndex {
	return InstructionAndShapeIndex{Instruction: instruction, ShapeIndex: index}
}

// Equal returns whether both sites refer to the same instruction output leaf.
func (s InstructionAndShapeIndex) Equal(other InstructionAndShapeIndex) bool {
	return s.Instruction == other.Instruction && s.ShapeIndex.Equal(other.ShapeIndex)
}

// String implements fmt.Stringer.
func (s InstructionAndShapeIndex) String() string {
	if s.Instruction == nil {
		return "<nil>" + s.ShapeIndex.String()
	}
	return s.Instruction.Name() + s.ShapeIndex.String()
}

// SiteKey is the comparable form of an InstructionAndShapeIndex, usable in
// sets and maps.
type SiteKey struct {
	Instruction *Instruction
	Index       string
}

// Key returns the comparable form of the site.
func (s InstructionAndShapeIndex) Key() SiteKey {
	return SiteKey{Instruction: s.Instruction, Index: s.ShapeIndex.Key()}
}
