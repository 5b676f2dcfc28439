package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// DefaultMemorySpace is the memory-space color of device memory, the default
// for every newly created shape leaf.
const DefaultMemorySpace int64 = 0

// Shape describes the value produced by an instruction: either an array of a
// given DType and dimensions, or a (possibly nested) tuple of shapes.
//
// Each array leaf carries a MemorySpace color in its layout, identifying the
// physical memory kind holding the data. Use Make and MakeTuple to build
// shapes.
type Shape struct {
	DType       dtypes.DType
	Dimensions  []int
	TupleShapes []Shape // Shapes of the tuple elements, if this is a tuple.

	// MemorySpace is the memory-space color of the leaf's layout.
	// Only meaningful on array (non-tuple) shapes.
	MemorySpace int64
}

// Make returns an array Shape with the given element type and dimensions,
// in the default (device) memory space.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("hlo.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// MakeTuple returns a tuple Shape with the given elements.
func MakeTuple(elements ...Shape) Shape {
	return Shape{DType: dtypes.InvalidDType, TupleShapes: slices.Clone(elements)}
}

// IsTuple returns whether the shape is a tuple.
func (s Shape) IsTuple() bool { return len(s.TupleShapes) > 0 }

// Ok returns whether this is a valid shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType || s.IsTuple() }

// Rank returns the number of dimensions of an array shape.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is a rank-0 array.
func (s Shape) IsScalar() bool { return s.Ok() && !s.IsTuple() && s.Rank() == 0 }

// Size returns the number of elements of an array shape.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	c := s
	c.Dimensions = slices.Clone(s.Dimensions)
	if s.IsTuple() {
		c.TupleShapes = make([]Shape, len(s.TupleShapes))
		for ii, element := range s.TupleShapes {
			c.TupleShapes[ii] = element.Clone()
		}
	}
	return c
}

// Equal returns whether the two shapes are identical, including the
// memory-space colors of every leaf.
func (s Shape) Equal(s2 Shape) bool {
	if s.IsTuple() != s2.IsTuple() {
		return false
	}
	if s.IsTuple() {
		if len(s.TupleShapes) != len(s2.TupleShapes) {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.Equal(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions) &&
		s.MemorySpace == s2.MemorySpace
}

// EqualIgnoringMemorySpace returns whether the two shapes hold the same
// logical value type, disregarding where the data lives.
func (s Shape) EqualIgnoringMemorySpace(s2 Shape) bool {
	return s.withDefaultMemorySpace().Equal(s2.withDefaultMemorySpace())
}

func (s Shape) withDefaultMemorySpace() Shape {
	c := s.Clone()
	c.forEachMutableLeaf(nil, func(_ ShapeIndex, leaf *Shape) {
		leaf.MemorySpace = DefaultMemorySpace
	})
	return c
}

// String implements fmt.Stringer. Non-default memory spaces are rendered as a
// "{S(color)}" layout suffix.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, len(s.TupleShapes))
		for ii, element := range s.TupleShapes {
			parts[ii] = element.String()
		}
		return fmt.Sprintf("(%s)", strings.Join(parts, ", "))
	}
	var b strings.Builder
	b.WriteString(s.DType.String())
	b.WriteByte('[')
	for ii, dim := range s.Dimensions {
		if ii > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", dim)
	}
	b.WriteByte(']')
	if s.MemorySpace != DefaultMemorySpace {
		fmt.Fprintf(&b, "{S(%d)}", s.MemorySpace)
	}
	return b.String()
}

// SetMemorySpace sets the memory-space color of every array leaf of the
// shape, returning whether any leaf changed.
func (s *Shape) SetMemorySpace(color int64) bool {
	changed := false
	s.forEachMutableLeaf(nil, func(_ ShapeIndex, leaf *Shape) {
		if leaf.MemorySpace != color {
			leaf.MemorySpace = color
			changed = true
		}
	})
	return changed
}

// forEachMutableLeaf visits every array leaf of the shape in index order,
// passing a mutable pointer to it.
func (s *Shape) forEachMutableLeaf(prefix ShapeIndex, fn func(index ShapeIndex, leaf *Shape)) {
	if !s.IsTuple() {
		fn(slices.Clone(prefix), s)
		return
	}
	for ii := range s.TupleShapes {
		s.TupleShapes[ii].forEachMutableLeaf(append(prefix, ii), fn)
	}
}

// ForEachLeaf visits every array leaf of the shape in index order.
func (s Shape) ForEachLeaf(fn func(index ShapeIndex, leaf Shape)) {
	s.forEachMutableLeaf(nil, func(index ShapeIndex, leaf *Shape) {
		fn(index, *leaf)
	})
}
