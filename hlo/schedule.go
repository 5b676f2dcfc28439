package hlo

import (
	"github.com/gomlx/gomlx/types"
	"github.com/pkg/errors"
)

// Schedule is a total order of the instructions of each computation of a
// module, as required by backends that consume a fixed execution sequence.
//
// Passes that mutate a scheduled module must call Repair on every computation
// they touched, so newly created instructions get ordered and removed ones
// dropped.
type Schedule struct {
	sequences map[*Computation][]*Instruction
}

// NewSchedule builds a schedule covering every computation of the module, in
// topological order.
func NewSchedule(m *Module) *Schedule {
	s := &Schedule{sequences: make(map[*Computation][]*Instruction)}
	for _, comp := range m.Computations() {
		s.sequences[comp] = comp.SortedInstructions()
	}
	return s
}

// Sequence returns the scheduled instruction order of the computation, or nil
// if the computation is not scheduled.
func (s *Schedule) Sequence(comp *Computation) []*Instruction {
	seq := s.sequences[comp]
	out := make([]*Instruction, len(seq))
	copy(out, seq)
	return out
}

// Repair re-derives a consistent order for the computation after graph
// mutation: removed instructions are dropped, new instructions are spliced in
// as early as their operands allow, and the relative order of surviving
// instructions is preserved. It returns an error if no consistent order
// exists, which indicates a corrupted (cyclic) graph, not a user error.
func (s *Schedule) Repair(comp *Computation) error {
	oldSeq := s.sequences[comp]
	oldPos := make(map[*Instruction]int, len(oldSeq))
	for pos, inst := range oldSeq {
		oldPos[inst] = pos
	}

	live := comp.Instructions()
	// Candidates keep a deterministic priority: surviving instructions by
	// their old position, new instructions by creation order after all
	// survivors they depend on.
	pending := make([]*Instruction, len(live))
	copy(pending, live)
	emitted := types.MakeSet[*Instruction](len(live))
	newSeq := make([]*Instruction, 0, len(live))

	ready := func(inst *Instruction) bool {
		for _, operand := range inst.Operands() {
			if !emitted.Has(operand) {
				return false
			}
		}
		return true
	}
	for len(pending) > 0 {
		best := -1
		for ii, inst := range pending {
			if !ready(inst) {
				continue
			}
			if best < 0 || schedulePriorityLess(inst, pending[best], oldPos) {
				best = ii
			}
		}
		if best < 0 {
			return errors.Errorf("schedule repair failed for computation %q: no consistent order for %d remaining instructions",
				comp.Name(), len(pending))
		}
		inst := pending[best]
		newSeq = append(newSeq, inst)
		emitted.Insert(inst)
		pending = append(pending[:best], pending[best+1:]...)
	}
	s.sequences[comp] = newSeq
	return nil
}

// schedulePriorityLess orders ready candidates: instructions present in the
// old sequence first (by old position), then new instructions by creation id.
func schedulePriorityLess(a, b *Instruction, oldPos map[*Instruction]int) bool {
	posA, okA := oldPos[a]
	posB, okB := oldPos[b]
	switch {
	case okA && okB:
		return posA < posB
	case okA:
		return true
	case okB:
		return false
	default:
		return a.id < b.id
	}
}
