// Package hlo implements a small HLO-style tensor-computation IR: modules of
// computations, computations of instructions forming a DAG, nested-tuple
// shapes whose array leaves carry a memory-space color in their layout.
//
// It provides exactly the surface transformation passes need: builder methods
// to construct graphs (panicking on misuse, like GoMLX graph building
// functions), rewiring primitives to mutate them, topological sorting, an
// optional instruction schedule with post-mutation repair, and pretty
// printing.
package hlo

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types"
)

// Module is a compilation unit: a set of computations with one entry
// computation, and optionally an instruction schedule.
type Module struct {
	name         string
	computations []*Computation
	entry        *Computation
	schedule     *Schedule
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{name: name}
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// NewComputation creates and registers an empty computation on the main
// execution thread. The first computation created becomes the entry.
func (m *Module) NewComputation(name string) *Computation {
	for _, c := range m.computations {
		if c.name == name {
			exceptions.Panicf("hlo: module %q already has a computation named %q", m.name, name)
		}
	}
	c := &Computation{name: name, module: m, executionThread: MainExecutionThread}
	m.computations = append(m.computations, c)
	if m.entry == nil {
		m.entry = c
	}
	return c
}

// Computations returns the module's computations in creation order.
func (m *Module) Computations() []*Computation {
	out := make([]*Computation, len(m.computations))
	copy(out, m.computations)
	return out
}

// EntryComputation returns the module entry computation, or nil for an empty
// module.
func (m *Module) EntryComputation() *Computation { return m.entry }

// SetEntryComputation changes the entry computation.
func (m *Module) SetEntryComputation(c *Computation) {
	if c.module != m {
		exceptions.Panicf("hlo: computation %q does not belong to module %q", c.name, m.name)
	}
	m.entry = c
}

// Schedule returns the module's instruction schedule, or nil if the module is
// unscheduled.
func (m *Module) Schedule() *Schedule { return m.schedule }

// SetSchedule attaches an instruction schedule to the module.
func (m *Module) SetSchedule(s *Schedule) { m.schedule = s }

// Pass is a module-level transformation. Run returns whether the module was
// changed. The executionThreads set scopes which computations the pass may
// touch; an empty (or nil) set means all threads.
type Pass interface {
	Name() string
	Run(m *Module, executionThreads types.Set[string]) (bool, error)
}

// ThreadInScope reports whether a computation on the given execution thread
// is eligible under the executionThreads scoping convention (empty set = all
// threads in scope).
func ThreadInScope(executionThreads types.Set[string], thread string) bool {
	return len(executionThreads) == 0 || executionThreads.Has(thread)
}
