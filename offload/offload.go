// Package offload implements the host memory offloading pass over the hlo IR.
//
// Tensors annotated with the MoveToHost custom call (or entry parameters
// whose layout already carries the host memory-space color) have their layout
// updated to host memory along every use path, with device<->host copies
// inserted where the memory space transitions. A MoveToHost paired with a
// dynamic-update-slice streams chunks directly into a host-allocated buffer
// instead of copying per chunk. The pass verifies that no compute is
// performed on host-resident tensors -- that is a user annotation error and
// fails the compilation -- and removes all MoveToHost/MoveToDevice
// annotations once their effect is materialized in the layout metadata.
package offload

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/hlo/aliasing"
	"github.com/gomlx/hlopt/hlo/optypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Custom-call targets recognized (and created) by the pass.
const (
	// MoveToHostTarget annotates the start of a host-resident region for a
	// tensor.
	MoveToHostTarget = "MoveToHost"

	// MoveToDeviceTarget annotates the end of a host-resident region.
	MoveToDeviceTarget = "MoveToDevice"

	// AllocateBufferTarget is created by the pass: an opaque allocation of an
	// uninitialized buffer that dynamic-update-slices stream into.
	AllocateBufferTarget = "AllocateBuffer"
)

// HostOffloader is the pass object. Create it with NewHostOffloader; a single
// instance may be reused across modules (state is reset at the start of every
// Run) but must not run concurrently on two modules.
type HostOffloader struct {
	hostMemorySpaceColor int64

	// Pass-local state below, reset at the start of every Run.

	alias *aliasing.Analysis

	// visitedSites makes re-walking an already-tagged output site a no-op.
	visitedSites types.Set[hlo.SiteKey]
	// visitedMoveToHost ensures each annotation entry is walked at most once.
	visitedMoveToHost types.Set[*hlo.Instruction]
	// handledDynamicUpdateSlices prevents re-rewriting a streaming update.
	handledDynamicUpdateSlices types.Set[*hlo.Instruction]
	// copiesCreatedAfter dedups device->host copies, keyed by producer.
	copiesCreatedAfter map[*hlo.Instruction]*hlo.Instruction
	// copyInsertedBefore dedups host->device copies, keyed by consumer site.
	copyInsertedBefore types.Set[hlo.SiteKey]
	// deviceCopies dedups host->device copies across aliased producer sites,
	// keyed by the alias-analysis buffer.
	deviceCopies map[aliasing.BufferID]*hlo.Instruction
	// createdDeviceCopies marks the copies above: their output is device
	// memory and the walk must not tag them.
	createdDeviceCopies types.Set[*hlo.Instruction]

	// mutatedComputations need their schedule repaired after the pass.
	mutatedComputations types.Set[*hlo.Computation]
	changed             bool
}

var _ hlo.Pass = (*HostOffloader)(nil)

// NewHostOffloader creates the pass. hostMemorySpaceColor is the reserved
// memory-space color denoting host memory in shape layouts.
func NewHostOffloader(hostMemorySpaceColor int64) *HostOffloader {
	return &HostOffloader{hostMemorySpaceColor: hostMemorySpaceColor}
}

// Name implements hlo.Pass.
func (o *HostOffloader) Name() string { return "host-offloader" }

func (o *HostOffloader) reset() {
	o.alias = nil
	o.visitedSites = types.MakeSet[hlo.SiteKey]()
	o.visitedMoveToHost = types.MakeSet[*hlo.Instruction]()
	o.handledDynamicUpdateSlices = types.MakeSet[*hlo.Instruction]()
	o.copiesCreatedAfter = make(map[*hlo.Instruction]*hlo.Instruction)
	o.copyInsertedBefore = types.MakeSet[hlo.SiteKey]()
	o.deviceCopies = make(map[aliasing.BufferID]*hlo.Instruction)
	o.createdDeviceCopies = types.MakeSet[*hlo.Instruction]()
	o.mutatedComputations = types.MakeSet[*hlo.Computation]()
	o.changed = false
}

// Run implements hlo.Pass. It returns whether the module was changed, or an
// error: a *Error of kind UserError when the annotations are used illegally
// (compute on host-resident data, a streamed slice chain escaping its
// MoveToDevice), of kind InternalError on invariant violations.
//
// On error the module may already be partially mutated; the caller is
// expected to abort the compilation.
func (o *HostOffloader) Run(m *hlo.Module, executionThreads types.Set[string]) (bool, error) {
	o.reset()
	o.alias = aliasing.Analyze(m)

	// Builder panics (misformed graphs) surface as errors.
	var runErr error
	if err := exceptions.TryCatch[error](func() { runErr = o.run(m, executionThreads) }); err != nil {
		return false, errors.WithMessagef(err, "host-offloader on module %q", m.Name())
	}
	if runErr != nil {
		return false, runErr
	}
	return o.changed, nil
}

func (o *HostOffloader) run(m *hlo.Module, executionThreads types.Set[string]) error {
	entry := m.EntryComputation()
	if entry != nil && hlo.ThreadInScope(executionThreads, entry.ExecutionThread()) {
		if err := o.handleInputStreaming(entry); err != nil {
			return err
		}
	}

	// Collect the annotations before any mutation, so traversal order is the
	// (deterministic) pre-pass instruction order.
	var moveToHost []*hlo.Instruction
	for _, comp := range m.Computations() {
		if !hlo.ThreadInScope(executionThreads, comp.ExecutionThread()) {
			continue
		}
		for _, inst := range comp.Instructions() {
			if inst.IsCustomCall(MoveToHostTarget) {
				moveToHost = append(moveToHost, inst)
			}
		}
	}
	for _, cc := range moveToHost {
		if err := o.handleMoveToHost(cc); err != nil {
			return err
		}
	}

	// By now every reachable MoveToDevice has its copy (or streaming slice)
	// in place; sweep all remaining annotations out of the graph. An
	// annotation never reached by a walk is a plain no-op marker.
	for _, comp := range m.Computations() {
		if !hlo.ThreadInScope(executionThreads, comp.ExecutionThread()) {
			continue
		}
		for _, inst := range comp.Instructions() {
			if inst.IsCustomCall(MoveToDeviceTarget) {
				o.removeAnnotation(inst)
			}
		}
	}

	if o.changed {
		if err := o.applySchedulingFix(m); err != nil {
			return err
		}
	}
	return nil
}

// handleInputStreaming starts a walk from every entry parameter leaf whose
// declared layout already lives in host memory: inputs streamed to the device
// over time. No copy is inserted at the entry, the data is already on host.
func (o *HostOffloader) handleInputStreaming(entry *hlo.Computation) error {
	for _, param := range entry.Parameters() {
		shape := param.Shape()
		var starts []hlo.InstructionAndShapeIndex
		shape.ForEachLeaf(func(index hlo.ShapeIndex, leaf hlo.Shape) {
			if leaf.MemorySpace == o.hostMemorySpaceColor {
				starts = append(starts, hlo.InstructionAndShapeIndex{Instruction: param, ShapeIndex: index})
			}
		})
		for _, start := range starts {
			klog.V(1).Infof("host-offloader: input streaming from parameter site %s", start)
			if err := o.walkDown(start, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleMoveToHost processes one MoveToHost annotation: walks its offload
// region tagging layouts, inserts the entry copy when the value is not
// streamed via a dynamic-update-slice, and removes the annotation.
func (o *HostOffloader) handleMoveToHost(cc *hlo.Instruction) error {
	if o.visitedMoveToHost.Has(cc) {
		return nil
	}
	o.visitedMoveToHost.Insert(cc)
	if cc.NumOperands() != 1 {
		return userErrorf(cc, "%s annotation expects exactly 1 operand, got %d", MoveToHostTarget, cc.NumOperands())
	}

	// Moving an entry parameter to host changes the parameter's own layout:
	// the value arrives in host memory, no copy materializes the transition.
	operand := cc.Operand(0)
	if operand.Op() == optypes.Parameter && cc.Computation() == cc.Computation().Module().EntryComputation() {
		klog.V(1).Infof("host-offloader: %s moves entry parameter %s to host memory", cc.Name(), operand.Name())
		if err := o.walkDown(hlo.Site(operand), false); err != nil {
			return err
		}
		o.removeAnnotation(cc)
		return nil
	}

	// A MoveToHost paired with a dynamic-update-slice streams directly into
	// the (host) destination buffer: no entry copy. Same when the operand is
	// already host-resident (e.g. a streamed input re-annotated).
	insertCopy := !o.pairsWithDynamicUpdateSlice(cc) && !o.isHostSite(hlo.Site(operand))
	klog.V(1).Infof("host-offloader: walking down from %s (insert entry copy: %v)", cc.Name(), insertCopy)
	if err := o.walkDown(hlo.Site(cc), insertCopy); err != nil {
		return err
	}

	// The annotation's effect now lives in the layout metadata; drop it.
	// Note the operand is the inserted copy when there is one.
	o.removeAnnotation(cc)
	return nil
}

// pairsWithDynamicUpdateSlice reports whether the annotation's value, through
// pure re-interpretations, is consumed as the update operand of a
// dynamic-update-slice.
func (o *HostOffloader) pairsWithDynamicUpdateSlice(cc *hlo.Instruction) bool {
	queue := []*hlo.Instruction{cc}
	seen := types.MakeSet[*hlo.Instruction]()
	for len(queue) > 0 {
		inst := queue[0]
		queue = queue[1:]
		if seen.Has(inst) {
			continue
		}
		seen.Insert(inst)
		for _, user := range inst.Users() {
			if isDUSUpdate(user, inst) {
				return true
			}
			if isAllowedBetweenMoveToHostAndDUS(user) {
				queue = append(queue, user)
			}
		}
	}
	return false
}

// removeAnnotation replaces an annotation custom call by its operand and
// removes it from the graph.
func (o *HostOffloader) removeAnnotation(cc *hlo.Instruction) {
	comp := cc.Computation()
	operand := cc.Operand(0)
	klog.V(1).Infof("host-offloader: removing annotation %s, users now read %s", cc.Name(), operand.Name())
	cc.ReplaceAllUsesWith(operand)
	comp.RemoveInstruction(cc)
	o.noteMutation(comp)
}

// isHostSite reports whether every array leaf under the site already carries
// the host memory-space color.
func (o *HostOffloader) isHostSite(site hlo.InstructionAndShapeIndex) bool {
	shape := site.Instruction.Shape()
	sub := hlo.SubShape(&shape, site.ShapeIndex)
	host := true
	sub.ForEachLeaf(func(_ hlo.ShapeIndex, leaf hlo.Shape) {
		if leaf.MemorySpace != o.hostMemorySpaceColor {
			host = false
		}
	})
	return host
}

func (o *HostOffloader) noteMutation(comp *hlo.Computation) {
	o.changed = true
	o.mutatedComputations.Insert(comp)
}

// applySchedulingFix repairs the instruction schedule of every computation
// the pass mutated. A repair failure means the module is corrupted, not that
// the annotations were wrong.
func (o *HostOffloader) applySchedulingFix(m *hlo.Module) error {
	sched := m.Schedule()
	if sched == nil {
		return nil
	}
	for _, comp := range m.Computations() {
		if !o.mutatedComputations.Has(comp) {
			continue
		}
		if err := sched.Repair(comp); err != nil {
			return internalErrorf(nil, "scheduling fix after offloading failed: %s", err)
		}
	}
	return nil
}
