package offload

import (
	"slices"

	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/hlo/optypes"
	"k8s.io/klog/v2"
)

// walkDown performs the forward (use-edge) traversal from one entry site,
// tagging every visited output site with the host memory space and inserting
// copies at transitions. insertCopyBefore requests a device->host copy
// between the starting instruction's operand and the starting instruction --
// false when the data is already host-resident (input streaming, streamed
// dynamic-update-slices).
//
// The traversal is forward-only over the DAG: a site already visited (by this
// or an earlier walk of the same run) is finalized and re-entering it is a
// no-op, not an error.
func (o *HostOffloader) walkDown(start hlo.InstructionAndShapeIndex, insertCopyBefore bool) error {
	if insertCopyBefore {
		o.insertHostCopyAfter(start.Instruction.Operand(0), start.Instruction)
	}
	queue := []hlo.InstructionAndShapeIndex{start}
	for len(queue) > 0 {
		site := queue[0]
		queue = queue[1:]
		if o.visitedSites.Has(site.Key()) {
			continue
		}
		o.visitedSites.Insert(site.Key())
		o.setHostMemorySpace(site)
		klog.V(2).Infof("host-offloader: site %s is now host-resident", site)
		for _, user := range site.Instruction.Users() {
			if err := o.handleUser(site, user, &queue); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleUser classifies one use-edge of a host-resident site and either
// extends the walk, inserts a boundary copy, reroutes to the streaming
// rewriter, or rejects the use as illegal.
func (o *HostOffloader) handleUser(site hlo.InstructionAndShapeIndex, user *hlo.Instruction, queue *[]hlo.InstructionAndShapeIndex) error {
	switch {
	case o.createdDeviceCopies.Has(user):
		// A host->device transfer this run already materialized; its output
		// is device memory, the walk ends here.
		return nil
	case user.IsCustomCall(MoveToDeviceTarget):
		// End of the host region. The actual transfer is a copy inserted
		// before the annotation; the annotation itself is swept later.
		o.insertDeviceCopyBefore(site, user)
		return nil
	case user.IsCustomCall(MoveToHostTarget):
		// Redundant annotation on already host-resident data: pass through;
		// its own handling degenerates to removal.
		*queue = append(*queue, hlo.InstructionAndShapeIndex{Instruction: user, ShapeIndex: site.ShapeIndex})
		return nil
	case user.IsCustomCall(AllocateBufferTarget):
		return internalErrorf(user, "%s cannot consume values", AllocateBufferTarget)
	}

	switch user.Op() {
	case optypes.Tuple:
		for _, slot := range user.OperandIndices(site.Instruction) {
			index := append(hlo.ShapeIndex{slot}, site.ShapeIndex...)
			*queue = append(*queue, hlo.InstructionAndShapeIndex{Instruction: user, ShapeIndex: index})
		}

	case optypes.GetTupleElement:
		if len(site.ShapeIndex) == 0 {
			if !site.Instruction.Shape().IsTuple() {
				return internalErrorf(user, "get-tuple-element of array-shaped site %s", site)
			}
			// Whole-tuple site: every element is host-resident, including
			// the one selected.
			*queue = append(*queue, hlo.Site(user))
			return nil
		}
		if user.TupleIndex == site.ShapeIndex[0] {
			rest := slices.Clone(site.ShapeIndex[1:])
			*queue = append(*queue, hlo.InstructionAndShapeIndex{Instruction: user, ShapeIndex: rest})
		}
		// Other tuple elements are not this walk's concern.

	case optypes.Bitcast, optypes.Reshape, optypes.Copy, optypes.OptimizationBarrier:
		// Shape-preserving plumbing: the tag flows through unchanged.
		*queue = append(*queue, hlo.InstructionAndShapeIndex{Instruction: user, ShapeIndex: site.ShapeIndex})

	case optypes.DynamicUpdateSlice:
		for _, slot := range user.OperandIndices(site.Instruction) {
			switch slot {
			case 0:
				// Destination: the update happens in place, the result stays
				// in the same buffer.
				*queue = append(*queue, hlo.InstructionAndShapeIndex{Instruction: user, ShapeIndex: site.ShapeIndex})
			case 1:
				// Update chunk streamed into a host buffer.
				if err := o.ensureDynamicUpdateSliceHandled(user); err != nil {
					return err
				}
				*queue = append(*queue, hlo.Site(user))
			default:
				return userErrorf(user, "host-resident value %s used as a start index of %s", site, user.Name())
			}
		}

	case optypes.Slice, optypes.DynamicSlice:
		for _, slot := range user.OperandIndices(site.Instruction) {
			if slot != 0 {
				return userErrorf(user, "host-resident value %s used as a start index of %s", site, user.Name())
			}
		}
		// The slice performs the host->device read-back: its output stays on
		// device and the walk ends here, at its MoveToDevice annotation.
		return o.handleSliceReadBack(user)

	default:
		if o.isValidDuringPureMemoryOffload(user) {
			return internalErrorf(user, "no traversal rule for %s (%s)", user.Name(), user.Op())
		}
		if user.Op().IsCompute() {
			return userErrorf(user, "host memory offload used on a computed value: %s (%s) consumes host-resident %s",
				user.Name(), user.Op(), site)
		}
		return userErrorf(user, "%s (%s) is not allowed during pure host memory offload", user.Name(), user.Op())
	}
	return nil
}

// setHostMemorySpace tags every array leaf under the site with the host
// memory-space color.
func (o *HostOffloader) setHostMemorySpace(site hlo.InstructionAndShapeIndex) {
	sub := hlo.SubShape(site.Instruction.MutableShape(), site.ShapeIndex)
	if sub.SetMemorySpace(o.hostMemorySpaceColor) {
		o.changed = true
	}
}

// insertHostCopyAfter inserts (or reuses) the device->host copy between
// producer and consumer: the materialization of a MoveToHost transition.
// At most one such copy exists per producer; additional consumers are rewired
// to the existing one. Returns whether a new copy was created.
func (o *HostOffloader) insertHostCopyAfter(producer, consumer *hlo.Instruction) bool {
	if copyInst, found := o.copiesCreatedAfter[producer]; found {
		if slices.Contains(consumer.Operands(), producer) {
			producer.ReplaceUseWith(consumer, copyInst)
		}
		return false
	}
	comp := producer.Computation()
	copyInst := comp.NewCopy(producer)
	copyInst.MutableShape().SetMemorySpace(o.hostMemorySpaceColor)
	o.copiesCreatedAfter[producer] = copyInst
	producer.ReplaceUseWith(consumer, copyInst)
	o.noteMutation(comp)
	klog.V(1).Infof("host-offloader: inserted device->host copy %s after %s", copyInst.Name(), producer.Name())
	return true
}

// insertDeviceCopyBefore inserts (or reuses) the host->device copy between a
// host-resident site and its MoveToDevice annotation. Deduplicated two ways:
// per consumer site (this exact edge already has its copy) and per underlying
// buffer (alias analysis), so two views of the same host buffer share one
// transfer. Returns whether a new copy was created.
func (o *HostOffloader) insertDeviceCopyBefore(site hlo.InstructionAndShapeIndex, moveToDevice *hlo.Instruction) bool {
	consumerKey := hlo.Site(moveToDevice).Key()
	if o.copyInsertedBefore.Has(consumerKey) {
		return false
	}
	o.copyInsertedBefore.Insert(consumerKey)

	bufID := o.alias.BufferID(site)
	comp := moveToDevice.Computation()
	if copyInst, found := o.deviceCopies[bufID]; found && copyInst.Computation() == comp {
		site.Instruction.ReplaceUseWith(moveToDevice, copyInst)
		klog.V(1).Infof("host-offloader: reusing host->device copy %s for %s", copyInst.Name(), moveToDevice.Name())
		return false
	}
	copyInst := comp.NewCopy(site.Instruction)
	copyInst.MutableShape().SetMemorySpace(hlo.DefaultMemorySpace)
	o.deviceCopies[bufID] = copyInst
	o.createdDeviceCopies.Insert(copyInst)
	site.Instruction.ReplaceUseWith(moveToDevice, copyInst)
	o.noteMutation(comp)
	klog.V(1).Infof("host-offloader: inserted host->device copy %s before %s", copyInst.Name(), moveToDevice.Name())
	return true
}

// isDUSUpdate reports whether user is a dynamic-update-slice consuming
// producer as its update operand.
func isDUSUpdate(user, producer *hlo.Instruction) bool {
	return user.Op() == optypes.DynamicUpdateSlice && slices.Contains(user.OperandIndices(producer), 1)
}
