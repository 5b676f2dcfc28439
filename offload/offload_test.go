package offload

import (
	"testing"

	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlopt/hlo"
	"github.com/gomlx/hlopt/hlo/optypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHostColor is the memory-space color standing for host memory in these
// tests. Any non-zero color works, the pass treats it as opaque.
const testHostColor int64 = 5

func countOps(c *hlo.Computation, op optypes.OpType) int {
	count := 0
	for _, inst := range c.Instructions() {
		if inst.Op() == op {
			count++
		}
	}
	return count
}

func countCustomCalls(c *hlo.Computation, target string) int {
	count := 0
	for _, inst := range c.Instructions() {
		if inst.IsCustomCall(target) {
			count++
		}
	}
	return count
}

func requireHostShape(t *testing.T, inst *hlo.Instruction, index ...int) {
	t.Helper()
	shape := inst.Shape()
	sub := hlo.SubShape(&shape, index)
	sub.ForEachLeaf(func(_ hlo.ShapeIndex, leaf hlo.Shape) {
		require.Equal(t, testHostColor, leaf.MemorySpace, "site %s should be host-resident", hlo.Site(inst, index...))
	})
}

func requireDeviceShape(t *testing.T, inst *hlo.Instruction, index ...int) {
	t.Helper()
	shape := inst.Shape()
	sub := hlo.SubShape(&shape, index)
	sub.ForEachLeaf(func(_ hlo.ShapeIndex, leaf hlo.Shape) {
		require.Equal(t, hlo.DefaultMemorySpace, leaf.MemorySpace, "site %s should be on device", hlo.Site(inst, index...))
	})
}

// Scenario: parameter annotated MoveToHost feeding directly into MoveToDevice.
// The parameter's own layout moves to host; one host->device copy remains.
func TestParameterRoundTrip(t *testing.T) {
	m := hlo.NewModule("param_round_trip")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	toHost := c.NewCustomCall(MoveToHostTarget, p.Shape(), p)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, toHost.Shape(), toHost)
	c.SetRoot(toDevice)

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, 0, countCustomCalls(c, MoveToHostTarget))
	assert.Equal(t, 0, countCustomCalls(c, MoveToDeviceTarget))
	require.Equal(t, 1, countOps(c, optypes.Copy))

	requireHostShape(t, p)
	root := c.Root()
	require.Equal(t, optypes.Copy, root.Op())
	requireDeviceShape(t, root)
	assert.Same(t, p, root.Operand(0))
}

// An offloaded intermediate value needs both transfers: device->host after
// the producer, host->device before the consumer.
func TestIntermediateRoundTrip(t *testing.T) {
	m := hlo.NewModule("intermediate")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	neg := c.NewUnary(optypes.Negate, p)
	toHost := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, toHost.Shape(), toHost)
	exp := c.NewUnary(optypes.Exp, toDevice)
	c.SetRoot(exp)

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	// neg -> copy(host) -> copy(device) -> exp.
	requireDeviceShape(t, neg)
	copyToDevice := exp.Operand(0)
	require.Equal(t, optypes.Copy, copyToDevice.Op())
	requireDeviceShape(t, copyToDevice)
	copyToHost := copyToDevice.Operand(0)
	require.Equal(t, optypes.Copy, copyToHost.Op())
	requireHostShape(t, copyToHost)
	assert.Same(t, neg, copyToHost.Operand(0))
	assert.Equal(t, 2, countOps(c, optypes.Copy))
}

// Scenario: a module without annotations is reported unchanged.
func TestNoAnnotations(t *testing.T) {
	m := hlo.NewModule("untouched")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	c.SetRoot(c.NewUnary(optypes.Negate, p))
	before := c.NumInstructions()

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, c.NumInstructions())
}

// Tag propagation through tuple packing and unpacking: only the offloaded
// element's leaves move to host.
func TestTuplePropagation(t *testing.T) {
	m := hlo.NewModule("tuples")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	q := c.AddParameter("q", hlo.Make(dtypes.Int32, 2))
	neg := c.NewUnary(optypes.Negate, p)
	toHost := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	tuple := c.NewTuple(toHost, q)
	gt0 := c.NewGetTupleElement(tuple, 0)
	gt1 := c.NewGetTupleElement(tuple, 1)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, gt0.Shape(), gt0)
	c.SetRoot(c.NewTuple(toDevice, gt1))

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	requireHostShape(t, tuple, 0)
	requireDeviceShape(t, tuple, 1)
	requireHostShape(t, gt0)
	requireDeviceShape(t, gt1)
	requireDeviceShape(t, q)
	assert.Equal(t, 0, countCustomCalls(c, MoveToHostTarget))
	assert.Equal(t, 0, countCustomCalls(c, MoveToDeviceTarget))
}

// Copy dedup: two views of the same host buffer ending in separate
// MoveToDevice annotations share a single host->device transfer.
func TestDeviceCopyDedup(t *testing.T) {
	m := hlo.NewModule("dedup")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4, 2))
	neg := c.NewUnary(optypes.Negate, p)
	toHost := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	viewA := c.NewBitcast(toHost, hlo.Make(dtypes.Float32, 8))
	viewB := c.NewReshape(toHost, 2, 4)
	toDeviceA := c.NewCustomCall(MoveToDeviceTarget, viewA.Shape(), viewA)
	toDeviceB := c.NewCustomCall(MoveToDeviceTarget, viewB.Shape(), viewB)
	consumerA := c.NewUnary(optypes.Exp, toDeviceA)
	consumerB := c.NewUnary(optypes.Sqrt, toDeviceB)
	c.SetRoot(c.NewTuple(consumerA, consumerB))

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	// One entry copy (device->host) plus exactly one shared read-back copy.
	assert.Equal(t, 2, countOps(c, optypes.Copy))
	assert.Same(t, consumerA.Operand(0), consumerB.Operand(0))
	require.Equal(t, optypes.Copy, consumerA.Operand(0).Op())
	requireDeviceShape(t, consumerA.Operand(0))
}

// One device->host copy per producer, no matter how many annotations point
// at it.
func TestHostCopyDedup(t *testing.T) {
	m := hlo.NewModule("host_dedup")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	neg := c.NewUnary(optypes.Negate, p)
	toHostA := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	toHostB := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	toDeviceA := c.NewCustomCall(MoveToDeviceTarget, toHostA.Shape(), toHostA)
	toDeviceB := c.NewCustomCall(MoveToDeviceTarget, toHostB.Shape(), toHostB)
	c.SetRoot(c.NewTuple(toDeviceA, toDeviceB))

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	hostCopies := 0
	for _, inst := range c.Instructions() {
		if inst.Op() == optypes.Copy && inst.Shape().MemorySpace == testHostColor {
			hostCopies++
		}
	}
	assert.Equal(t, 1, hostCopies)
}

// Scenario: compute on a host-resident value is a user annotation error
// naming the offending instruction.
func TestComputeOnHostValueFails(t *testing.T) {
	m := hlo.NewModule("illegal_compute")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	neg := c.NewUnary(optypes.Negate, p)
	toHost := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	add := c.NewBinary(optypes.Add, toHost, neg)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, add.Shape(), add)
	c.SetRoot(toDevice)

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.Error(t, err)
	assert.False(t, changed)

	var offErr *Error
	require.True(t, errors.As(err, &offErr))
	assert.Equal(t, UserError, offErr.Kind)
	assert.Same(t, add, offErr.Instruction)
	assert.Contains(t, err.Error(), add.Name())
}

// The same region with only pass-through ops in between succeeds.
func TestPassThroughRegionSucceeds(t *testing.T) {
	m := hlo.NewModule("pass_through")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4, 2))
	neg := c.NewUnary(optypes.Negate, p)
	toHost := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	reshape := c.NewReshape(toHost, 8)
	barrier := c.NewOptimizationBarrier(reshape)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, barrier.Shape(), barrier)
	c.SetRoot(toDevice)

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)
	requireHostShape(t, reshape)
	requireHostShape(t, barrier)
}

// Re-entering an already-tagged site (a nested MoveToHost) mutates nothing
// further and is not an error.
func TestNestedAnnotationIdempotent(t *testing.T) {
	m := hlo.NewModule("nested")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	neg := c.NewUnary(optypes.Negate, p)
	inner := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	outer := c.NewCustomCall(MoveToHostTarget, inner.Shape(), inner)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, outer.Shape(), outer)
	c.SetRoot(toDevice)

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, 0, countCustomCalls(c, MoveToHostTarget))
	assert.Equal(t, 0, countCustomCalls(c, MoveToDeviceTarget))
	// Still only the two boundary copies.
	assert.Equal(t, 2, countOps(c, optypes.Copy))
}

// A stray MoveToDevice with no host data upstream is removed as a no-op
// marker.
func TestStrayMoveToDeviceRemoved(t *testing.T) {
	m := hlo.NewModule("stray")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	toDevice := c.NewCustomCall(MoveToDeviceTarget, p.Shape(), p)
	exp := c.NewUnary(optypes.Exp, toDevice)
	c.SetRoot(exp)

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, countCustomCalls(c, MoveToDeviceTarget))
	assert.Same(t, p, exp.Operand(0))
	assert.Equal(t, 0, countOps(c, optypes.Copy))
}

// A MoveToHost with the wrong arity is a user error.
func TestBadAnnotationArity(t *testing.T) {
	m := hlo.NewModule("arity")
	c := m.NewComputation("entry")
	a := c.AddParameter("a", hlo.Make(dtypes.Float32, 4))
	b := c.AddParameter("b", hlo.Make(dtypes.Float32, 4))
	bad := c.NewCustomCall(MoveToHostTarget, a.Shape(), a, b)
	c.SetRoot(bad)

	_, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.Error(t, err)
	var offErr *Error
	require.True(t, errors.As(err, &offErr))
	assert.Equal(t, UserError, offErr.Kind)
}

// Entry parameters whose declared layout is already host memory stream in:
// their consumers get the host tag with no entry copy.
func TestInputStreaming(t *testing.T) {
	m := hlo.NewModule("input_streaming")
	c := m.NewComputation("entry")
	hostShape := hlo.Make(dtypes.Float32, 4)
	hostShape.MemorySpace = testHostColor
	p := c.AddParameter("p", hostShape)
	barrier := c.NewOptimizationBarrier(p)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, barrier.Shape(), barrier)
	exp := c.NewUnary(optypes.Exp, toDevice)
	c.SetRoot(exp)

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	requireHostShape(t, barrier)
	require.Equal(t, 1, countOps(c, optypes.Copy))
	require.Equal(t, optypes.Copy, exp.Operand(0).Op())
	requireDeviceShape(t, exp.Operand(0))
}

// A tuple-shaped entry parameter streams per leaf: only consumers of the
// host-tagged element are affected.
func TestInputStreamingTupleLeaf(t *testing.T) {
	m := hlo.NewModule("tuple_streaming")
	c := m.NewComputation("entry")
	hostLeaf := hlo.Make(dtypes.Float32, 4)
	hostLeaf.MemorySpace = testHostColor
	p := c.AddParameter("p", hlo.MakeTuple(hostLeaf, hlo.Make(dtypes.Float32, 4)))
	gt0 := c.NewGetTupleElement(p, 0)
	gt1 := c.NewGetTupleElement(p, 1)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, gt0.Shape(), gt0)
	exp := c.NewUnary(optypes.Exp, toDevice)
	neg := c.NewUnary(optypes.Negate, gt1)
	c.SetRoot(c.NewTuple(exp, neg))

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	requireHostShape(t, gt0)
	requireDeviceShape(t, gt1)
	require.Equal(t, 1, countOps(c, optypes.Copy))
	require.Equal(t, optypes.Copy, exp.Operand(0).Op())
	requireDeviceShape(t, exp.Operand(0))
	assert.Same(t, gt1, neg.Operand(0))
}

// Computations on out-of-scope execution threads are left untouched,
// annotations included.
func TestExecutionThreadScoping(t *testing.T) {
	m := hlo.NewModule("threads")
	entry := m.NewComputation("entry")
	p := entry.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	toHost := entry.NewCustomCall(MoveToHostTarget, p.Shape(), p)
	toDevice := entry.NewCustomCall(MoveToDeviceTarget, toHost.Shape(), toHost)
	entry.SetRoot(toDevice)

	worker := m.NewComputation("worker").SetExecutionThread("host")
	q := worker.AddParameter("q", hlo.Make(dtypes.Float32, 4))
	workerHost := worker.NewCustomCall(MoveToHostTarget, q.Shape(), q)
	worker.SetRoot(worker.NewUnary(optypes.Negate, workerHost))

	changed, err := NewHostOffloader(testHostColor).Run(m, types.SetWith(hlo.MainExecutionThread))
	require.NoError(t, err)
	require.True(t, changed)

	// The entry thread was processed.
	assert.Equal(t, 0, countCustomCalls(entry, MoveToHostTarget))
	requireHostShape(t, p)
	// The worker thread was not: its (otherwise illegal) annotation is still
	// there and its layouts unchanged.
	assert.Equal(t, 1, countCustomCalls(worker, MoveToHostTarget))
	requireDeviceShape(t, q)
}

// A scheduled module has its sequences repaired: new copies ordered between
// their operands and users, removed annotations dropped.
func TestScheduleRepairAfterRun(t *testing.T) {
	m := hlo.NewModule("scheduled")
	c := m.NewComputation("entry")
	p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
	neg := c.NewUnary(optypes.Negate, p)
	toHost := c.NewCustomCall(MoveToHostTarget, neg.Shape(), neg)
	toDevice := c.NewCustomCall(MoveToDeviceTarget, toHost.Shape(), toHost)
	exp := c.NewUnary(optypes.Exp, toDevice)
	c.SetRoot(exp)
	m.SetSchedule(hlo.NewSchedule(m))

	changed, err := NewHostOffloader(testHostColor).Run(m, nil)
	require.NoError(t, err)
	require.True(t, changed)

	seq := m.Schedule().Sequence(c)
	require.Equal(t, c.NumInstructions(), len(seq))
	pos := make(map[*hlo.Instruction]int, len(seq))
	for ii, inst := range seq {
		require.NotContains(t, pos, inst)
		pos[inst] = ii
	}
	assert.NotContains(t, pos, toHost)
	assert.NotContains(t, pos, toDevice)
	// Operands always precede users.
	for _, inst := range seq {
		for _, operand := range inst.Operands() {
			assert.Less(t, pos[operand], pos[inst], "%s scheduled before its operand %s", inst.Name(), operand.Name())
		}
	}
}

// A single pass object may be reused across modules: state is reset per Run.
func TestPassReuse(t *testing.T) {
	pass := NewHostOffloader(testHostColor)
	for _, name := range []string{"first", "second"} {
		m := hlo.NewModule(name)
		c := m.NewComputation("entry")
		p := c.AddParameter("p", hlo.Make(dtypes.Float32, 4))
		toHost := c.NewCustomCall(MoveToHostTarget, p.Shape(), p)
		toDevice := c.NewCustomCall(MoveToDeviceTarget, toHost.Shape(), toHost)
		c.SetRoot(toDevice)

		changed, err := pass.Run(m, nil)
		require.NoError(t, err, "module %s", name)
		require.True(t, changed, "module %s", name)
		require.Equal(t, 1, countOps(c, optypes.Copy), "module %s", name)
	}
}

func TestPassName(t *testing.T) {
	assert.Equal(t, "host-offloader", NewHostOffloader(testHostColor).Name())
}
