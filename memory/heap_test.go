package memory

import (
	"testing"

	"github.com/cvm-lang/cvm/object"
	"github.com/stretchr/testify/require"
)

func noRoots(yield func(object.Value)) {}

func TestAllocAndGet(t *testing.T) {
	m := NewManager()
	handle := m.AllocRecord([]object.Value{object.NewInt(1), object.NewString("x")})
	obj, ok := m.Get(handle)
	require.True(t, ok)
	record, ok := obj.(*Record)
	require.True(t, ok)
	require.Len(t, record.Fields, 2)
	require.Equal(t, 1, m.LiveCount())

	_, ok = m.Get(object.Handle(99))
	require.False(t, ok)
	_, ok = m.Get(object.NilHandle)
	require.False(t, ok)
}

func TestCollectUnreachable(t *testing.T) {
	m := NewManager()
	kept := m.AllocRecord([]object.Value{object.NewInt(1)})
	m.AllocRecord([]object.Value{object.NewInt(2)})
	m.AllocClosure(0, nil)
	require.Equal(t, 3, m.LiveCount())

	reclaimed := m.Collect(func(yield func(object.Value)) {
		yield(object.NewRef(kept))
	})
	require.Equal(t, 2, reclaimed)
	require.Equal(t, 1, m.LiveCount())

	_, ok := m.Get(kept)
	require.True(t, ok)
}

func TestCollectFollowsReferences(t *testing.T) {
	m := NewManager()
	inner := m.AllocRecord([]object.Value{object.NewString("deep")})
	outer := m.AllocClosure(2, []object.Value{object.NewRef(inner)})

	reclaimed := m.Collect(func(yield func(object.Value)) {
		yield(object.NewRef(outer))
	})
	require.Equal(t, 0, reclaimed)
	_, ok := m.Get(inner)
	require.True(t, ok)

	closure, ok := m.Get(outer)
	require.True(t, ok)
	require.Equal(t, 2, closure.(*Closure).Function)
}

func TestCollectCycle(t *testing.T) {
	// Two records referencing each other are unreachable from the
	// roots; reference counting could not reclaim this, marking can.
	m := NewManager()
	a := m.AllocRecord(nil)
	b := m.AllocRecord([]object.Value{object.NewRef(a)})
	recA, _ := m.Get(a)
	recA.(*Record).Fields = []object.Value{object.NewRef(b)}

	reclaimed := m.Collect(noRoots)
	require.Equal(t, 2, reclaimed)
	require.Equal(t, 0, m.LiveCount())
}

func TestHandleReuseAfterSweep(t *testing.T) {
	m := NewManager()
	first := m.AllocRecord(nil)
	m.Collect(noRoots)
	_, ok := m.Get(first)
	require.False(t, ok)

	second := m.AllocRecord(nil)
	require.Equal(t, first, second) // cell reused, handle recycled
	_, ok = m.Get(second)
	require.True(t, ok)
}

func TestGenerationAging(t *testing.T) {
	m := NewManager()
	h := m.AllocRecord(nil)
	gen, ok := m.Generation(h)
	require.True(t, ok)
	require.Equal(t, uint8(0), gen)
	for i := 0; i < 3; i++ {
		m.Collect(func(yield func(object.Value)) {
			yield(object.NewRef(h))
		})
	}
	gen, ok = m.Generation(h)
	require.True(t, ok)
	require.Equal(t, uint8(3), gen)

	// Out-of-range and swept handles report not-ok instead of panicking.
	_, ok = m.Generation(object.Handle(99))
	require.False(t, ok)
	_, ok = m.Generation(object.NilHandle)
	require.False(t, ok)
	m.Collect(noRoots)
	_, ok = m.Generation(h)
	require.False(t, ok)
}

func TestCollectDueThreshold(t *testing.T) {
	m := NewManager(WithGCThreshold(2))
	require.False(t, m.CollectDue())
	m.AllocRecord(nil)
	require.False(t, m.CollectDue())
	m.AllocRecord(nil)
	require.True(t, m.CollectDue())

	m.Collect(noRoots)
	require.False(t, m.CollectDue()) // counter reset by the cycle
}

func TestRootsYieldingScalarsIsHarmless(t *testing.T) {
	m := NewManager()
	h := m.AllocRecord(nil)
	reclaimed := m.Collect(func(yield func(object.Value)) {
		yield(object.NewInt(3))
		yield(object.NewString("not a ref"))
		yield(object.NewRef(h))
	})
	require.Equal(t, 0, reclaimed)
}
