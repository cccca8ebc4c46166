package memory

import (
	"github.com/cvm-lang/cvm/object"
)

// HeapObject is a GC-managed allocation. The concrete types are Closure
// and Record; both expose the values they hold so the mark phase can
// trace references between heap objects.
type HeapObject interface {
	// Contents returns every value held by the object. Used by the
	// mark phase to follow Ref values into the arena.
	Contents() []object.Value
}

// Closure is a function paired with its captured environment.
type Closure struct {
	Function int // function table index
	Captures []object.Value
}

func (c *Closure) Contents() []object.Value {
	return c.Captures
}

// Record is a runtime-constructed aggregate of positional fields.
type Record struct {
	Fields []object.Value
}

func (r *Record) Contents() []object.Value {
	return r.Fields
}

// cell is one arena entry. The mark bit and generation tag belong to
// the collector; handles are stable because cells are reused in place.
type cell struct {
	obj        HeapObject
	mark       bool
	generation uint8
	dead       bool
}

// AllocClosure allocates a closure environment in the arena.
func (m *Manager) AllocClosure(function int, captures []object.Value) object.Handle {
	return m.alloc(&Closure{Function: function, Captures: captures})
}

// AllocRecord allocates a record aggregate in the arena.
func (m *Manager) AllocRecord(fields []object.Value) object.Handle {
	return m.alloc(&Record{Fields: fields})
}

func (m *Manager) alloc(obj HeapObject) object.Handle {
	m.allocs++
	m.live++
	if n := len(m.free); n > 0 {
		index := m.free[n-1]
		m.free = m.free[:n-1]
		m.heap[index] = cell{obj: obj}
		return object.Handle(index)
	}
	m.heap = append(m.heap, cell{obj: obj})
	return object.Handle(len(m.heap) - 1)
}

// Get returns the heap object named by the handle, or false if the
// handle does not name a live object.
func (m *Manager) Get(handle object.Handle) (HeapObject, bool) {
	index := int(handle)
	if index < 0 || index >= len(m.heap) || m.heap[index].dead || m.heap[index].obj == nil {
		return nil, false
	}
	return m.heap[index].obj, true
}

// Generation returns the number of collection cycles the object has
// survived, capped at 255, or false if the handle does not name a live
// object.
func (m *Manager) Generation(handle object.Handle) (uint8, bool) {
	index := int(handle)
	if index < 0 || index >= len(m.heap) || m.heap[index].dead || m.heap[index].obj == nil {
		return 0, false
	}
	return m.heap[index].generation, true
}

// LiveCount returns the number of live heap objects.
func (m *Manager) LiveCount() int {
	return m.live
}

// CollectDue reports whether enough allocations have accumulated since
// the last cycle that a collection should run at the next safe point.
func (m *Manager) CollectDue() bool {
	return m.allocs >= m.threshold
}

// Collect runs one mark-from-roots and sweep cycle. The roots callback
// must yield every value in the current root set: all frame local
// slots, the live operand stack and any heap-referencing constants. The
// root set is recomputed on every cycle, never cached across mutation.
//
// Collect must only be called at a safe point (frame pop, allocation
// threshold, final unwind); it is atomic with respect to the execution
// engine. Returns the number of objects reclaimed.
func (m *Manager) Collect(roots func(yield func(object.Value))) int {
	for i := range m.heap {
		m.heap[i].mark = false
	}

	roots(func(v object.Value) {
		m.markValue(v)
	})

	reclaimed := 0
	for i := range m.heap {
		c := &m.heap[i]
		if c.dead || c.obj == nil {
			continue
		}
		if c.mark {
			if c.generation < 255 {
				c.generation++
			}
			continue
		}
		c.obj = nil
		c.dead = true
		m.free = append(m.free, i)
		m.live--
		reclaimed++
	}
	m.allocs = 0

	m.logger.Debug().
		Int("reclaimed", reclaimed).
		Int("live", m.live).
		Msg("gc cycle complete")
	return reclaimed
}

// markValue follows a root into the arena and traces the object graph,
// iteratively so deeply nested structures cannot overflow the Go stack.
func (m *Manager) markValue(v object.Value) {
	ref, ok := v.(*object.Ref)
	if !ok {
		return
	}
	pending := []object.Handle{ref.Handle()}
	for len(pending) > 0 {
		handle := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		index := int(handle)
		if index < 0 || index >= len(m.heap) {
			continue
		}
		c := &m.heap[index]
		if c.dead || c.obj == nil || c.mark {
			continue
		}
		c.mark = true
		for _, held := range c.obj.Contents() {
			if childRef, ok := held.(*object.Ref); ok {
				pending = append(pending, childRef.Handle())
			}
		}
	}
}
