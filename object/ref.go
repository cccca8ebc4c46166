package object

import "fmt"

// Ref is a reference to a heap-managed object, identified by its stable
// arena handle. Refs are owned values subject to move semantics; the
// referenced object itself is reclaimed only by the collector.
type Ref struct {
	handle Handle
}

func (r *Ref) Kind() Kind {
	return REF
}

// Handle returns the arena handle of the referenced heap object.
func (r *Ref) Handle() Handle {
	return r.handle
}

func (r *Ref) Inspect() string {
	return fmt.Sprintf("ref(%d)", r.handle)
}

func (r *Ref) String() string {
	return r.Inspect()
}

func (r *Ref) Equals(other Value) bool {
	if other, ok := other.(*Ref); ok {
		return r.handle == other.handle
	}
	return false
}

func (r *Ref) IsTruthy() bool {
	return true
}

// NewRef returns a *Ref for the given heap handle.
func NewRef(handle Handle) *Ref {
	return &Ref{handle: handle}
}
