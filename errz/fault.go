// Package errz defines the structured fault types surfaced by the CVM.
//
// The VM itself never formats or prints faults beyond the Error method;
// it reports structured data (kind, instruction offset, slot identity,
// call stack) and leaves rendering to the caller.
package errz

import "fmt"

// FaultKind represents the category of a fault.
type FaultKind int

const (
	// FaultMalformedModule indicates the module failed load-time validation.
	FaultMalformedModule FaultKind = iota
	// FaultDecode indicates an internal invariant violation in the decoder.
	FaultDecode
	// FaultStackUnderflow indicates an operand stack pop below frame base.
	FaultStackUnderflow
	// FaultStackOverflow indicates the recursion limit was exceeded.
	FaultStackOverflow
	// FaultArithmetic indicates division by zero or an invalid numeric op.
	FaultArithmetic
	// FaultType indicates an operation applied to a value of the wrong kind.
	FaultType
	// FaultUnresolvedSymbol indicates a reference to an unknown symbol.
	FaultUnresolvedSymbol
	// FaultUseAfterMove indicates a read of a slot in the Moved state.
	FaultUseAfterMove
	// FaultBorrowConflict indicates a move or mutation of a borrowed slot.
	FaultBorrowConflict
	// FaultDoubleBorrowMutable indicates a second borrow while a mutable
	// borrow is outstanding.
	FaultDoubleBorrowMutable
)

// String returns the string representation of the fault kind.
func (k FaultKind) String() string {
	switch k {
	case FaultMalformedModule:
		return "malformed module"
	case FaultDecode:
		return "decode error"
	case FaultStackUnderflow:
		return "stack underflow"
	case FaultStackOverflow:
		return "stack overflow"
	case FaultArithmetic:
		return "arithmetic error"
	case FaultType:
		return "type fault"
	case FaultUnresolvedSymbol:
		return "unresolved symbol"
	case FaultUseAfterMove:
		return "use after move"
	case FaultBorrowConflict:
		return "borrow conflict"
	case FaultDoubleBorrowMutable:
		return "double mutable borrow"
	default:
		return "fault"
	}
}

// SlotID identifies a local variable slot by frame depth and slot index.
type SlotID struct {
	Frame int
	Slot  int
}

func (s SlotID) String() string {
	return fmt.Sprintf("frame %d slot %d", s.Frame, s.Slot)
}

// StackFrame is one entry in a fault's captured call stack.
type StackFrame struct {
	Function string
	Offset   int
}

// Fault is a structured error describing why execution stopped. Every
// fault that occurs mid-run carries the byte offset of the offending
// instruction; ownership faults additionally carry the slot identity.
// HasSlot discriminates a real Slot value from the struct zero value,
// since frame 0 slot 0 is a legitimate slot.
type Fault struct {
	Kind    FaultKind
	Message string
	Offset  int
	Slot    SlotID
	HasSlot bool
	Stack   []StackFrame
	Cause   error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if !f.HasSlot {
		if f.Offset < 0 {
			return fmt.Sprintf("%s: %s", f.Kind, f.Message)
		}
		return fmt.Sprintf("%s: %s (offset %d)", f.Kind, f.Message, f.Offset)
	}
	return fmt.Sprintf("%s: %s (offset %d, %s)", f.Kind, f.Message, f.Offset, f.Slot)
}

// Unwrap returns the underlying cause of the fault.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Is supports errors.Is matching on a bare fault kind, so callers can
// write errors.Is(err, &errz.Fault{Kind: errz.FaultArithmetic}).
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == other.Kind && (other.Message == "" || other.Message == f.Message)
}

// WithCause attaches an underlying error to the fault.
func (f *Fault) WithCause(cause error) *Fault {
	f.Cause = cause
	return f
}

// New creates a fault with the given kind and message. The offset is set
// to -1, meaning no instruction offset applies (load-time faults).
func New(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Offset:  -1,
	}
}

// NewAt creates a fault attributed to the instruction at the given byte
// offset, with the captured call stack.
func NewAt(kind FaultKind, offset int, stack []StackFrame, format string, args ...any) *Fault {
	return &Fault{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Offset:  offset,
		Stack:   stack,
	}
}

// WithSlot attaches a slot identity to the fault.
func (f *Fault) WithSlot(slot SlotID) *Fault {
	f.Slot = slot
	f.HasSlot = true
	return f
}
