// Package object provides the closed set of CVM runtime value types.
//
// A Value is typically type asserted to a specific type, for example:
//
//	switch v := v.(type) {
//	case *object.String:
//		// do something with v.Value()
//	case *object.Float:
//		// do something with v.Value()
//	}
//
// The Kind() method of each value may also be used to switch on the
// value's tag, such as "int" or "string".
package object

// Kind of a value as a string.
type Kind string

// Kind constants. This is a closed set: the VM's opcode handlers switch
// exhaustively on these tags.
const (
	INT    Kind = "int"
	FLOAT  Kind = "float"
	BOOL   Kind = "bool"
	STRING Kind = "string"
	REF    Kind = "ref"
	UNIT   Kind = "unit"
)

// Handle is a stable index into the heap arena. Handles stay valid for
// the lifetime of the object they name, regardless of collection cycles
// for other objects.
type Handle int

// NilHandle is the zero value for a handle and never names a live object.
const NilHandle Handle = -1

// Value is the interface implemented by all CVM runtime values.
type Value interface {
	// Kind of the value.
	Kind() Kind

	// Inspect returns a string representation of the value.
	Inspect() string

	// Equals returns true if the given value is equal to this value.
	Equals(other Value) bool

	// IsTruthy returns true if the value is considered "truthy".
	IsTruthy() bool
}

// Owned reports whether a value is subject to ownership rules when it
// crosses slots or frames. Scalars are copied; strings and heap
// references move.
func Owned(v Value) bool {
	switch v.Kind() {
	case STRING, REF:
		return true
	default:
		return false
	}
}

var (
	Unit  = &UnitType{}
	True  = &Bool{value: true}
	False = &Bool{value: false}
)
