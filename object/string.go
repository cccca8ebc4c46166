package object

import "fmt"

// String wraps string and implements the Value interface. Strings are
// owned values: loading one out of a slot transfers ownership and marks
// the source slot Moved.
type String struct {
	value string
}

func (s *String) Kind() Kind {
	return STRING
}

func (s *String) Value() string {
	return s.value
}

func (s *String) Inspect() string {
	return fmt.Sprintf("%q", s.value)
}

func (s *String) String() string {
	return s.value
}

func (s *String) Equals(other Value) bool {
	if other, ok := other.(*String); ok {
		return s.value == other.value
	}
	return false
}

func (s *String) IsTruthy() bool {
	return s.value != ""
}

// NewString returns a *String for the given value.
func NewString(value string) *String {
	return &String{value: value}
}
