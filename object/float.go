package object

import "strconv"

// Float wraps float64 and implements the Value interface.
type Float struct {
	value float64
}

func (f *Float) Kind() Kind {
	return FLOAT
}

func (f *Float) Value() float64 {
	return f.value
}

func (f *Float) Inspect() string {
	return strconv.FormatFloat(f.value, 'g', -1, 64)
}

func (f *Float) String() string {
	return f.Inspect()
}

func (f *Float) Equals(other Value) bool {
	switch other := other.(type) {
	case *Float:
		return f.value == other.value
	case *Int:
		return f.value == float64(other.value)
	}
	return false
}

func (f *Float) IsTruthy() bool {
	return f.value != 0
}

// NewFloat returns a *Float for the given value.
func NewFloat(value float64) *Float {
	return &Float{value: value}
}
