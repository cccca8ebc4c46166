package object

import "strconv"

// Int wraps int64 and implements the Value interface.
// Int is immutable: the value is set at construction and cannot change.
type Int struct {
	value int64
}

func (i *Int) Kind() Kind {
	return INT
}

func (i *Int) Value() int64 {
	return i.value
}

func (i *Int) Inspect() string {
	return strconv.FormatInt(i.value, 10)
}

func (i *Int) String() string {
	return i.Inspect()
}

func (i *Int) Equals(other Value) bool {
	switch other := other.(type) {
	case *Int:
		return i.value == other.value
	case *Float:
		return float64(i.value) == other.value
	}
	return false
}

func (i *Int) IsTruthy() bool {
	return i.value != 0
}

// NewInt returns an *Int for the given value. Small integers (-10 to 255)
// are returned from a pre-allocated cache, so the same pointer may be
// returned for equal values. This is safe because Int is immutable.
func NewInt(value int64) *Int {
	if value >= 0 && value < positiveCacheSize {
		return positiveCache[value]
	}
	if value < 0 && value >= -negativeCacheSize {
		return negativeCache[-value-1]
	}
	return &Int{value: value}
}

// Int caches hold pre-allocated Int values for small integers. The caches
// are initialized once at package load time and are read-only thereafter,
// making them safe for concurrent use across multiple VMs.
const (
	positiveCacheSize = 256 // 0 to 255
	negativeCacheSize = 10  // -1 to -10
)

var (
	positiveCache []*Int
	negativeCache []*Int
)

func init() {
	positiveCache = make([]*Int, positiveCacheSize)
	for i := 0; i < positiveCacheSize; i++ {
		positiveCache[i] = &Int{value: int64(i)}
	}
	negativeCache = make([]*Int, negativeCacheSize)
	for i := 0; i < negativeCacheSize; i++ {
		negativeCache[i] = &Int{value: int64(-i - 1)}
	}
}
