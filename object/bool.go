package object

// Bool wraps bool and implements the Value interface. The singletons
// True and False are the only two Bool values in circulation.
type Bool struct {
	value bool
}

func (b *Bool) Kind() Kind {
	return BOOL
}

func (b *Bool) Value() bool {
	return b.value
}

func (b *Bool) Inspect() string {
	if b.value {
		return "true"
	}
	return "false"
}

func (b *Bool) String() string {
	return b.Inspect()
}

func (b *Bool) Equals(other Value) bool {
	return b == other
}

func (b *Bool) IsTruthy() bool {
	return b.value
}

// NewBool returns the singleton Bool for the given value.
func NewBool(value bool) *Bool {
	if value {
		return True
	}
	return False
}

// Not returns the inverse of the given Bool.
func Not(b *Bool) *Bool {
	if b.value {
		return False
	}
	return True
}
