package object

// UnitType is the type of the Unit singleton, the result of operations
// that produce no value (PRINT, a bare RET).
type UnitType struct{}

func (u *UnitType) Kind() Kind {
	return UNIT
}

func (u *UnitType) Inspect() string {
	return "()"
}

func (u *UnitType) String() string {
	return u.Inspect()
}

func (u *UnitType) Equals(other Value) bool {
	_, ok := other.(*UnitType)
	return ok
}

func (u *UnitType) IsTruthy() bool {
	return false
}
