package object

import (
	"github.com/cvm-lang/cvm/errz"
	"github.com/cvm-lang/cvm/op"
)

// BinaryOp applies an arithmetic opcode to two values. Operands pop in
// right-to-left order, so the caller's first pop is the right operand
// and its second pop is the left. Division by zero returns an
// arithmetic fault rather than a silent NaN or Inf.
//
// Numeric operands mix: int op float promotes to float. ADD on two
// strings concatenates into a fresh owned string. Everything else is a
// type fault.
func BinaryOp(opcode op.Code, left, right Value) (Value, error) {
	switch left := left.(type) {
	case *Int:
		switch right := right.(type) {
		case *Int:
			return intOp(opcode, left.value, right.value)
		case *Float:
			return floatOp(opcode, float64(left.value), right.value)
		}
	case *Float:
		switch right := right.(type) {
		case *Int:
			return floatOp(opcode, left.value, float64(right.value))
		case *Float:
			return floatOp(opcode, left.value, right.value)
		}
	case *String:
		if right, ok := right.(*String); ok && opcode == op.Add {
			return NewString(left.value + right.value), nil
		}
	}
	return nil, errz.New(errz.FaultType, "unsupported operands for %s: %s and %s",
		opcode, left.Kind(), right.Kind())
}

func intOp(opcode op.Code, left, right int64) (Value, error) {
	switch opcode {
	case op.Add:
		return NewInt(left + right), nil
	case op.Sub:
		return NewInt(left - right), nil
	case op.Mul:
		return NewInt(left * right), nil
	case op.Div:
		if right == 0 {
			return nil, errz.New(errz.FaultArithmetic, "division by zero")
		}
		return NewInt(left / right), nil
	default:
		return nil, errz.New(errz.FaultType, "not an arithmetic opcode: %s", opcode)
	}
}

func floatOp(opcode op.Code, left, right float64) (Value, error) {
	switch opcode {
	case op.Add:
		return NewFloat(left + right), nil
	case op.Sub:
		return NewFloat(left - right), nil
	case op.Mul:
		return NewFloat(left * right), nil
	case op.Div:
		if right == 0 {
			return nil, errz.New(errz.FaultArithmetic, "division by zero")
		}
		return NewFloat(left / right), nil
	default:
		return nil, errz.New(errz.FaultType, "not an arithmetic opcode: %s", opcode)
	}
}
