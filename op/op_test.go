package op

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo(LoadConst)
	require.True(t, info.Valid())
	require.Equal(t, "LOAD_CONST", info.Name)
	require.Equal(t, LoadConst, info.Code)
	require.Equal(t, []Width{Width16}, info.Operands)
	require.Equal(t, 3, info.InstructionWidth())
}

func TestJumpOperandWidth(t *testing.T) {
	// Jump targets are u32 absolute offsets
	for _, code := range []Code{Jump, JumpIf} {
		info := GetInfo(code)
		require.True(t, info.Valid())
		require.Equal(t, []Width{Width32}, info.Operands)
		require.Equal(t, 5, info.InstructionWidth())
	}
}

func TestZeroOperandOpcodes(t *testing.T) {
	for _, code := range []Code{Nop, Halt, Add, Sub, Mul, Div, Print, PopTop, Ret, UnsafeEnter, UnsafeExit} {
		info := GetInfo(code)
		require.True(t, info.Valid(), "opcode %d should be valid", code)
		require.Len(t, info.Operands, 0)
		require.Equal(t, 1, info.InstructionWidth())
	}
}

func TestInvalidOpcode(t *testing.T) {
	info := GetInfo(Code(0xFF))
	require.False(t, info.Valid())
	require.Equal(t, "INVALID", Code(0xFF).String())
}

func TestMakeClosureOperands(t *testing.T) {
	info := GetInfo(MakeClosure)
	require.Equal(t, []Width{Width16, Width16}, info.Operands)
	require.Equal(t, 5, info.InstructionWidth())
}
