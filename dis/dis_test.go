package dis

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/cvm-lang/cvm/bytecode"
	"github.com/cvm-lang/cvm/op"
)

func testModule(t *testing.T) *bytecode.Module {
	t.Helper()
	a := bytecode.NewAssembler()
	a.Function("main", 0, 1)
	a.LoadConst(1)
	a.LoadConst(2)
	a.Emit(op.Add)
	a.Emit(op.StoreLocal, 0)
	a.Emit(op.LoadLocal, 0)
	a.Emit(op.Call, 1)
	a.Emit(op.Print)
	a.Emit(op.Halt)
	a.Function("double", 1, 1)
	a.Emit(op.LoadLocal, 0)
	a.Emit(op.LoadLocal, 0)
	a.Emit(op.Add)
	a.Emit(op.Ret)
	m, err := a.Assemble()
	require.NoError(t, err)
	return m
}

func TestDisassemble(t *testing.T) {
	m := testModule(t)
	instructions, err := Disassemble(m)
	require.NoError(t, err)
	require.Len(t, instructions, 12)

	first := instructions[0]
	require.Equal(t, "LOAD_CONST", first.Name)
	require.Equal(t, op.LoadConst, first.Opcode)
	require.Equal(t, int64(1), first.Constant)
	require.Equal(t, "1", first.Annotation)
	require.Equal(t, "func:main/0", first.Function)

	store := instructions[3]
	require.Equal(t, "STORE_LOCAL", store.Name)
	require.Equal(t, "slot_0", store.Annotation)

	call := instructions[5]
	require.Equal(t, "CALL", call.Name)
	require.Equal(t, "func:double/1", call.Annotation)

	// The second function's first instruction carries its label.
	require.Equal(t, "func:double/1", instructions[8].Function)
	require.Equal(t, "LOAD_LOCAL", instructions[8].Name)
}

func TestDisassembleFunction(t *testing.T) {
	m := testModule(t)
	instructions, err := DisassembleFunction(m, 1)
	require.NoError(t, err)
	require.Len(t, instructions, 4)
	require.Equal(t, "RET", instructions[3].Name)

	_, err = DisassembleFunction(m, 9)
	require.Error(t, err)
}

func TestPrint(t *testing.T) {
	restore := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = restore }()

	m := testModule(t)
	instructions, err := Disassemble(m)
	require.NoError(t, err)

	var buf bytes.Buffer
	Print(instructions, &buf)
	output := buf.String()
	require.Contains(t, output, "OFFSET")
	require.Contains(t, output, "LOAD_CONST")
	require.Contains(t, output, "func:double/1")
	require.Contains(t, output, "slot_0")
}
