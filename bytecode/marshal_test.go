package bytecode

import (
	"testing"

	"github.com/cvm-lang/cvm/op"
	"github.com/stretchr/testify/require"
)

func buildFixture(t *testing.T) *Module {
	t.Helper()
	a := NewAssembler()
	a.Function("main", 0, 1)
	a.LoadConst("hello")
	a.Emit(op.StoreLocal, 0)
	a.LoadConst(int64(2))
	a.LoadConst(3.5)
	a.Emit(op.Mul)
	a.Emit(op.Print)
	a.Emit(op.Call, 1)
	a.Emit(op.Ret)
	a.Function("answer", 0, 0)
	a.LoadConst(int64(42))
	a.Emit(op.Ret)
	m, err := a.Assemble()
	require.Nil(t, err)
	return m
}

func TestMarshalRoundTrip(t *testing.T) {
	m := buildFixture(t)
	data, err := Marshal(m)
	require.Nil(t, err)
	require.Equal(t, []byte("CVMB"), data[:4])

	loaded, err := Unmarshal(data)
	require.Nil(t, err)
	require.Equal(t, m.InstructionBytes(), loaded.InstructionBytes())
	require.Equal(t, m.ConstantCount(), loaded.ConstantCount())
	require.Equal(t, m.FunctionCount(), loaded.FunctionCount())
	for i := 0; i < m.ConstantCount(); i++ {
		require.Equal(t, m.ConstantAt(i), loaded.ConstantAt(i))
	}
	for i := 0; i < m.FunctionCount(); i++ {
		require.Equal(t, m.FunctionAt(i), loaded.FunctionAt(i))
	}
	index, err := loaded.LookupSymbol("answer")
	require.Nil(t, err)
	require.Equal(t, 1, index)

	// Each load gets its own identity
	require.NotEqual(t, m.ID(), loaded.ID())
}

func TestUnmarshalBadMagic(t *testing.T) {
	_, err := Unmarshal([]byte("NOPE\x01"))
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "bad magic number")
}

func TestUnmarshalBadVersion(t *testing.T) {
	_, err := Unmarshal([]byte("CVMB\x09"))
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "unsupported version")
}

func TestUnmarshalTruncated(t *testing.T) {
	m := buildFixture(t)
	data, err := Marshal(m)
	require.Nil(t, err)
	_, err = Unmarshal(data[:len(data)-3])
	require.NotNil(t, err)
}

func TestUnmarshalTrailingBytes(t *testing.T) {
	m := buildFixture(t)
	data, err := Marshal(m)
	require.Nil(t, err)
	_, err = Unmarshal(append(data, 0x00))
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "trailing bytes")
}
