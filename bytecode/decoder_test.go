package bytecode

import (
	"errors"
	"testing"

	"github.com/cvm-lang/cvm/errz"
	"github.com/cvm-lang/cvm/op"
	"github.com/stretchr/testify/require"
)

func TestDecodeAt(t *testing.T) {
	// LOAD_CONST 258; JUMP 7; RET
	stream := []byte{
		byte(op.LoadConst), 0x02, 0x01,
		byte(op.Jump), 0x07, 0x00, 0x00, 0x00,
		byte(op.Ret),
	}
	d := NewDecoder(stream)
	require.Equal(t, len(stream), d.Len())

	instr, err := d.DecodeAt(0)
	require.Nil(t, err)
	require.Equal(t, op.LoadConst, instr.Opcode)
	require.Equal(t, []uint32{258}, instr.Operands)
	require.Equal(t, 3, instr.Width)
	require.Equal(t, 3, instr.Next())

	instr, err = d.DecodeAt(3)
	require.Nil(t, err)
	require.Equal(t, op.Jump, instr.Opcode)
	require.Equal(t, []uint32{7}, instr.Operands)
	require.Equal(t, 8, instr.Next())

	instr, err = d.DecodeAt(8)
	require.Nil(t, err)
	require.Equal(t, op.Ret, instr.Opcode)
	require.Empty(t, instr.Operands)
}

func TestDecodeUnknownOpcode(t *testing.T) {
	d := NewDecoder([]byte{0xEE})
	_, err := d.DecodeAt(0)
	require.NotNil(t, err)
	require.True(t, errors.Is(err, &errz.Fault{Kind: errz.FaultDecode}))
}

func TestDecodeTruncatedOperand(t *testing.T) {
	d := NewDecoder([]byte{byte(op.LoadConst), 0x01})
	_, err := d.DecodeAt(0)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "truncated instruction LOAD_CONST")
}

func TestDecodeOffsetOutOfRange(t *testing.T) {
	d := NewDecoder([]byte{byte(op.Ret)})
	_, err := d.DecodeAt(5)
	require.NotNil(t, err)
	_, err = d.DecodeAt(-1)
	require.NotNil(t, err)
}

func TestMakeClosureDecode(t *testing.T) {
	stream := []byte{byte(op.MakeClosure), 0x03, 0x00, 0x02, 0x00}
	instr, err := NewDecoder(stream).DecodeAt(0)
	require.Nil(t, err)
	require.Equal(t, []uint32{3, 2}, instr.Operands)
	require.Equal(t, 5, instr.Width)
}
