package bytecode

import (
	"encoding/binary"

	"github.com/cvm-lang/cvm/errz"
	"github.com/cvm-lang/cvm/op"
)

// Instruction is one decoded instruction: the opcode, its operand values
// and the byte offset and width of its encoding.
type Instruction struct {
	Offset   int
	Opcode   op.Code
	Operands []uint32
	Width    int
}

// Next returns the byte offset of the instruction that follows this one.
func (i Instruction) Next() int {
	return i.Offset + i.Width
}

// Decoder turns a byte offset into an opcode plus typed operands in O(1).
// All multi-byte operands are little-endian. Operand widths (u16 or u32)
// are declared per opcode in the op package.
//
// A decode failure on a loaded Module can only occur if the loader's
// validation was bypassed, so it is treated as a VM-internal invariant
// violation, not a user-facing recoverable condition.
type Decoder struct {
	stream []byte
}

// NewDecoder returns a decoder over a raw instruction stream. Callers
// normally obtain a decoder from Module.Decoder instead.
func NewDecoder(stream []byte) *Decoder {
	return &Decoder{stream: stream}
}

// Len returns the size of the underlying instruction stream in bytes.
func (d *Decoder) Len() int {
	return len(d.stream)
}

// DecodeAt decodes the instruction starting at the given byte offset.
func (d *Decoder) DecodeAt(offset int) (Instruction, error) {
	if offset < 0 || offset >= len(d.stream) {
		return Instruction{}, errz.NewAt(errz.FaultDecode, offset, nil,
			"instruction offset %d out of range [0,%d)", offset, len(d.stream))
	}
	opcode := op.Code(d.stream[offset])
	info := op.GetInfo(opcode)
	if !info.Valid() {
		return Instruction{}, errz.NewAt(errz.FaultDecode, offset, nil,
			"unknown opcode 0x%02x", byte(opcode))
	}
	width := info.InstructionWidth()
	if offset+width > len(d.stream) {
		return Instruction{}, errz.NewAt(errz.FaultDecode, offset, nil,
			"truncated instruction %s: need %d bytes, have %d",
			info.Name, width, len(d.stream)-offset)
	}
	instr := Instruction{
		Offset: offset,
		Opcode: opcode,
		Width:  width,
	}
	if count := len(info.Operands); count > 0 {
		instr.Operands = make([]uint32, count)
		pos := offset + 1
		for i, w := range info.Operands {
			switch w {
			case op.Width16:
				instr.Operands[i] = uint32(binary.LittleEndian.Uint16(d.stream[pos:]))
			case op.Width32:
				instr.Operands[i] = binary.LittleEndian.Uint32(d.stream[pos:])
			}
			pos += int(w)
		}
	}
	return instr, nil
}
