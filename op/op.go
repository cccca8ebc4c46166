// Package op defines opcodes used by the CVM and its bytecode tooling.
package op

// Code is a one-byte opcode that indicates an operation to execute.
type Code uint8

const (
	Invalid Code = 0x00

	// Execution
	Nop  Code = 0x01
	Halt Code = 0x02

	// Load / store
	LoadConst  Code = 0x10
	LoadLocal  Code = 0x11
	StoreLocal Code = 0x12
	Borrow     Code = 0x13
	BorrowMut  Code = 0x14

	// Arithmetic
	Add Code = 0x20
	Sub Code = 0x21
	Mul Code = 0x22
	Div Code = 0x23

	// Effects and stack
	Print  Code = 0x30
	PopTop Code = 0x31

	// Control flow. Jump targets are absolute byte offsets into the
	// instruction stream, validated at load time.
	Jump   Code = 0x40
	JumpIf Code = 0x41

	// Calls
	Call Code = 0x50
	Ret  Code = 0x51

	// Heap allocation
	MakeClosure Code = 0x60
	CallValue   Code = 0x61
	MakeRecord  Code = 0x62

	// Unsafe regions suppress ownership checks for their lexical extent.
	UnsafeEnter Code = 0x70
	UnsafeExit  Code = 0x71
)

// Width is the encoded size in bytes of a single operand.
type Width int

const (
	Width16 Width = 2
	Width32 Width = 4
)

// Info contains information about an opcode, including the width of each
// of its operands. Operand widths are fixed per opcode, not per instance.
type Info struct {
	Code     Code
	Name     string
	Operands []Width
}

// Valid reports whether the opcode is a known instruction.
func (i Info) Valid() bool {
	return i.Name != ""
}

// InstructionWidth returns the full encoded width of an instruction with
// this opcode: one byte for the opcode plus the width of each operand.
func (i Info) InstructionWidth() int {
	width := 1
	for _, w := range i.Operands {
		width += int(w)
	}
	return width
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op       Code
		name     string
		operands []Width
	}
	ops := []opInfo{
		{Nop, "NOP", nil},
		{Halt, "HALT", nil},
		{LoadConst, "LOAD_CONST", []Width{Width16}},
		{LoadLocal, "LOAD_LOCAL", []Width{Width16}},
		{StoreLocal, "STORE_LOCAL", []Width{Width16}},
		{Borrow, "BORROW", []Width{Width16}},
		{BorrowMut, "BORROW_MUT", []Width{Width16}},
		{Add, "ADD", nil},
		{Sub, "SUB", nil},
		{Mul, "MUL", nil},
		{Div, "DIV", nil},
		{Print, "PRINT", nil},
		{PopTop, "POP_TOP", nil},
		{Jump, "JUMP", []Width{Width32}},
		{JumpIf, "JUMP_IF", []Width{Width32}},
		{Call, "CALL", []Width{Width16}},
		{Ret, "RET", nil},
		{MakeClosure, "MAKE_CLOSURE", []Width{Width16, Width16}},
		{CallValue, "CALL_VALUE", []Width{Width16}},
		{MakeRecord, "MAKE_RECORD", []Width{Width16}},
		{UnsafeEnter, "UNSAFE_ENTER", nil},
		{UnsafeExit, "UNSAFE_EXIT", nil},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Code:     o.op,
			Name:     o.name,
			Operands: o.operands,
		}
	}
}

// GetInfo returns information about the given opcode. The returned Info
// has an empty Name if the opcode is unknown.
func GetInfo(op Code) Info {
	return infos[op]
}

// String returns the mnemonic for the opcode.
func (c Code) String() string {
	info := infos[c]
	if info.Name == "" {
		return "INVALID"
	}
	return info.Name
}
