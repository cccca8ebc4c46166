package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/cvm-lang/cvm/op"
)

// Assembler builds a Module instruction by instruction. The source
// language compiler is an external collaborator; the assembler exists so
// modules can be constructed programmatically in tests, fixtures and
// examples. Constants are deduplicated, labels are resolved to absolute
// byte offsets, and Assemble runs the full load-time validation.
type Assembler struct {
	stream    []byte
	constants []any
	constIdx  map[any]int
	functions []FunctionInfo
	symbols   map[string]int
	labels    []int   // label id -> bound offset, or -1
	patches   []patch // sites awaiting label resolution
	err       error
}

type patch struct {
	pos   int // offset of the u32 operand in the stream
	label Label
}

// Label identifies a forward or backward jump target.
type Label int

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		constIdx: map[any]int{},
		symbols:  map[string]int{},
	}
}

// Function begins a new function at the current offset and adds it to
// the function table and the symbol table. Instructions emitted after
// this call belong to the function, until the next Function call.
func (a *Assembler) Function(name string, arity, locals int) {
	index := len(a.functions)
	a.functions = append(a.functions, FunctionInfo{
		Name:   name,
		Entry:  len(a.stream),
		Arity:  arity,
		Locals: locals,
	})
	if name != "" {
		a.symbols[name] = index
	}
}

// Constant adds a literal to the constant pool, deduplicating equal
// values, and returns its index.
func (a *Assembler) Constant(value any) int {
	switch v := value.(type) {
	case int64, float64, string, bool:
	case int:
		value = int64(v)
	default:
		a.fail("unsupported constant type %T", value)
		return 0
	}
	if index, ok := a.constIdx[value]; ok {
		return index
	}
	index := len(a.constants)
	a.constants = append(a.constants, value)
	a.constIdx[value] = index
	return index
}

// Emit appends an instruction. Operand counts and widths must match the
// opcode's declared layout.
func (a *Assembler) Emit(opcode op.Code, operands ...int) {
	info := op.GetInfo(opcode)
	if !info.Valid() {
		a.fail("unknown opcode 0x%02x", byte(opcode))
		return
	}
	if len(operands) != len(info.Operands) {
		a.fail("%s takes %d operands, got %d", info.Name, len(info.Operands), len(operands))
		return
	}
	a.stream = append(a.stream, byte(opcode))
	for i, operand := range operands {
		switch info.Operands[i] {
		case op.Width16:
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(operand))
			a.stream = append(a.stream, b[:]...)
		case op.Width32:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(operand))
			a.stream = append(a.stream, b[:]...)
		}
	}
}

// LoadConst emits LOAD_CONST for the given literal, interning it in the
// constant pool.
func (a *Assembler) LoadConst(value any) {
	a.Emit(op.LoadConst, a.Constant(value))
}

// NewLabel creates an unbound jump target.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind attaches the label to the current offset.
func (a *Assembler) Bind(label Label) {
	if a.labels[label] != -1 {
		a.fail("label %d bound twice", label)
		return
	}
	a.labels[label] = len(a.stream)
}

// Jump emits JUMP to the given label.
func (a *Assembler) Jump(label Label) {
	a.emitJump(op.Jump, label)
}

// JumpIf emits JUMP_IF to the given label.
func (a *Assembler) JumpIf(label Label) {
	a.emitJump(op.JumpIf, label)
}

func (a *Assembler) emitJump(opcode op.Code, label Label) {
	a.Emit(opcode, 0)
	a.patches = append(a.patches, patch{pos: len(a.stream) - 4, label: label})
}

// Assemble resolves labels, builds the module and runs load-time
// validation.
func (a *Assembler) Assemble() (*Module, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, p := range a.patches {
		target := a.labels[p.label]
		if target == -1 {
			return nil, fmt.Errorf("label %d is never bound", p.label)
		}
		binary.LittleEndian.PutUint32(a.stream[p.pos:], uint32(target))
	}
	return New(ModuleParams{
		Instructions: a.stream,
		Constants:    a.constants,
		Functions:    a.functions,
		Symbols:      a.symbols,
	})
}

// fail records the first assembly error; Assemble reports it.
func (a *Assembler) fail(format string, args ...any) {
	if a.err == nil {
		a.err = fmt.Errorf("assembler: "+format, args...)
	}
}
