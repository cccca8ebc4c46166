// Package bytecode defines the loaded unit executed by the CVM: the
// instruction stream, constant pool, function table and symbol table.
//
// A Module is immutable once loaded and safe to share across VM
// instances without copying. All operand and target validation happens
// here at load time, so runtime faults are exhaustively logic-error
// signals rather than format-error signals.
package bytecode

import (
	"github.com/cvm-lang/cvm/errz"
	"github.com/gofrs/uuid"
)

// FunctionInfo describes one entry in the function table: where the
// function's body begins in the instruction stream, how many arguments
// it takes and how many local slots its frame needs.
type FunctionInfo struct {
	Name   string
	Entry  int
	Arity  int
	Locals int
}

// Module is a loaded bytecode unit. It is immutable after creation and
// safe for concurrent use by multiple VM instances.
type Module struct {
	id           string
	instructions []byte
	constants    []any
	functions    []FunctionInfo
	symbols      map[string]int

	// extents[i] is the end offset (exclusive) of function i's body,
	// computed at load time from the sorted function entries.
	extents []int
}

// ModuleParams contains parameters for creating a new Module.
type ModuleParams struct {
	Instructions []byte
	Constants    []any
	Functions    []FunctionInfo
	Symbols      map[string]int
}

// New validates the given module contents and returns an immutable
// Module. Input slices are copied. If any operand, jump target or table
// entry is invalid, New fails with a MalformedModule fault naming the
// first invalid offset or index; nothing is loaded partially.
func New(params ModuleParams) (*Module, error) {
	symbols := make(map[string]int, len(params.Symbols))
	for name, index := range params.Symbols {
		symbols[name] = index
	}
	m := &Module{
		instructions: append([]byte(nil), params.Instructions...),
		constants:    append([]any(nil), params.Constants...),
		functions:    append([]FunctionInfo(nil), params.Functions...),
		symbols:      symbols,
	}
	if err := m.verify(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errz.New(errz.FaultMalformedModule, "module id: %v", err).WithCause(err)
	}
	m.id = id.String()
	return m, nil
}

// ID returns the unique identifier assigned to this module at load time.
func (m *Module) ID() string {
	return m.id
}

// InstructionBytes returns the size of the instruction stream in bytes.
func (m *Module) InstructionBytes() int {
	return len(m.instructions)
}

// ConstantCount returns the number of constants in the pool.
func (m *Module) ConstantCount() int {
	return len(m.constants)
}

// ConstantAt returns the constant at the given index.
func (m *Module) ConstantAt(index int) any {
	return m.constants[index]
}

// FunctionCount returns the number of function table entries.
func (m *Module) FunctionCount() int {
	return len(m.functions)
}

// FunctionAt returns the function table entry at the given index.
func (m *Module) FunctionAt(index int) FunctionInfo {
	return m.functions[index]
}

// FunctionExtent returns the half-open byte range of the function's body
// in the instruction stream.
func (m *Module) FunctionExtent(index int) (start, end int) {
	return m.functions[index].Entry, m.extents[index]
}

// LookupSymbol resolves an exported symbol name to its function index.
func (m *Module) LookupSymbol(name string) (int, error) {
	index, ok := m.symbols[name]
	if !ok {
		return 0, errz.New(errz.FaultUnresolvedSymbol, "symbol %q not found", name)
	}
	return index, nil
}

// SymbolNames returns the names in the symbol table in unspecified order.
func (m *Module) SymbolNames() []string {
	names := make([]string, 0, len(m.symbols))
	for name := range m.symbols {
		names = append(names, name)
	}
	return names
}

// Decoder returns a decoder positioned over this module's instruction
// stream.
func (m *Module) Decoder() *Decoder {
	return &Decoder{stream: m.instructions}
}

// FunctionContaining returns the index of the function whose extent
// covers the given byte offset, or -1 if no function contains it.
func (m *Module) FunctionContaining(offset int) int {
	for i := range m.functions {
		if offset >= m.functions[i].Entry && offset < m.extents[i] {
			return i
		}
	}
	return -1
}
