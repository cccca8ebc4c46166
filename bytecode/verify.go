package bytecode

import (
	"fmt"
	"sort"

	"github.com/cvm-lang/cvm/errz"
	"github.com/cvm-lang/cvm/op"
	"github.com/hashicorp/go-multierror"
)

// unknownDepth marks an instruction offset not yet reached by the
// abstract stack simulation.
const unknownDepth = -1

// verify checks the whole module at load time:
//
//   - every instruction decodes and instructions tile the stream exactly
//   - function entries are unique instruction boundaries that tile the
//     stream, with arity <= locals
//   - every operand referencing the constant pool, function table or a
//     local slot is in range
//   - every jump target lands on an instruction boundary inside the
//     same function
//   - an abstract stack simulation per function proves the operand
//     stack depth never goes negative and that every CALL site has at
//     least the callee's declared arity on the stack
//
// All problems found are aggregated, but the returned fault names the
// first invalid offset or index.
func (m *Module) verify() error {
	var errs *multierror.Error

	for i, c := range m.constants {
		switch c.(type) {
		case int64, float64, string, bool:
		default:
			errs = multierror.Append(errs, fmt.Errorf(
				"constant %d: unsupported type %T", i, c))
		}
	}

	// Decode the full stream once, recording instruction boundaries.
	boundaries := make(map[int]Instruction)
	decoder := m.Decoder()
	for offset := 0; offset < decoder.Len(); {
		instr, err := decoder.DecodeAt(offset)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("offset %d: %v", offset, err))
			return malformed(errs)
		}
		boundaries[offset] = instr
		offset = instr.Next()
	}

	if err := m.computeExtents(boundaries); err != nil {
		errs = multierror.Append(errs, err)
		return malformed(errs)
	}

	for index := range m.functions {
		if err := m.verifyFunction(index, boundaries); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for name, index := range m.symbols {
		if index < 0 || index >= len(m.functions) {
			errs = multierror.Append(errs, fmt.Errorf(
				"symbol %q: function index %d out of range", name, index))
		}
	}

	return malformed(errs)
}

// computeExtents validates the function table shape and derives each
// function's body extent from the sorted entries. Function bodies must
// tile the instruction stream with no gaps.
func (m *Module) computeExtents(boundaries map[int]Instruction) error {
	if len(m.instructions) > 0 && len(m.functions) == 0 {
		return fmt.Errorf("function table: no functions for %d instruction bytes",
			len(m.instructions))
	}
	m.extents = make([]int, len(m.functions))

	order := make([]int, len(m.functions))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return m.functions[order[a]].Entry < m.functions[order[b]].Entry
	})

	for pos, index := range order {
		fn := m.functions[index]
		if fn.Arity < 0 || fn.Locals < 0 || fn.Arity > fn.Locals {
			return fmt.Errorf("function %d (%s): arity %d exceeds local slots %d",
				index, fn.Name, fn.Arity, fn.Locals)
		}
		if _, ok := boundaries[fn.Entry]; !ok {
			return fmt.Errorf("function %d (%s): entry offset %d is not an instruction boundary",
				index, fn.Name, fn.Entry)
		}
		if pos == 0 && fn.Entry != 0 {
			return fmt.Errorf("function %d (%s): first entry must be offset 0, got %d",
				index, fn.Name, fn.Entry)
		}
		if pos+1 < len(order) {
			next := m.functions[order[pos+1]].Entry
			if next == fn.Entry {
				return fmt.Errorf("function %d (%s): duplicate entry offset %d",
					index, fn.Name, fn.Entry)
			}
			m.extents[index] = next
		} else {
			m.extents[index] = len(m.instructions)
		}
	}
	return nil
}

// verifyFunction runs the abstract stack simulation over one function
// body. A worklist walks every reachable instruction with its known
// operand stack depth; joining paths must agree on the depth.
func (m *Module) verifyFunction(index int, boundaries map[int]Instruction) error {
	fn := m.functions[index]
	start, end := fn.Entry, m.extents[index]

	depths := make(map[int]int, end-start)
	for offset := range boundaries {
		if offset >= start && offset < end {
			depths[offset] = unknownDepth
		}
	}

	type workItem struct {
		offset int
		depth  int
	}
	work := []workItem{{offset: start, depth: 0}}

	visit := func(offset, depth int) error {
		if offset == end {
			// Falling off the end of the body behaves as RET of Unit.
			return nil
		}
		known, ok := depths[offset]
		if !ok {
			return fmt.Errorf("function %d (%s): jump target %d is not an instruction boundary",
				index, fn.Name, offset)
		}
		if known == unknownDepth {
			depths[offset] = depth
			work = append(work, workItem{offset: offset, depth: depth})
		} else if known != depth {
			return fmt.Errorf("function %d (%s): inconsistent stack depth at offset %d (%d vs %d)",
				index, fn.Name, offset, known, depth)
		}
		return nil
	}

	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]
		instr := boundaries[item.offset]
		depth := item.depth

		pops, pushes, err := m.stackEffect(index, instr)
		if err != nil {
			return err
		}
		if depth < pops {
			return fmt.Errorf("function %d (%s): offset %d: %s pops %d with stack depth %d",
				index, fn.Name, instr.Offset, instr.Opcode, pops, depth)
		}
		depth = depth - pops + pushes

		switch instr.Opcode {
		case op.Ret, op.Halt:
			// Path ends here.
		case op.Jump:
			if err := visit(int(instr.Operands[0]), depth); err != nil {
				return err
			}
		case op.JumpIf:
			if err := visit(int(instr.Operands[0]), depth); err != nil {
				return err
			}
			if err := visit(instr.Next(), depth); err != nil {
				return err
			}
		default:
			if err := visit(instr.Next(), depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// stackEffect returns the pop and push counts of an instruction and
// validates its operands against the pool, the function table and the
// enclosing function's local slot count.
func (m *Module) stackEffect(index int, instr Instruction) (pops, pushes int, err error) {
	fn := m.functions[index]
	fail := func(format string, args ...any) (int, int, error) {
		prefix := fmt.Sprintf("function %d (%s): offset %d: ", index, fn.Name, instr.Offset)
		return 0, 0, fmt.Errorf(prefix+format, args...)
	}

	switch instr.Opcode {
	case op.Nop, op.UnsafeEnter, op.UnsafeExit:
		return 0, 0, nil
	case op.Halt:
		return 0, 0, nil
	case op.LoadConst:
		if idx := int(instr.Operands[0]); idx >= len(m.constants) {
			return fail("constant index %d out of range [0,%d)", idx, len(m.constants))
		}
		return 0, 1, nil
	case op.LoadLocal, op.Borrow, op.BorrowMut:
		if slot := int(instr.Operands[0]); slot >= fn.Locals {
			return fail("slot %d out of range [0,%d)", slot, fn.Locals)
		}
		return 0, 1, nil
	case op.StoreLocal:
		if slot := int(instr.Operands[0]); slot >= fn.Locals {
			return fail("slot %d out of range [0,%d)", slot, fn.Locals)
		}
		return 1, 0, nil
	case op.Add, op.Sub, op.Mul, op.Div:
		return 2, 1, nil
	case op.Print, op.PopTop:
		return 1, 0, nil
	case op.Jump:
		return 0, 0, nil
	case op.JumpIf:
		return 1, 0, nil
	case op.Call:
		callee := int(instr.Operands[0])
		if callee >= len(m.functions) {
			return fail("function index %d out of range [0,%d)", callee, len(m.functions))
		}
		// Arity must match exactly: the callee's declared argument
		// count is consumed here, so a mismatch is caught at load time.
		return m.functions[callee].Arity, 1, nil
	case op.CallValue:
		// The callee is a closure whose arity is only known at run
		// time, so the argument count is encoded in the instruction
		// and the arity match is checked by the VM at the call.
		argc := int(instr.Operands[0])
		return argc + 1, 1, nil
	case op.Ret:
		return 1, 0, nil
	case op.MakeClosure:
		callee := int(instr.Operands[0])
		if callee >= len(m.functions) {
			return fail("function index %d out of range [0,%d)", callee, len(m.functions))
		}
		captures := int(instr.Operands[1])
		return captures, 1, nil
	case op.MakeRecord:
		fields := int(instr.Operands[0])
		return fields, 1, nil
	default:
		return fail("unknown opcode 0x%02x", byte(instr.Opcode))
	}
}

// malformed wraps aggregated validation errors into a single
// MalformedModule fault, or returns nil if there were none.
func malformed(errs *multierror.Error) error {
	if errs == nil || len(errs.Errors) == 0 {
		return nil
	}
	return errz.New(errz.FaultMalformedModule, "%s", errs.Errors[0]).WithCause(errs)
}
