// Package dis supports analysis of CVM bytecode by disassembling it.
// This works with the opcodes defined in the `op` package and the
// Decoder from the `bytecode` package.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/cvm-lang/cvm/bytecode"
	"github.com/cvm-lang/cvm/internal/table"
	"github.com/cvm-lang/cvm/op"
)

// Instruction represents a single decoded instruction with its operands
// and a human-readable annotation resolved against the module's tables.
type Instruction struct {
	Offset     int
	Name       string
	Opcode     op.Code
	Operands   []uint32
	Annotation string
	Constant   any
	Function   string // name of the enclosing function, set on its first instruction
}

// Disassemble returns a parsed representation of the module's full
// instruction stream.
func Disassemble(m *bytecode.Module) ([]Instruction, error) {
	var instructions []Instruction
	decoder := m.Decoder()
	for offset := 0; offset < decoder.Len(); {
		instr, err := decoder.DecodeAt(offset)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, annotate(m, instr))
		offset = instr.Next()
	}
	return instructions, nil
}

// DisassembleFunction returns the instructions of a single function.
func DisassembleFunction(m *bytecode.Module, index int) ([]Instruction, error) {
	if index < 0 || index >= m.FunctionCount() {
		return nil, fmt.Errorf("function index out of range: %d", index)
	}
	start, end := m.FunctionExtent(index)
	var instructions []Instruction
	decoder := m.Decoder()
	for offset := start; offset < end; {
		instr, err := decoder.DecodeAt(offset)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, annotate(m, instr))
		offset = instr.Next()
	}
	return instructions, nil
}

func annotate(m *bytecode.Module, instr bytecode.Instruction) Instruction {
	out := Instruction{
		Offset:   instr.Offset,
		Name:     instr.Opcode.String(),
		Opcode:   instr.Opcode,
		Operands: instr.Operands,
	}
	for i := 0; i < m.FunctionCount(); i++ {
		if fn := m.FunctionAt(i); fn.Entry == instr.Offset {
			out.Function = functionLabel(fn)
		}
	}
	switch instr.Opcode {
	case op.LoadConst:
		out.Constant = m.ConstantAt(int(instr.Operands[0]))
		out.Annotation = fmt.Sprintf("%v", out.Constant)
	case op.LoadLocal, op.StoreLocal, op.Borrow, op.BorrowMut:
		out.Annotation = fmt.Sprintf("slot_%d", instr.Operands[0])
	case op.Jump, op.JumpIf:
		out.Annotation = fmt.Sprintf("-> %d", instr.Operands[0])
	case op.Call:
		out.Annotation = functionLabel(m.FunctionAt(int(instr.Operands[0])))
	case op.MakeClosure:
		fn := m.FunctionAt(int(instr.Operands[0]))
		out.Annotation = fmt.Sprintf("%s +%d", functionLabel(fn), instr.Operands[1])
	case op.CallValue:
		out.Annotation = fmt.Sprintf("argc=%d", instr.Operands[0])
	case op.MakeRecord:
		out.Annotation = fmt.Sprintf("fields=%d", instr.Operands[0])
	}
	return out
}

func functionLabel(fn bytecode.FunctionInfo) string {
	name := fn.Name
	if name == "" {
		name = "<anonymous>"
	}
	return fmt.Sprintf("func:%s/%d", name, fn.Arity)
}

// Print writes a string representation of the given instructions to the
// given writer.
func Print(instructions []Instruction, writer io.Writer) {
	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	magenta := color.New(color.FgMagenta)
	cyan := color.New(color.FgCyan)

	var lines [][]string
	for _, instr := range instructions {
		function := ""
		if instr.Function != "" {
			function = magenta.Sprint(instr.Function)
		}
		values := []string{
			function,
			fmt.Sprintf("%d", instr.Offset),
			bold.Sprint(instr.Name),
			formatOperands(instr.Operands),
		}
		if instr.Constant != nil {
			switch c := instr.Constant.(type) {
			case int64:
				values = append(values, yellow.Sprintf("%d", c))
			case float64:
				values = append(values, yellow.Sprintf("%v", c))
			case string:
				if len(c) > 80 {
					c = c[:77] + "..."
				}
				values = append(values, green.Sprintf("%q", c))
			default:
				values = append(values, bold.Sprintf("%v", c))
			}
		} else if instr.Annotation != "" {
			values = append(values, cyan.Sprint(instr.Annotation))
		} else {
			values = append(values, "")
		}
		lines = append(lines, values)
	}

	table.NewTable(writer).
		WithHeader([]string{"FUNCTION", "OFFSET", "OPCODE", "OPERANDS", "INFO"}).
		WithColumnAlignment([]table.Alignment{
			table.AlignLeft,
			table.AlignRight,
			table.AlignLeft,
			table.AlignRight,
			table.AlignLeft,
		}).
		WithHeaderAlignment([]table.Alignment{
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
			table.AlignCenter,
		}).
		WithRows(lines).
		Render()
}

func formatOperands(operands []uint32) string {
	var sb strings.Builder
	for i, operand := range operands {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", operand)
	}
	return sb.String()
}
