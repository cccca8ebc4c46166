package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/cvm-lang/cvm/dis"
)

func disCommand(args []string) error {
	fs := flag.NewFlagSet("dis", flag.ExitOnError)
	fn := fs.String("func", "", "disassemble only the named function")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("dis: exactly one module file required")
	}
	module, err := loadModule(fs.Arg(0))
	if err != nil {
		return err
	}

	var instructions []dis.Instruction
	if *fn != "" {
		index, err := module.LookupSymbol(*fn)
		if err != nil {
			return err
		}
		instructions, err = dis.DisassembleFunction(module, index)
		if err != nil {
			return err
		}
	} else {
		instructions, err = dis.Disassemble(module)
		if err != nil {
			return err
		}
	}
	dis.Print(instructions, os.Stdout)
	return nil
}

func infoCommand(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("info: exactly one module file required")
	}
	module, err := loadModule(fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("module %s\n", module.ID())
	fmt.Printf("instructions: %d bytes\n", module.InstructionBytes())

	fmt.Printf("constants (%d):\n", module.ConstantCount())
	for i := 0; i < module.ConstantCount(); i++ {
		fmt.Printf("  %4d  %#v\n", i, module.ConstantAt(i))
	}

	fmt.Printf("functions (%d):\n", module.FunctionCount())
	for i := 0; i < module.FunctionCount(); i++ {
		fn := module.FunctionAt(i)
		start, end := module.FunctionExtent(i)
		name := fn.Name
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Printf("  %4d  %s arity=%d locals=%d [%d,%d)\n",
			i, name, fn.Arity, fn.Locals, start, end)
	}

	symbols := module.SymbolNames()
	sort.Strings(symbols)
	fmt.Printf("symbols (%d):\n", len(symbols))
	for _, name := range symbols {
		index, _ := module.LookupSymbol(name)
		fmt.Printf("  %s -> %d\n", name, index)
	}
	return nil
}
