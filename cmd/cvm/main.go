// Command cvm loads and executes CVM bytecode modules.
//
// Usage:
//
//	cvm run [flags] <module.cvmb>
//	cvm dis [flags] <module.cvmb>
//	cvm info <module.cvmb>
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/cvm-lang/cvm/bytecode"
)

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		color.NoColor = true
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "dis":
		err = disCommand(os.Args[2:])
	case "info":
		err = infoCommand(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags] <module.cvmb>

Commands:
  run    load a module and execute its entry function
  dis    disassemble a module's instruction stream
  info   print a module's constant, function and symbol tables
`, os.Args[0])
}

func loadModule(path string) (*bytecode.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	module, err := bytecode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return module, nil
}
