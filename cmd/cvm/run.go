package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/cvm-lang/cvm/errz"
	"github.com/cvm-lang/cvm/memory"
	"github.com/cvm-lang/cvm/object"
	"github.com/cvm-lang/cvm/vm"
)

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	entry := fs.String("entry", "", "entry symbol name (default: function 0)")
	recursionLimit := fs.Int("recursion-limit", vm.DefaultRecursionLimit, "maximum call stack depth")
	gcThreshold := fs.Int("gc-threshold", memory.DefaultGCThreshold, "allocations between GC cycles")
	timeout := fs.Duration("timeout", 0, "abort execution after this duration")
	verbose := fs.Bool("v", false, "verbose diagnostics on stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("run: exactly one module file required")
	}
	module, err := loadModule(fs.Arg(0))
	if err != nil {
		return err
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}

	machine := vm.New(module,
		vm.WithRecursionLimit(*recursionLimit),
		vm.WithGCThreshold(*gcThreshold),
		vm.WithLogger(logger),
	)

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	var result object.Value
	if *entry != "" {
		result, err = machine.RunSymbol(ctx, *entry)
	} else {
		result, err = machine.Run(ctx, 0)
	}
	if err != nil {
		var fault *errz.Fault
		if errors.As(err, &fault) {
			return errors.New(fault.FriendlyMessage())
		}
		return err
	}
	logger.Debug().
		Dur("elapsed", time.Since(start)).
		Int("heap_live", machine.HeapLive()).
		Msg("run complete")

	if result != object.Unit {
		fmt.Println(color.CyanString(result.Inspect()))
	}
	return nil
}
