package vm

import (
	"io"

	"github.com/rs/zerolog"
)

// Option is a configuration function for a VirtualMachine.
type Option func(*VirtualMachine)

// WithRecursionLimit sets the maximum call stack depth. Exceeding it
// raises a stack overflow fault and unwinds the run.
func WithRecursionLimit(limit int) Option {
	return func(vm *VirtualMachine) {
		if limit > 0 {
			vm.recursionLimit = limit
		}
	}
}

// WithGCThreshold sets the number of heap allocations between
// threshold-triggered collection cycles.
func WithGCThreshold(threshold int) Option {
	return func(vm *VirtualMachine) {
		if threshold > 0 {
			vm.gcThreshold = threshold
		}
	}
}

// WithStackSize sets the initial operand stack capacity. The stack grows
// on demand, so this is a sizing hint, not a limit.
func WithStackSize(size int) Option {
	return func(vm *VirtualMachine) {
		if size > 0 {
			vm.stackSize = size
		}
	}
}

// WithStdout sets the writer that PRINT output goes to.
func WithStdout(w io.Writer) Option {
	return func(vm *VirtualMachine) {
		vm.stdout = w
	}
}

// WithLogger sets the logger used for execution and GC diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(vm *VirtualMachine) {
		vm.logger = logger
	}
}

// WithObserver sets an Observer to receive execution event callbacks.
func WithObserver(observer Observer) Option {
	return func(vm *VirtualMachine) {
		vm.observer = observer
	}
}

// WithContextCheckInterval sets the number of instructions between
// deterministic checks of ctx.Done(). A value of 0 disables deterministic
// checking, relying only on the background goroutine.
func WithContextCheckInterval(interval int) Option {
	return func(vm *VirtualMachine) {
		if interval >= 0 {
			vm.contextCheckInterval = interval
		}
	}
}
