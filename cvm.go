// Package cvm is the top-level convenience API for loading and running
// CVM bytecode modules. It ties together the bytecode loader and the
// virtual machine; most callers need nothing else.
//
//	module, err := cvm.Load(data)
//	if err != nil {
//	    ...
//	}
//	result, err := cvm.Run(ctx, module)
package cvm

import (
	"context"

	"github.com/cvm-lang/cvm/bytecode"
	"github.com/cvm-lang/cvm/object"
	"github.com/cvm-lang/cvm/vm"
)

// Load deserializes and validates a binary module image. The returned
// module is immutable and safe to share across VMs.
func Load(data []byte) (*bytecode.Module, error) {
	return bytecode.Unmarshal(data)
}

// Run executes function 0 of the module on a fresh VM.
func Run(ctx context.Context, module *bytecode.Module, opts ...vm.Option) (object.Value, error) {
	return vm.New(module, opts...).Run(ctx, 0)
}

// RunBytes loads a binary module image and executes function 0.
func RunBytes(ctx context.Context, data []byte, opts ...vm.Option) (object.Value, error) {
	module, err := Load(data)
	if err != nil {
		return nil, err
	}
	return Run(ctx, module, opts...)
}

// RunSymbol executes the exported function with the given name on a
// fresh VM.
func RunSymbol(ctx context.Context, module *bytecode.Module, name string, opts ...vm.Option) (object.Value, error) {
	return vm.New(module, opts...).RunSymbol(ctx, name)
}
