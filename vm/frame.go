package vm

import (
	"github.com/cvm-lang/cvm/object"
)

// defaultFrameLocals is the number of local slots that can be stored
// directly in the frame's fixed storage array, avoiding heap allocation
// for typical small functions.
const defaultFrameLocals = 8

// frame is one function activation: its local slot array, the byte
// offset to resume the caller at, and the base of its private region of
// the operand stack. The caller link is implicit in the frame array
// ordering.
type frame struct {
	function   int // function table index
	returnAddr int // caller resume offset; stopSignal in the entry frame
	callSite   int // offset of the CALL instruction, for stack traces
	base       int // operand stack pointer at activation
	end        int // end of the function body; reaching it returns Unit
	locals     []object.Value
	storage    [defaultFrameLocals]object.Value
	extended   []object.Value
}

// activate prepares the frame for a call into the given function. All
// local slots start as Unit; arguments are seeded by the caller.
func (f *frame) activate(function, returnAddr, callSite, base, localCount int) {
	f.function = function
	f.returnAddr = returnAddr
	f.callSite = callSite
	f.base = base

	// Reuse frame storage where possible, falling back to (and reusing)
	// a heap slice for functions with many locals.
	if localCount > defaultFrameLocals {
		if cap(f.extended) >= localCount {
			f.extended = f.extended[:localCount]
		} else {
			f.extended = make([]object.Value, localCount)
		}
		f.locals = f.extended
	} else {
		f.locals = f.storage[:localCount]
	}
	for i := range f.locals {
		f.locals[i] = object.Unit
	}
}
