package vm

import (
	"github.com/cvm-lang/cvm/op"
)

// Observer is an interface for observing VM execution events.
// Implementations can be used for profiling, debugging or execution
// tracing without modifying the VM's core.
//
// Observer methods are called synchronously during execution, so
// implementations should be fast. Returning false from OnStep, OnCall
// or OnReturn halts execution immediately.
type Observer interface {
	// OnStep is called before every instruction dispatch.
	OnStep(event StepEvent) bool

	// OnCall is called when a frame is pushed.
	OnCall(event CallEvent) bool

	// OnReturn is called when a frame is popped.
	OnReturn(event ReturnEvent) bool

	// OnGC is called after every collection cycle.
	OnGC(event GCEvent)
}

// StepEvent contains information about a single instruction step.
type StepEvent struct {
	// Offset is the byte offset of the instruction in the stream.
	Offset int

	// Opcode is the operation being executed.
	Opcode op.Code

	// StackDepth is the operand stack depth within the active frame.
	StackDepth int

	// FrameDepth is the current depth of the call stack.
	FrameDepth int
}

// CallEvent contains information about a function call.
type CallEvent struct {
	// FunctionName is the name of the function being called.
	FunctionName string

	// FunctionIndex is the callee's function table index.
	FunctionIndex int

	// FrameDepth is the call stack depth after the call.
	FrameDepth int
}

// ReturnEvent contains information about a function return.
type ReturnEvent struct {
	// FunctionName is the name of the function returning.
	FunctionName string

	// FrameDepth is the call stack depth after returning.
	FrameDepth int
}

// GCEvent contains information about a completed collection cycle.
type GCEvent struct {
	// Reclaimed is the number of heap objects swept in this cycle.
	Reclaimed int

	// Live is the number of heap objects still allocated afterwards.
	Live int
}

// NoOpObserver is an Observer implementation that does nothing. Embed
// it to provide default implementations for methods you don't need.
type NoOpObserver struct{}

func (NoOpObserver) OnStep(StepEvent) bool     { return true }
func (NoOpObserver) OnCall(CallEvent) bool     { return true }
func (NoOpObserver) OnReturn(ReturnEvent) bool { return true }
func (NoOpObserver) OnGC(GCEvent)              {}

// Ensure NoOpObserver implements Observer.
var _ Observer = NoOpObserver{}
