// Package vm provides a VirtualMachine that executes loaded CVM bytecode
// modules under the hybrid memory model: per-slot ownership tracking for
// frame-resident values and mark-sweep collection for heap objects.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cvm-lang/cvm/bytecode"
	"github.com/cvm-lang/cvm/errz"
	"github.com/cvm-lang/cvm/memory"
	"github.com/cvm-lang/cvm/object"
	"github.com/cvm-lang/cvm/op"
)

const (
	// DefaultRecursionLimit is the maximum call stack depth unless
	// overridden with WithRecursionLimit.
	DefaultRecursionLimit = 8192

	// DefaultStackSize is the initial operand stack capacity.
	DefaultStackSize = 2048

	// DefaultContextCheckInterval is the number of instructions between
	// deterministic checks of ctx.Done(). Set to 0 to disable.
	DefaultContextCheckInterval = 1000

	// stopSignal as a frame's return address marks the entry frame.
	stopSignal = -1
)

// ErrHaltedByObserver is returned when an Observer callback stops the run.
var ErrHaltedByObserver = errors.New("execution halted by observer")

// VirtualMachine executes one module at a time. A VirtualMachine is not
// safe for concurrent use; run independent modules on independent VMs.
// The module itself is immutable and may be shared.
type VirtualMachine struct {
	ip          int // instruction pointer (byte offset)
	sp          int // stack pointer
	fp          int // frame pointer
	halt        int32
	module      *bytecode.Module
	decoder     *bytecode.Decoder
	constants   []object.Value
	mem         *memory.Manager
	stack       []object.Value
	frames      []frame
	activeFrame *frame
	running     bool
	runMutex    sync.Mutex
	watcherStop chan struct{}

	recursionLimit       int
	gcThreshold          int
	stackSize            int
	contextCheckInterval int
	stdout               io.Writer
	logger               zerolog.Logger
	observer             Observer
}

// New creates a VirtualMachine for the given loaded module.
func New(module *bytecode.Module, options ...Option) *VirtualMachine {
	vm := &VirtualMachine{
		sp:                   -1,
		fp:                   -1,
		module:               module,
		decoder:              module.Decoder(),
		recursionLimit:       DefaultRecursionLimit,
		gcThreshold:          memory.DefaultGCThreshold,
		stackSize:            DefaultStackSize,
		contextCheckInterval: DefaultContextCheckInterval,
		stdout:               os.Stdout,
		logger:               zerolog.Nop(),
	}
	for _, opt := range options {
		opt(vm)
	}
	vm.stack = make([]object.Value, vm.stackSize)
	vm.frames = make([]frame, vm.recursionLimit)
	vm.constants = wrapConstants(module)
	return vm
}

// Module returns the module this VM executes.
func (vm *VirtualMachine) Module() *bytecode.Module {
	return vm.module
}

// HeapLive returns the number of live heap objects after the most recent
// run. It is zero before the first run.
func (vm *VirtualMachine) HeapLive() int {
	if vm.mem == nil {
		return 0
	}
	return vm.mem.LiveCount()
}

// Heap returns the heap object named by a Ref returned from Run.
func (vm *VirtualMachine) Heap(handle object.Handle) (memory.HeapObject, bool) {
	if vm.mem == nil {
		return nil, false
	}
	return vm.mem.Get(handle)
}

// RunSymbol resolves an exported symbol name and runs that function.
func (vm *VirtualMachine) RunSymbol(ctx context.Context, name string) (object.Value, error) {
	entry, err := vm.module.LookupSymbol(name)
	if err != nil {
		return nil, err
	}
	return vm.Run(ctx, entry)
}

// Run executes the function at the given function table index until it
// returns, the module halts, or a fault occurs. The entry function must
// take no arguments. On success the function's result is returned; on a
// fault the ledger frames are unwound deterministically, outstanding
// borrows are released and the heap is collected before Run returns.
func (vm *VirtualMachine) Run(ctx context.Context, entry int) (result object.Value, err error) {
	if entry < 0 || entry >= vm.module.FunctionCount() {
		return nil, errz.New(errz.FaultUnresolvedSymbol,
			"function index %d out of range [0,%d)", entry, vm.module.FunctionCount())
	}
	fn := vm.module.FunctionAt(entry)
	if fn.Arity != 0 {
		return nil, errz.New(errz.FaultType,
			"entry function %q expects %d arguments", fn.Name, fn.Arity)
	}
	if err := vm.start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			if fault, ok := r.(*errz.Fault); ok {
				err = fault
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
		if err != nil {
			vm.unwindAll(nil)
			vm.logger.Debug().Err(err).Str("module", vm.module.ID()).Msg("run faulted")
		}
		vm.stop()
	}()

	// Fresh per-run state: operand stack, ledger and heap.
	vm.sp = -1
	vm.mem = memory.NewManager(
		memory.WithGCThreshold(vm.gcThreshold),
		memory.WithLogger(vm.logger),
	)

	vm.fp = 0
	vm.activeFrame = &vm.frames[0]
	vm.activeFrame.activate(entry, stopSignal, -1, 0, fn.Locals)
	_, vm.activeFrame.end = vm.module.FunctionExtent(entry)
	vm.mem.PushFrame(fn.Locals)
	vm.ip = fn.Entry

	result, err = vm.eval(ctx)
	if err != nil {
		return nil, err
	}
	vm.unwindAll(result)
	return result, nil
}

func (vm *VirtualMachine) start(ctx context.Context) error {
	vm.runMutex.Lock()
	defer vm.runMutex.Unlock()
	if vm.running {
		return fmt.Errorf("vm is already running")
	}
	vm.running = true
	// Halt execution when the context is cancelled. The watcher is tied
	// to this run through the stop channel so it cannot outlive the run
	// and halt a later one.
	vm.halt = 0
	if doneChan := ctx.Done(); doneChan != nil {
		stop := make(chan struct{})
		vm.watcherStop = stop
		go func() {
			select {
			case <-doneChan:
				atomic.StoreInt32(&vm.halt, 1)
			case <-stop:
			}
		}()
	}
	return nil
}

func (vm *VirtualMachine) stop() {
	vm.runMutex.Lock()
	defer vm.runMutex.Unlock()
	if vm.watcherStop != nil {
		close(vm.watcherStop)
		vm.watcherStop = nil
	}
	vm.running = false
}

// eval is the dispatch loop. The caller must have activated the entry
// frame and set vm.ip. On a fault the error carries the instruction
// offset, slot identity where applicable and the captured call stack.
func (vm *VirtualMachine) eval(ctx context.Context) (object.Value, error) {
	var instructionCount int
	checkInterval := vm.contextCheckInterval
	doneChan := ctx.Done()

	for {
		if atomic.LoadInt32(&vm.halt) == 1 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			// A halt without a cancelled context is spurious (a watcher
			// racing a previous run's shutdown); never finish a run with
			// neither a result nor an error.
			atomic.StoreInt32(&vm.halt, 0)
		}

		// Deterministic check of ctx.Done() every N instructions, which
		// guarantees responsiveness regardless of goroutine scheduling.
		if checkInterval > 0 && doneChan != nil {
			instructionCount++
			if instructionCount >= checkInterval {
				instructionCount = 0
				select {
				case <-doneChan:
					atomic.StoreInt32(&vm.halt, 1)
					return nil, ctx.Err()
				default:
				}
			}
		}

		// Reaching the end of the function body returns Unit.
		if vm.ip == vm.activeFrame.end {
			result, done := vm.returnFrame(object.Unit)
			if done {
				return result, nil
			}
			continue
		}

		instr, err := vm.decoder.DecodeAt(vm.ip)
		if err != nil {
			return nil, vm.fault(err, vm.ip)
		}
		if vm.observer != nil {
			event := StepEvent{
				Offset:     instr.Offset,
				Opcode:     instr.Opcode,
				StackDepth: vm.sp - vm.activeFrame.base + 1,
				FrameDepth: vm.fp + 1,
			}
			if !vm.observer.OnStep(event) {
				return nil, ErrHaltedByObserver
			}
		}
		offset := instr.Offset
		vm.ip = instr.Next()

		switch instr.Opcode {

		case op.Nop:

		case op.Halt:
			var result object.Value = object.Unit
			if vm.sp >= vm.activeFrame.base {
				result = vm.pop()
			}
			return result, nil

		case op.LoadConst:
			vm.push(vm.constants[instr.Operands[0]])

		case op.LoadLocal:
			index := int(instr.Operands[0])
			slot := errz.SlotID{Frame: vm.fp, Slot: index}
			value := vm.activeFrame.locals[index]
			// Owned values move out of the slot; scalars copy.
			if object.Owned(value) {
				err = vm.mem.Move(slot)
			} else {
				err = vm.mem.Copy(slot)
			}
			if err != nil {
				return nil, vm.fault(err, offset)
			}
			vm.push(value)

		case op.StoreLocal:
			index := int(instr.Operands[0])
			slot := errz.SlotID{Frame: vm.fp, Slot: index}
			if err := vm.mem.Write(slot); err != nil {
				return nil, vm.fault(err, offset)
			}
			vm.activeFrame.locals[index] = vm.pop()

		case op.Borrow:
			index := int(instr.Operands[0])
			slot := errz.SlotID{Frame: vm.fp, Slot: index}
			if err := vm.mem.BorrowShared(slot, vm.fp); err != nil {
				return nil, vm.fault(err, offset)
			}
			vm.push(vm.activeFrame.locals[index])

		case op.BorrowMut:
			index := int(instr.Operands[0])
			slot := errz.SlotID{Frame: vm.fp, Slot: index}
			if err := vm.mem.BorrowMut(slot, vm.fp); err != nil {
				return nil, vm.fault(err, offset)
			}
			vm.push(vm.activeFrame.locals[index])

		case op.Add, op.Sub, op.Mul, op.Div:
			right := vm.pop()
			left := vm.pop()
			value, err := object.BinaryOp(instr.Opcode, left, right)
			if err != nil {
				return nil, vm.fault(err, offset)
			}
			vm.push(value)

		case op.Print:
			if _, err := fmt.Fprintln(vm.stdout, printable(vm.pop())); err != nil {
				return nil, fmt.Errorf("print: %w", err)
			}

		case op.PopTop:
			vm.pop()

		case op.Jump:
			vm.ip = int(instr.Operands[0])

		case op.JumpIf:
			value := vm.pop()
			cond, ok := value.(*object.Bool)
			if !ok {
				return nil, vm.fault(errz.New(errz.FaultType,
					"conditional jump on %s, bool required", value.Kind()), offset)
			}
			if cond.Value() {
				vm.ip = int(instr.Operands[0])
			}

		case op.Call:
			function := int(instr.Operands[0])
			arity := vm.module.FunctionAt(function).Arity
			if err := vm.call(function, arity, nil, offset); err != nil {
				return nil, err
			}

		case op.Ret:
			result, done := vm.returnFrame(vm.pop())
			if done {
				return result, nil
			}

		case op.MakeClosure:
			function := int(instr.Operands[0])
			count := int(instr.Operands[1])
			captures := make([]object.Value, count)
			for i := count - 1; i >= 0; i-- {
				captures[i] = vm.pop()
			}
			vm.push(object.NewRef(vm.mem.AllocClosure(function, captures)))

		case op.CallValue:
			argc := int(instr.Operands[0])
			closure, err := vm.resolveClosure(vm.pop(), argc, offset)
			if err != nil {
				return nil, err
			}
			if err := vm.call(closure.Function, argc, closure.Captures, offset); err != nil {
				return nil, err
			}

		case op.MakeRecord:
			count := int(instr.Operands[0])
			fields := make([]object.Value, count)
			for i := count - 1; i >= 0; i-- {
				fields[i] = vm.pop()
			}
			vm.push(object.NewRef(vm.mem.AllocRecord(fields)))

		case op.UnsafeEnter:
			vm.mem.EnterUnsafe()

		case op.UnsafeExit:
			vm.mem.ExitUnsafe()

		default:
			return nil, errz.NewAt(errz.FaultDecode, offset, vm.captureStack(offset),
				"unhandled opcode %s", instr.Opcode)
		}

		// Safe point between instructions: collect if the allocation
		// threshold was crossed during the last dispatch.
		if vm.mem.CollectDue() {
			vm.collect()
		}
	}
}

// call pushes a frame for the given function, seeding its parameter
// slots from the operand stack and, for closures, its capture slots from
// the environment. The arity was validated at load time for direct calls
// and by resolveClosure for closure calls.
func (vm *VirtualMachine) call(function, argc int, captures []object.Value, callSite int) error {
	if vm.fp+1 >= vm.recursionLimit {
		return errz.NewAt(errz.FaultStackOverflow, callSite, vm.captureStack(callSite),
			"recursion limit %d exceeded", vm.recursionLimit)
	}
	fn := vm.module.FunctionAt(function)
	if fn.Arity+len(captures) > fn.Locals {
		return errz.NewAt(errz.FaultType, callSite, vm.captureStack(callSite),
			"function %q: %d captures do not fit in %d local slots",
			fn.Name, len(captures), fn.Locals)
	}

	f := &vm.frames[vm.fp+1]
	f.activate(function, vm.ip, callSite, 0, fn.Locals)
	_, f.end = vm.module.FunctionExtent(function)

	// Arguments transfer into the callee's parameter slots.
	for i := argc - 1; i >= 0; i-- {
		f.locals[i] = vm.pop()
	}
	f.base = vm.sp + 1
	copy(f.locals[fn.Arity:], captures)

	vm.fp++
	vm.activeFrame = f
	vm.mem.PushFrame(fn.Locals)
	vm.ip = fn.Entry

	if vm.observer != nil {
		event := CallEvent{
			FunctionName:  fn.Name,
			FunctionIndex: function,
			FrameDepth:    vm.fp + 1,
		}
		if !vm.observer.OnCall(event) {
			return ErrHaltedByObserver
		}
	}
	return nil
}

// returnFrame pops the active frame and hands the result to the caller.
// Frame pop is a safe point: the frame's borrows are released first, then
// the collector runs if a cycle is due. Returns done=true when the entry
// frame returned and execution is complete.
func (vm *VirtualMachine) returnFrame(result object.Value) (object.Value, bool) {
	f := vm.activeFrame
	name := vm.module.FunctionAt(f.function).Name

	vm.sp = f.base - 1
	vm.mem.PopFrame()
	vm.fp--
	done := f.returnAddr == stopSignal
	if !done {
		vm.activeFrame = &vm.frames[vm.fp]
		vm.push(result)
		vm.ip = f.returnAddr
	} else {
		vm.activeFrame = nil
	}

	if vm.observer != nil {
		vm.observer.OnReturn(ReturnEvent{FunctionName: name, FrameDepth: vm.fp + 1})
	}
	if vm.mem.CollectDue() {
		vm.collectWith(result)
	}
	return result, done
}

// resolveClosure checks that a popped value is a Ref to a live closure
// whose arity matches the call site's argument count.
func (vm *VirtualMachine) resolveClosure(value object.Value, argc, offset int) (*memory.Closure, error) {
	ref, ok := value.(*object.Ref)
	if !ok {
		return nil, errz.NewAt(errz.FaultType, offset, vm.captureStack(offset),
			"call of non-closure value: %s", value.Kind())
	}
	obj, ok := vm.mem.Get(ref.Handle())
	if !ok {
		return nil, errz.NewAt(errz.FaultType, offset, vm.captureStack(offset),
			"call through dangling reference %d", ref.Handle())
	}
	closure, ok := obj.(*memory.Closure)
	if !ok {
		return nil, errz.NewAt(errz.FaultType, offset, vm.captureStack(offset),
			"call of non-closure heap object")
	}
	fn := vm.module.FunctionAt(closure.Function)
	if fn.Arity != argc {
		return nil, errz.NewAt(errz.FaultType, offset, vm.captureStack(offset),
			"function %q expects %d arguments, got %d", fn.Name, fn.Arity, argc)
	}
	return closure, nil
}

// unwindAll drops every remaining ledger frame, releasing outstanding
// borrows, and runs a final collection with only the result (if any) as
// a root. After a fault this reclaims the entire heap.
func (vm *VirtualMachine) unwindAll(result object.Value) {
	for vm.mem.FrameDepth() > 0 {
		vm.mem.PopFrame()
	}
	vm.fp = -1
	vm.activeFrame = nil
	vm.collectWith(result)
}

func (vm *VirtualMachine) collect() {
	vm.collectWith(nil)
}

// collectWith runs a collection cycle with the live root set: every
// local slot of every frame, the live operand stack, heap-referencing
// constants and, at safe points that hold one, an in-flight result.
func (vm *VirtualMachine) collectWith(extra object.Value) {
	reclaimed := vm.mem.Collect(func(yield func(object.Value)) {
		for i := 0; i <= vm.fp; i++ {
			for _, v := range vm.frames[i].locals {
				yield(v)
			}
		}
		for i := 0; i <= vm.sp; i++ {
			yield(vm.stack[i])
		}
		for _, c := range vm.constants {
			yield(c)
		}
		if extra != nil {
			yield(extra)
		}
	})
	if vm.observer != nil {
		vm.observer.OnGC(GCEvent{Reclaimed: reclaimed, Live: vm.mem.LiveCount()})
	}
}

func (vm *VirtualMachine) push(value object.Value) {
	vm.sp++
	if vm.sp == len(vm.stack) {
		vm.stack = append(vm.stack, value)
		return
	}
	vm.stack[vm.sp] = value
}

// pop reports underflow by panicking with a structured fault, which the
// recover in Run converts to an error return. On a verified module an
// underflow is unreachable.
func (vm *VirtualMachine) pop() object.Value {
	if vm.sp < vm.activeFrame.base {
		panic(errz.NewAt(errz.FaultStackUnderflow, vm.ip, vm.captureStack(vm.ip),
			"operand stack underflow"))
	}
	value := vm.stack[vm.sp]
	vm.stack[vm.sp] = nil
	vm.sp--
	return value
}

// fault attributes an error to the faulting instruction: the offset and
// call stack are filled in if the underlying layer (memory manager,
// value operations) did not know them.
func (vm *VirtualMachine) fault(err error, offset int) error {
	var f *errz.Fault
	if errors.As(err, &f) {
		if f.Offset < 0 {
			f.Offset = offset
		}
		if f.Stack == nil {
			f.Stack = vm.captureStack(offset)
		}
		return f
	}
	return err
}

// captureStack snapshots the call stack, innermost frame first. The
// innermost entry carries the faulting offset; outer entries carry their
// call sites.
func (vm *VirtualMachine) captureStack(offset int) []errz.StackFrame {
	stack := make([]errz.StackFrame, 0, vm.fp+1)
	at := offset
	for i := vm.fp; i >= 0; i-- {
		f := &vm.frames[i]
		stack = append(stack, errz.StackFrame{
			Function: vm.module.FunctionAt(f.function).Name,
			Offset:   at,
		})
		at = f.callSite
	}
	return stack
}

// printable renders a value for PRINT: strings print their contents
// without quoting, everything else prints its Inspect form.
func printable(v object.Value) string {
	if s, ok := v.(*object.String); ok {
		return s.Value()
	}
	return v.Inspect()
}

// wrapConstants converts the module's validated constant pool into
// runtime values once, so LOAD_CONST is an index into a ready slice.
func wrapConstants(module *bytecode.Module) []object.Value {
	constants := make([]object.Value, module.ConstantCount())
	for i := range constants {
		switch c := module.ConstantAt(i).(type) {
		case int64:
			constants[i] = object.NewInt(c)
		case float64:
			constants[i] = object.NewFloat(c)
		case string:
			constants[i] = object.NewString(c)
		case bool:
			constants[i] = object.NewBool(c)
		default:
			constants[i] = object.Unit
		}
	}
	return constants
}
