package vm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cvm-lang/cvm/bytecode"
	"github.com/cvm-lang/cvm/errz"
	"github.com/cvm-lang/cvm/object"
	"github.com/cvm-lang/cvm/op"
)

func mustAssemble(t *testing.T, build func(a *bytecode.Assembler)) *bytecode.Module {
	t.Helper()
	a := bytecode.NewAssembler()
	build(a)
	m, err := a.Assemble()
	require.NoError(t, err)
	return m
}

// run executes function 0 of the module with PRINT output captured.
func run(t *testing.T, m *bytecode.Module, opts ...Option) (object.Value, string, error) {
	t.Helper()
	var buf bytes.Buffer
	machine := New(m, append([]Option{WithStdout(&buf)}, opts...)...)
	result, err := machine.Run(context.Background(), 0)
	return result, buf.String(), err
}

func requireFault(t *testing.T, err error, kind errz.FaultKind) *errz.Fault {
	t.Helper()
	require.Error(t, err)
	var fault *errz.Fault
	require.True(t, errors.As(err, &fault), "want fault, got %v", err)
	require.Equal(t, kind.String(), fault.Kind.String())
	return fault
}

type recordingObserver struct {
	NoOpObserver
	calls    []CallEvent
	returns  []ReturnEvent
	gcs      []GCEvent
	maxDepth int
}

func (o *recordingObserver) OnCall(e CallEvent) bool {
	o.calls = append(o.calls, e)
	if e.FrameDepth > o.maxDepth {
		o.maxDepth = e.FrameDepth
	}
	return true
}

func (o *recordingObserver) OnReturn(e ReturnEvent) bool {
	o.returns = append(o.returns, e)
	return true
}

func (o *recordingObserver) OnGC(e GCEvent) {
	o.gcs = append(o.gcs, e)
}

func TestAddAndPrint(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(1)
		a.LoadConst(2)
		a.Emit(op.Add)
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	result, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "3\n", output)
	require.Equal(t, object.Unit, result)
}

func TestOperandOrder(t *testing.T) {
	// The first-pushed constant is the left operand.
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(5)
		a.LoadConst(3)
		a.Emit(op.Sub)
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "2\n", output)
}

func TestDivisionByZero(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(5)
		a.LoadConst(0)
		a.Emit(op.Div)
		a.Emit(op.Halt)
	})
	result, _, err := run(t, m)
	require.Nil(t, result)
	fault := requireFault(t, err, errz.FaultArithmetic)
	require.Equal(t, 6, fault.Offset) // two 3-byte loads precede DIV
	require.NotEmpty(t, fault.Stack)
}

func TestStringConcat(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst("foo")
		a.LoadConst("bar")
		a.Emit(op.Add)
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "foobar\n", output)
}

func TestPrintFormats(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst("hi")
		a.Emit(op.Print)
		a.LoadConst(true)
		a.Emit(op.Print)
		a.LoadConst(2.5)
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "hi\ntrue\n2.5\n", output)
}

func TestHaltWithValue(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(7)
		a.Emit(op.Halt)
	})
	result, _, err := run(t, m)
	require.NoError(t, err)
	require.True(t, result.Equals(object.NewInt(7)))
}

func TestReturnFromEntry(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(42)
		a.Emit(op.Ret)
	})
	result, _, err := run(t, m)
	require.NoError(t, err)
	require.True(t, result.Equals(object.NewInt(42)))
}

func TestImplicitReturnUnit(t *testing.T) {
	// Falling off the end of the body returns Unit.
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(1)
		a.Emit(op.Print)
	})
	result, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "1\n", output)
	require.Equal(t, object.Unit, result)
}

func TestConditionalJump(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		taken := a.NewLabel()
		a.LoadConst(true)
		a.JumpIf(taken)
		a.LoadConst("not taken")
		a.Emit(op.Print)
		a.Emit(op.Halt)
		a.Bind(taken)
		a.LoadConst("taken")
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "taken\n", output)
}

func TestJumpIfRequiresBool(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		target := a.NewLabel()
		a.LoadConst(1)
		a.JumpIf(target)
		a.Bind(target)
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	fault := requireFault(t, err, errz.FaultType)
	require.Contains(t, fault.Message, "bool")
}

func TestBackwardJumpTerminates(t *testing.T) {
	// One backward jump pass: the flag is true on entry, false after the
	// body runs once, so the loop executes exactly twice.
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		loop := a.NewLabel()
		a.LoadConst(true)
		a.Emit(op.StoreLocal, 0)
		a.Bind(loop)
		a.LoadConst("tick")
		a.Emit(op.Print)
		a.Emit(op.LoadLocal, 0)
		a.LoadConst(false)
		a.Emit(op.StoreLocal, 0)
		a.JumpIf(loop)
		a.Emit(op.Halt)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "tick\ntick\n", output)
}

func TestCallAndReturn(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(2)
		a.LoadConst(3)
		a.Emit(op.Call, 1)
		a.Emit(op.Print)
		a.Emit(op.Halt)
		a.Function("add", 2, 2)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.LoadLocal, 1)
		a.Emit(op.Add)
		a.Emit(op.Ret)
	})
	observer := &recordingObserver{}
	_, output, err := run(t, m, WithObserver(observer))
	require.NoError(t, err)
	require.Equal(t, "5\n", output)

	// One call, depth raised by exactly one frame.
	require.Len(t, observer.calls, 1)
	require.Equal(t, "add", observer.calls[0].FunctionName)
	require.Equal(t, 2, observer.calls[0].FrameDepth)
	require.Len(t, observer.returns, 1)
	require.Equal(t, 1, observer.returns[0].FrameDepth)
}

func TestFaultStackTrace(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.Emit(op.Call, 1)
		a.Emit(op.Halt)
		a.Function("divide", 0, 0)
		a.LoadConst(1)
		a.LoadConst(0)
		a.Emit(op.Div)
		a.Emit(op.Ret)
	})
	_, _, err := run(t, m)
	fault := requireFault(t, err, errz.FaultArithmetic)
	require.Len(t, fault.Stack, 2)
	require.Equal(t, "divide", fault.Stack[0].Function)
	require.Equal(t, "main", fault.Stack[1].Function)
}

func TestRecursionLimit(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("spin", 0, 0)
		a.Emit(op.MakeRecord, 0)
		a.Emit(op.PopTop)
		a.Emit(op.Call, 0)
		a.Emit(op.Ret)
	})
	observer := &recordingObserver{}
	var buf bytes.Buffer
	machine := New(m,
		WithStdout(&buf),
		WithRecursionLimit(16),
		WithObserver(observer),
	)
	result, err := machine.Run(context.Background(), 0)
	require.Nil(t, result)
	fault := requireFault(t, err, errz.FaultStackOverflow)

	// The limit allows exactly 16 nested frames; the 17th faults.
	require.Equal(t, 16, observer.maxDepth)
	require.Len(t, fault.Stack, 16)

	// The unwind released every frame and reclaimed every heap object.
	require.Equal(t, 0, machine.HeapLive())
}

func TestUseAfterMove(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 2)
		a.LoadConst("owned")
		a.Emit(op.StoreLocal, 1)
		a.Emit(op.LoadLocal, 1) // moves the string out of slot 1
		a.Emit(op.PopTop)
		a.Emit(op.LoadLocal, 1) // faults
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	fault := requireFault(t, err, errz.FaultUseAfterMove)
	require.True(t, fault.HasSlot)
	require.Equal(t, errz.SlotID{Frame: 0, Slot: 1}, fault.Slot)
	require.GreaterOrEqual(t, fault.Offset, 0)
}

func TestUseAfterMoveSlotZero(t *testing.T) {
	// Frame 0 slot 0 must carry slot identity like any other slot.
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst("owned")
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.PopTop)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	fault := requireFault(t, err, errz.FaultUseAfterMove)
	require.True(t, fault.HasSlot)
	require.Equal(t, errz.SlotID{Frame: 0, Slot: 0}, fault.Slot)
	require.Contains(t, fault.Error(), "frame 0 slot 0")
}

func TestScalarsCopyInsteadOfMove(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst(5)
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.PopTop)
		a.Emit(op.LoadLocal, 0) // still valid, ints copy
		a.Emit(op.Halt)
	})
	result, _, err := run(t, m)
	require.NoError(t, err)
	require.True(t, result.Equals(object.NewInt(5)))
}

func TestStoreReinitializesMovedSlot(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst("first")
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.PopTop)
		a.LoadConst("second")
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "second\n", output)
}

func TestMoveWhileBorrowedConflicts(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst("value")
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.Borrow, 0)
		a.Emit(op.PopTop)
		a.Emit(op.LoadLocal, 0) // move while the shared borrow is live
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	fault := requireFault(t, err, errz.FaultBorrowConflict)
	require.Equal(t, errz.SlotID{Frame: 0, Slot: 0}, fault.Slot)
}

func TestDoubleMutableBorrow(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst("value")
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.BorrowMut, 0)
		a.Emit(op.PopTop)
		a.Emit(op.BorrowMut, 0)
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	requireFault(t, err, errz.FaultDoubleBorrowMutable)
}

func TestUnsafeRegionSuppressesOwnership(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst("value")
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.UnsafeEnter)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.PopTop)
		a.Emit(op.LoadLocal, 0) // double move, no fault inside unsafe
		a.Emit(op.PopTop)
		a.Emit(op.UnsafeExit)
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	require.NoError(t, err)
}

func TestClosureCapture(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst(10)
		a.Emit(op.MakeClosure, 1, 1)
		a.Emit(op.StoreLocal, 0)
		a.LoadConst(32)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.CallValue, 1)
		a.Emit(op.Print)
		a.Emit(op.Halt)
		a.Function("addn", 1, 2) // slot 0 is the argument, slot 1 the capture
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.LoadLocal, 1)
		a.Emit(op.Add)
		a.Emit(op.Ret)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "42\n", output)
}

func TestCallValueArityMismatch(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(1)
		a.LoadConst(2)
		a.Emit(op.MakeClosure, 1, 0)
		a.Emit(op.CallValue, 2)
		a.Emit(op.Halt)
		a.Function("one", 1, 1)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.Ret)
	})
	_, _, err := run(t, m)
	fault := requireFault(t, err, errz.FaultType)
	require.Contains(t, fault.Message, "expects 1 arguments, got 2")
}

func TestCallValueOnNonRef(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(1)
		a.Emit(op.CallValue, 0)
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	fault := requireFault(t, err, errz.FaultType)
	require.Contains(t, fault.Message, "non-closure")
}

func TestRecordResult(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(1)
		a.LoadConst("two")
		a.Emit(op.MakeRecord, 2)
		a.Emit(op.Halt)
	})
	var buf bytes.Buffer
	machine := New(m, WithStdout(&buf))
	result, err := machine.Run(context.Background(), 0)
	require.NoError(t, err)

	ref, ok := result.(*object.Ref)
	require.True(t, ok)
	obj, ok := machine.Heap(ref.Handle())
	require.True(t, ok)
	fields := obj.Contents()
	require.Len(t, fields, 2)
	require.True(t, fields[0].Equals(object.NewInt(1)))
	require.True(t, fields[1].Equals(object.NewString("two")))

	// The result kept the record alive through the final collection.
	require.Equal(t, 1, machine.HeapLive())
}

func TestGCReclaimsDeadCalleeAllocations(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.Emit(op.Call, 1)
		a.Emit(op.PopTop)
		a.Emit(op.MakeRecord, 0) // crosses the threshold post-return
		a.Emit(op.PopTop)
		a.Emit(op.Halt)
		a.Function("alloc", 0, 1)
		a.LoadConst(1)
		a.Emit(op.MakeRecord, 1)
		a.Emit(op.StoreLocal, 0) // record dies with this frame
		a.LoadConst(0)
		a.Emit(op.Ret)
	})
	observer := &recordingObserver{}
	_, _, err := run(t, m, WithGCThreshold(1), WithObserver(observer))
	require.NoError(t, err)

	require.NotEmpty(t, observer.gcs)

	// One cycle reclaimed the callee's record while the second record
	// was still live; by the end both are gone.
	reclaimedMidRun := false
	total := 0
	for _, e := range observer.gcs {
		total += e.Reclaimed
		if e.Reclaimed == 1 && e.Live == 1 {
			reclaimedMidRun = true
		}
	}
	require.True(t, reclaimedMidRun)
	require.Equal(t, 2, total)
}

func TestContextCancellation(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		loop := a.NewLabel()
		a.Bind(loop)
		a.Jump(loop)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	machine := New(m, WithContextCheckInterval(100))
	_, err := machine.Run(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestObserverHaltsExecution(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		loop := a.NewLabel()
		a.Bind(loop)
		a.Jump(loop)
	})
	steps := 0
	observer := &steppingObserver{limit: 10, steps: &steps}
	machine := New(m, WithObserver(observer))
	_, err := machine.Run(context.Background(), 0)
	require.ErrorIs(t, err, ErrHaltedByObserver)
	require.Equal(t, 10, steps)
}

type steppingObserver struct {
	NoOpObserver
	limit int
	steps *int
}

func (o *steppingObserver) OnStep(StepEvent) bool {
	*o.steps++
	return *o.steps < o.limit
}

func TestEntryValidation(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.Emit(op.Halt)
		a.Function("needs_args", 1, 1)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.Ret)
	})
	machine := New(m)

	_, err := machine.Run(context.Background(), 5)
	requireFault(t, err, errz.FaultUnresolvedSymbol)

	_, err = machine.Run(context.Background(), 1)
	requireFault(t, err, errz.FaultType)

	_, err = machine.RunSymbol(context.Background(), "missing")
	requireFault(t, err, errz.FaultUnresolvedSymbol)

	result, err := machine.RunSymbol(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, object.Unit, result)
}

func TestRunTwice(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 1)
		a.LoadConst("hello")
		a.Emit(op.StoreLocal, 0)
		a.Emit(op.LoadLocal, 0)
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	var buf bytes.Buffer
	machine := New(m, WithStdout(&buf))
	for i := 0; i < 2; i++ {
		_, err := machine.Run(context.Background(), 0)
		require.NoError(t, err)
	}
	require.Equal(t, "hello\nhello\n", buf.String())
}

func TestCancelledFirstContextDoesNotAffectLaterRun(t *testing.T) {
	// Cancelling the context of a completed run must not halt a later
	// run on the same VM: the later run ends on its own deadline, never
	// with a nil result and nil error.
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("quick", 0, 0)
		a.Emit(op.Halt)
		a.Function("spin", 0, 0)
		loop := a.NewLabel()
		a.Bind(loop)
		a.Jump(loop)
	})
	machine := New(m, WithContextCheckInterval(10))

	ctx1, cancel1 := context.WithCancel(context.Background())
	_, err := machine.Run(ctx1, 0)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel2()
	timer := time.AfterFunc(20*time.Millisecond, cancel1)
	defer timer.Stop()

	result, err := machine.Run(ctx2, 1)
	require.Nil(t, result)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFloatPromotion(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst(1)
		a.LoadConst(0.5)
		a.Emit(op.Add)
		a.Emit(op.Print)
		a.Emit(op.Halt)
	})
	_, output, err := run(t, m)
	require.NoError(t, err)
	require.Equal(t, "1.5\n", output)
}

func TestTypeFaultOnMixedOperands(t *testing.T) {
	m := mustAssemble(t, func(a *bytecode.Assembler) {
		a.Function("main", 0, 0)
		a.LoadConst("s")
		a.LoadConst(1)
		a.Emit(op.Add)
		a.Emit(op.Halt)
	})
	_, _, err := run(t, m)
	requireFault(t, err, errz.FaultType)
}
