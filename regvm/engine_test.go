package regvm

import (
	"context"
	"testing"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// factorialProgram hand-builds the RegVmCmd stream for
//
//	int fact(int n) { if (n <= 1) return 1; return n * fact(n - 1); }
//
// bypassing the lowering pass, the same way stackvm's engine tests exercise
// the dispatch loop directly. Register 2 (ArgBaseRegister) holds the
// incoming parameter n; register 8 is the scratch window a call stages its
// argument into.
func factorialProgram() []RegVmCmd {
	return []RegVmCmd{
		{Opcode: OpLoadImm, RA: 3, Argument: 1},                      // 0: r3 = 1
		{Opcode: OpCmpLeInt, RA: 4, RB: 2, RC: 3},                    // 1: r4 = (n <= 1)
		{Opcode: OpJmpZ, RA: 4, Argument: 4},                         // 2: if !r4, goto 4
		{Opcode: OpReturn, RA: 3, RB: uint8(ReturnInt)},              // 3: return 1
		{Opcode: OpSubInt, RA: 6, RB: 2, RC: 3},                      // 4: r6 = n - 1
		{Opcode: OpMove, RA: 8, RB: 6},                               // 5: stage arg
		{Opcode: OpCall, RA: 1, RB: 8, RC: 9, Argument: 0},           // 6: r9 = fact(n-1)
		{Opcode: OpMulInt, RA: 10, RB: 2, RC: 9},                     // 7: r10 = n * r9
		{Opcode: OpReturn, RA: 10, RB: uint8(ReturnInt)},             // 8: return r10
	}
}

func newTestEngine(code []RegVmCmd, fn vmtype.Function) *Engine {
	fn.RegCodeLength = uint32(len(code))
	img := &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Functions:    []vmtype.Function{fn},
	}
	return NewEngine(img, code)
}

func TestEngineFactorialRecursive(t *testing.T) {
	e := newTestEngine(factorialProgram(), vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1,
	})

	res, tag, err := e.Call(0, []uint64{5})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if tag != ReturnInt || int32(res) != 120 {
		t.Fatalf("fact(5) = %v (tag %v), want 120 (ReturnInt)", int32(res), tag)
	}
}

func TestEngineCrossModuleGlobalsDoNotAlias(t *testing.T) {
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 1, Argument: 99},
		{Opcode: OpStoreDWord, RA: GlobalsRegister, RB: 1, Argument: uint32(vmtype.NewGlobalAddr(1, 0))},
		{Opcode: OpLoadDWord, RA: GlobalsRegister, RB: 2, Argument: uint32(vmtype.NewGlobalAddr(0, 0))},
		{Opcode: OpReturn, RA: 2, RB: uint8(ReturnInt)},
	}
	fn := vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1}
	fn.RegCodeLength = uint32(len(prog))
	img := &bytecode.Image{
		PointerWidth:      vmtype.Pointer64,
		Functions:         []vmtype.Function{fn},
		Modules:           []vmtype.Module{{GlobalBaseOffset: 0}, {GlobalBaseOffset: 4}},
		GlobalSegmentSize: 8,
	}
	e := NewEngine(img, prog)

	res, _, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if int32(res) != 0 {
		t.Fatalf("result = %v, want 0 (module 0's global untouched; bug: aliased with module 1's)", int32(res))
	}
}

func TestEngineConvertPtrAcceptsDerivedClass(t *testing.T) {
	types := []vmtype.Type{
		{BaseType: vmtype.NoBaseType}, // 0: root base class
		{BaseType: 0},                // 1: derives from 0
		{BaseType: 1},                // 2: derives from 1, so also from 0
		{BaseType: vmtype.NoBaseType}, // 3: unrelated type
	}
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 1, Argument: 2},           // r1 = dynamic type 2
		{Opcode: OpConvertPtr, RA: 1, RB: 2, Argument: 0}, // cast to base type 0
		{Opcode: OpReturn, RA: 2, RB: uint8(ReturnInt)},
	}
	fn := vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1}
	fn.RegCodeLength = uint32(len(prog))
	img := &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Functions:    []vmtype.Function{fn},
		Types:        types,
	}
	e := NewEngine(img, prog)

	res, _, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if int32(res) != 2 {
		t.Fatalf("result = %v, want 2 (dynamic type preserved)", int32(res))
	}
}

func TestEngineConvertPtrRejectsUnrelatedType(t *testing.T) {
	types := []vmtype.Type{
		{BaseType: vmtype.NoBaseType},
		{BaseType: vmtype.NoBaseType},
	}
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 1, Argument: 1},
		{Opcode: OpConvertPtr, RA: 1, RB: 2, Argument: 0},
		{Opcode: OpReturn, RA: 2, RB: uint8(ReturnInt)},
	}
	fn := vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1}
	fn.RegCodeLength = uint32(len(prog))
	img := &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Functions:    []vmtype.Function{fn},
		Types:        types,
	}
	e := NewEngine(img, prog)

	_, _, err := e.Call(0, nil)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindInvalidPointerCast {
		t.Fatalf("expected invalid_pointer_cast, got %v", err)
	}
}

func TestEngineFactorialBaseCase(t *testing.T) {
	e := newTestEngine(factorialProgram(), vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1,
	})

	res, tag, err := e.Call(0, []uint64{0})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if tag != ReturnInt || int32(res) != 1 {
		t.Fatalf("fact(0) = %v, want 1", int32(res))
	}
}

func TestEngineArrayIndexOutOfBounds(t *testing.T) {
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 2, Argument: 0},                                  // r2 = base
		{Opcode: OpLoadImm, RA: 3, Argument: 5},                                  // r3 = index
		{Opcode: OpIndex, RA: 2, RB: 3, RC: 4, Argument: 4<<IndexArgShift | 3},    // 3-element array
		{Opcode: OpReturn, RA: 4, RB: uint8(ReturnInt)},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	_, _, err := e.Call(0, nil)
	if err == nil {
		t.Fatal("expected array_out_of_bounds error")
	}
	ne, ok := err.(*nerr.Error)
	if !ok {
		t.Fatalf("expected *nerr.Error, got %T: %v", err, err)
	}
	if ne.Kind != nerr.KindArrayOutOfBounds {
		t.Fatalf("Kind = %v, want %v", ne.Kind, nerr.KindArrayOutOfBounds)
	}
	if ne.Index != 5 || ne.Length != 3 {
		t.Errorf("Index/Length = %d/%d, want 5/3", ne.Index, ne.Length)
	}
}

func TestEngineArrayIndexInBounds(t *testing.T) {
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 2, Argument: 100},
		{Opcode: OpLoadImm, RA: 3, Argument: 2},
		{Opcode: OpIndex, RA: 2, RB: 3, RC: 4, Argument: 4<<IndexArgShift | 3},
		{Opcode: OpReturn, RA: 4, RB: uint8(ReturnInt)},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	res, _, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if int32(res) != 108 { // base 100 + index 2 * elemSize 4
		t.Fatalf("result = %v, want 108", int32(res))
	}
}

func TestEngineDivisionByZero(t *testing.T) {
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 2, Argument: 10},
		{Opcode: OpLoadImm, RA: 3, Argument: 0},
		{Opcode: OpDivInt, RA: 4, RB: 2, RC: 3},
		{Opcode: OpReturn, RA: 4, RB: uint8(ReturnInt)},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	_, _, err := e.Call(0, nil)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindDivisionByZero {
		t.Fatalf("expected division_by_zero, got %v", err)
	}
}

func TestEnginePowIntNonNegativeExponent(t *testing.T) {
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 2, Argument: 2},
		{Opcode: OpLoadImm, RA: 3, Argument: 10},
		{Opcode: OpPowInt, RA: 4, RB: 2, RC: 3},
		{Opcode: OpReturn, RA: 4, RB: uint8(ReturnInt)},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	res, _, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if int32(res) != 1024 {
		t.Fatalf("2^10 = %v, want 1024", int32(res))
	}
}

func TestEnginePowIntNegativeExponentIsInvalidOperand(t *testing.T) {
	prog := []RegVmCmd{
		{Opcode: OpLoadImm, RA: 2, Argument: 2},
		{Opcode: OpLoadImm, RA: 3, Argument: uint32(int32(-1))},
		{Opcode: OpPowInt, RA: 4, RB: 2, RC: 3},
		{Opcode: OpReturn, RA: 4, RB: uint8(ReturnInt)},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	_, _, err := e.Call(0, nil)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindInvalidOperand {
		t.Fatalf("expected invalid_operand, got %v", err)
	}
}

func TestEngineCallContextRespectsCancellation(t *testing.T) {
	e := newTestEngine(factorialProgram(), vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := e.CallContext(ctx, 0, []uint64{5}, 0)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindExecutionCancelled {
		t.Fatalf("expected execution_cancelled, got %v", err)
	}
}

func TestEngineCallContextEnforcesInstructionBudget(t *testing.T) {
	e := newTestEngine(factorialProgram(), vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1,
	})

	// fact(5) recurses 5 deep, each level crossing one OpCall back edge; a
	// budget of 2 must be exceeded well before the call completes.
	_, _, err := e.CallContext(context.Background(), 0, []uint64{5}, 2)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindExecutionTimeout {
		t.Fatalf("expected execution_timeout, got %v", err)
	}
}

func TestEngineUnknownFunctionIndex(t *testing.T) {
	e := newTestEngine(factorialProgram(), vmtype.Function{ContextType: -1})
	_, _, err := e.Call(99, nil)
	if err == nil {
		t.Fatal("expected an error for an out-of-range function index")
	}
}
