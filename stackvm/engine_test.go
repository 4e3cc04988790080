package stackvm

import (
	"context"
	"math"
	"testing"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// factorialProgram hand-builds the VMCmd stream for
//
//	int fact(int n) { if (n <= 1) return 1; return n * fact(n - 1); }
//
// bypassing the lowering pass, the same way bytecode's container tests
// exercise the codec directly rather than through a compiler front end.
func factorialProgram() []VMCmd {
	return []VMCmd{
		{Opcode: OpPushVTop, IntArg: 4},     // 0: frame = one int param, no locals
		{Opcode: OpLoadLocalInt, IntArg: 0}, // 1: push n
		{Opcode: OpPushIntConst, IntArg: 1}, // 2: push 1
		{Opcode: OpCmpLeInt},                // 3: n <= 1
		{Opcode: OpJmpZ, IntArg: 7},         // 4: if false, jump to recursive branch
		{Opcode: OpPushIntConst, IntArg: 1}, // 5: push 1
		{Opcode: OpReturnInt},               // 6: return 1
		{Opcode: OpLoadLocalInt, IntArg: 0}, // 7: push n (multiplicand)
		{Opcode: OpLoadLocalInt, IntArg: 0}, // 8: push n (for n-1)
		{Opcode: OpDecInt},                  // 9: n - 1
		{Opcode: OpCall, IntArg: 0},         // 10: fact(n-1)
		{Opcode: OpMulInt},                  // 11: n * fact(n-1)
		{Opcode: OpReturnInt},               // 12: return
	}
}

func newTestEngine(code []VMCmd, fn vmtype.Function) *Engine {
	fn.StackCodeLength = uint32(len(code))
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

	res, err := e.Call(0, []uint32{5})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 1 || int32(res[0]) != 120 {
		t.Fatalf("fact(5) = %v, want [120]", res)
	}
}

func TestEngineFactorialBaseCase(t *testing.T) {
	e := newTestEngine(factorialProgram(), vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1,
	})

	res, err := e.Call(0, []uint32{0})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 1 || int32(res[0]) != 1 {
		t.Fatalf("fact(0) = %v, want [1]", res)
	}
}

func TestEngineArrayIndexOutOfBounds(t *testing.T) {
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 0},                 // base pointer
		{Opcode: OpPushIntConst, IntArg: 5},                 // requested index
		{Opcode: OpIndex, ShortArg: 4, IntArg: 3},            // array of 3 elements
		{Opcode: OpReturnInt},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	_, err := e.Call(0, nil)
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
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 100},
		{Opcode: OpPushIntConst, IntArg: 2},
		{Opcode: OpIndex, ShortArg: 4, IntArg: 3},
		{Opcode: OpReturnInt},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	res, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 1 || int32(res[0]) != 108 { // base 100 + index 2 * elemSize 4
		t.Fatalf("result = %v, want [108]", res)
	}
}

func TestEngineDivisionByZero(t *testing.T) {
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 10},
		{Opcode: OpPushIntConst, IntArg: 0},
		{Opcode: OpDivInt},
		{Opcode: OpReturnInt},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	_, err := e.Call(0, nil)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindDivisionByZero {
		t.Fatalf("expected division_by_zero, got %v", err)
	}
}

func TestEngineDoubleConstHighHalfIsNotTruncated(t *testing.T) {
	bits := math.Float64bits(1.0)
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushDoubleConst, IntArg: uint32(bits)},
		{Opcode: OpPushConstHigh, IntArg: uint32(bits >> 32)},
		{Opcode: OpReturnDouble},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnDouble, ContextType: -1})

	res, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("double return should occupy 2 result words, got %d", len(res))
	}
	got := math.Float64frombits(uint64(res[0]) | uint64(res[1])<<32)
	if got != 1.0 {
		t.Fatalf("returned double = %v, want 1.0 (bug: high half truncated)", got)
	}
}

func TestEngineCrossModuleGlobalsDoNotAlias(t *testing.T) {
	// Two modules, each compiled as if its one global sits at relative
	// offset 0; the linker assigns module 0 a byte base of 0 and module 1
	// a byte base of 4 in the shared 8-byte segment. Module 1's function
	// stores 99 into its own global and loads module 0's global (left at
	// its zero-value 0) back — if the module tag were masked away instead
	// of translated, both accesses would collide on byte 0 and the second
	// load would observe 99 instead of 0.
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 99},
		{Opcode: OpStoreGlobalInt, IntArg: uint32(vmtype.NewGlobalAddr(1, 0))},
		{Opcode: OpLoadGlobalInt, IntArg: uint32(vmtype.NewGlobalAddr(0, 0))},
		{Opcode: OpReturnInt},
	}
	fn := vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1}
	fn.StackCodeLength = uint32(len(prog))
	img := &bytecode.Image{
		PointerWidth:      vmtype.Pointer64,
		Functions:         []vmtype.Function{fn},
		Modules:           []vmtype.Module{{GlobalBaseOffset: 0}, {GlobalBaseOffset: 4}},
		GlobalSegmentSize: 8,
	}
	e := NewEngine(img, prog)

	res, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 1 || int32(res[0]) != 0 {
		t.Fatalf("result = %v, want [0] (module 0's global untouched; bug: aliased with module 1's)", res)
	}
}

func TestEngineConvertPtrAcceptsDerivedClass(t *testing.T) {
	types := []vmtype.Type{
		{BaseType: vmtype.NoBaseType}, // 0: root base class
		{BaseType: 0},                 // 1: derives from 0
		{BaseType: 1},                 // 2: derives from 1, so also from 0
		{BaseType: vmtype.NoBaseType}, // 3: unrelated type
	}
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 2}, // dynamic type 2
		{Opcode: OpConvertPtr, IntArg: 0},   // cast to base type 0
		{Opcode: OpReturnInt},
	}
	fn := vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1}
	fn.StackCodeLength = uint32(len(prog))
	img := &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Functions:    []vmtype.Function{fn},
		Types:        types,
	}
	e := NewEngine(img, prog)

	res, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 1 || int32(res[0]) != 2 {
		t.Fatalf("result = %v, want [2] (dynamic type preserved)", res)
	}
}

func TestEngineConvertPtrRejectsUnrelatedType(t *testing.T) {
	types := []vmtype.Type{
		{BaseType: vmtype.NoBaseType},
		{BaseType: vmtype.NoBaseType},
	}
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 1},
		{Opcode: OpConvertPtr, IntArg: 0},
		{Opcode: OpReturnInt},
	}
	fn := vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1}
	fn.StackCodeLength = uint32(len(prog))
	img := &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Functions:    []vmtype.Function{fn},
		Types:        types,
	}
	e := NewEngine(img, prog)

	_, err := e.Call(0, nil)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindInvalidPointerCast {
		t.Fatalf("expected invalid_pointer_cast, got %v", err)
	}
}

func TestEnginePowIntNonNegativeExponent(t *testing.T) {
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 2},
		{Opcode: OpPushIntConst, IntArg: 10},
		{Opcode: OpPowInt},
		{Opcode: OpReturnInt},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	res, err := e.Call(0, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(res) != 1 || int32(res[0]) != 1024 {
		t.Fatalf("2^10 = %v, want [1024]", res)
	}
}

func TestEnginePowIntNegativeExponentIsInvalidOperand(t *testing.T) {
	prog := []VMCmd{
		{Opcode: OpPushVTop},
		{Opcode: OpPushIntConst, IntArg: 2},
		{Opcode: OpPushIntConst, IntArg: uint32(int32(-1))},
		{Opcode: OpPowInt},
		{Opcode: OpReturnInt},
	}
	e := newTestEngine(prog, vmtype.Function{ReturnTag: vmtype.ReturnInt, ContextType: -1})

	_, err := e.Call(0, nil)
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

	_, err := e.CallContext(ctx, 0, []uint32{5}, 0)
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
	_, err := e.CallContext(context.Background(), 0, []uint32{5}, 2)
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindExecutionTimeout {
		t.Fatalf("expected execution_timeout, got %v", err)
	}
}

func TestEngineUnknownFunctionIndex(t *testing.T) {
	e := newTestEngine(factorialProgram(), vmtype.Function{ContextType: -1})
	_, err := e.Call(99, nil)
	if err == nil {
		t.Fatal("expected an error for an out-of-range function index")
	}
}
