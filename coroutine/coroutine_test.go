package coroutine

import (
	"testing"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/stackvm"
	"github.com/nullc-go/vm/vmtype"
)

// counterProgram builds scenario 4's coroutine: a single function that
// yields 1, then 2, then 3, then finally returns 0 on its fourth call.
// Resume-index is local 0, fed in by Activation.Resume as the lone
// argument.
func counterProgram() []stackvm.VMCmd {
	bodies := [][]stackvm.VMCmd{
		{ // body 0: entry, resume-index 0
			{Opcode: stackvm.OpPushIntConst, IntArg: 1},
			{Opcode: stackvm.OpReturnInt, Flag: stackvm.FlagYield},
		},
		{ // body 1: resume-index 1
			{Opcode: stackvm.OpPushIntConst, IntArg: 2},
			{Opcode: stackvm.OpReturnInt, Flag: stackvm.FlagYield},
		},
		{ // body 2: resume-index 2
			{Opcode: stackvm.OpPushIntConst, IntArg: 3},
			{Opcode: stackvm.OpReturnInt, Flag: stackvm.FlagYield},
		},
		{ // body 3: resume-index 3 (and fallthrough default) — genuine return
			{Opcode: stackvm.OpPushIntConst, IntArg: 0},
			{Opcode: stackvm.OpReturnInt},
		},
	}
	return Build(16, bodies)
}

func newCounterEngine() *stackvm.Engine {
	code := counterProgram()
	fn := vmtype.Function{
		ReturnTag:        vmtype.ReturnInt,
		ParamCount:       1,
		ContextType:      -1,
		StackEntryOffset: 0,
		StackCodeLength:  uint32(len(code)),
	}
	img := &bytecode.Image{Functions: []vmtype.Function{fn}}
	return stackvm.NewEngine(img, code)
}

func TestActivationYieldsThenReturns(t *testing.T) {
	e := newCounterEngine()
	a := NewActivation(0)

	want := []struct {
		value int32
		done  bool
	}{
		{1, false},
		{2, false},
		{3, false},
		{0, true},
	}

	for i, w := range want {
		v, done, err := a.Resume(e)
		if err != nil {
			t.Fatalf("Resume #%d: %v", i, err)
		}
		if v != w.value || done != w.done {
			t.Fatalf("Resume #%d: got (%d, %v), want (%d, %v)", i, v, done, w.value, w.done)
		}
	}

	if !a.Done() {
		t.Fatal("expected activation to be Done after the genuine return")
	}
}
