package lower

import (
	"testing"

	"github.com/nullc-go/vm/ir"
	"github.com/nullc-go/vm/regvm"
	"github.com/nullc-go/vm/vmtype"
)

func intValueType() ir.ValueType {
	return ir.ValueType{Category: vmtype.PrimInt, ByteSize: 4, StructType: -1}
}

func TestLowerAddGlobalsReturn(t *testing.T) {
	loadA := &ir.Instr{Op: ir.OpLoadDirect, Type: intValueType(), VarIndex: 0, Register: 2}
	loadB := &ir.Instr{Op: ir.OpLoadDirect, Type: intValueType(), VarIndex: 4, Register: 3}
	add := &ir.Instr{Op: ir.OpAdd, Type: intValueType(), Operands: []ir.Value{loadA, loadB}, Register: 4}
	ret := &ir.Instr{Op: ir.OpReturn, Operands: []ir.Value{add}}

	fn := &ir.Func{
		Name:       "addGlobals",
		ReturnType: intValueType(),
		Blocks:     []*ir.Block{{Index: 0, Instrs: []*ir.Instr{ret}}},
	}

	prog, err := Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	want := []regvm.RegVmCmd{
		{Opcode: regvm.OpLoadDWord, RA: regvm.GlobalsRegister, RB: 2, Argument: 0},
		{Opcode: regvm.OpLoadDWord, RA: regvm.GlobalsRegister, RB: 3, Argument: 4},
		{Opcode: regvm.OpAddInt, RA: 4, RB: 2, RC: 3},
		{Opcode: regvm.OpReturn, RA: 4, RB: uint8(regvm.ReturnInt)},
	}
	if len(prog) != len(want) {
		t.Fatalf("got %d instructions, want %d: %+v", len(prog), len(want), prog)
	}
	for i := range want {
		if prog[i] != want[i] {
			t.Errorf("instruction %d = %+v, want %+v", i, prog[i], want[i])
		}
	}
}

func TestLowerCondBranchFixup(t *testing.T) {
	one := &ir.Const{Type: intValueType(), Bits: 1, Register: 2}
	zero := &ir.Const{Type: intValueType(), Bits: 0, Register: 2}

	cond := &ir.Instr{Op: ir.OpCondBranch, Operands: []ir.Value{one}, TargetBlock: 1}
	ret := &ir.Instr{Op: ir.OpReturn, Operands: []ir.Value{zero}}

	fn := &ir.Func{
		Blocks: []*ir.Block{
			{Index: 0, Instrs: []*ir.Instr{cond}},
			{Index: 1, Instrs: []*ir.Instr{ret}},
		},
	}

	prog, err := Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	// prog[0] load imm 1, prog[1] jmpnz (fixup), prog[2] load imm 0, prog[3] return.
	if prog[1].Opcode != regvm.OpJmpNZ {
		t.Fatalf("prog[1].Opcode = %v, want OpJmpNZ", prog[1].Opcode)
	}
	if prog[1].Argument != 2 {
		t.Errorf("branch target = %d, want 2 (block 1's start)", prog[1].Argument)
	}
}

func TestLowerCompareSelectsIntOpcode(t *testing.T) {
	a := &ir.Const{Type: intValueType(), Bits: 1, Register: 2}
	b := &ir.Const{Type: intValueType(), Bits: 2, Register: 3}
	cmp := &ir.Instr{Op: ir.OpCmpLt, Type: intValueType(), Operands: []ir.Value{a, b}, Register: 4}
	ret := &ir.Instr{Op: ir.OpReturn, Operands: []ir.Value{cmp}}

	fn := &ir.Func{Blocks: []*ir.Block{{Index: 0, Instrs: []*ir.Instr{ret}}}}

	prog, err := Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	found := false
	for _, c := range prog {
		if c.Opcode == regvm.OpCmpLtInt {
			found = true
			if c.RA != 4 || c.RB != 2 || c.RC != 3 {
				t.Errorf("OpCmpLtInt registers = %+v, want RA=4 RB=2 RC=3", c)
			}
		}
	}
	if !found {
		t.Fatalf("expected an OpCmpLtInt in %+v", prog)
	}
}

func TestLowerCallStagesArgsThenCalls(t *testing.T) {
	arg := &ir.Const{Type: intValueType(), Bits: 7, Register: 5}
	call := &ir.Instr{Op: ir.OpCall, Type: intValueType(), Operands: []ir.Value{arg}, VarIndex: 3, Register: 10}
	ret := &ir.Instr{Op: ir.OpReturn, Operands: []ir.Value{call}}

	fn := &ir.Func{Blocks: []*ir.Block{{Index: 0, Instrs: []*ir.Instr{ret}}}}

	prog, err := Lower(fn)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	var callIdx = -1
	for i, c := range prog {
		if c.Opcode == regvm.OpCall {
			callIdx = i
		}
	}
	if callIdx < 0 {
		t.Fatalf("expected an OpCall in %+v", prog)
	}
	if prog[callIdx].Argument != 3 {
		t.Errorf("call target = %d, want 3", prog[callIdx].Argument)
	}
	if prog[callIdx].RA != 1 {
		t.Errorf("call argcount = %d, want 1", prog[callIdx].RA)
	}
	if prog[callIdx].RC != 10 {
		t.Errorf("call destination register = %d, want 10", prog[callIdx].RC)
	}
	scratchBase := prog[callIdx].RB
	if prog[callIdx-1].Opcode != regvm.OpMove || prog[callIdx-1].RA != scratchBase || prog[callIdx-1].RB != 5 {
		t.Errorf("expected the argument staged into the scratch window immediately before OpCall, got %+v", prog[callIdx-1])
	}
}

func TestLowerIndexSliceUnsupported(t *testing.T) {
	base := &ir.Const{Type: intValueType(), Register: 2}
	length := &ir.Const{Type: intValueType(), Register: 3}
	idx := &ir.Const{Type: intValueType(), Register: 4}
	index := &ir.Instr{Op: ir.OpIndexSlice, Type: intValueType(), Operands: []ir.Value{base, length, idx}, Register: 5}
	ret := &ir.Instr{Op: ir.OpReturn, Operands: []ir.Value{index}}

	fn := &ir.Func{Blocks: []*ir.Block{{Index: 0, Instrs: []*ir.Instr{ret}}}}

	if _, err := Lower(fn); err == nil {
		t.Fatal("expected an error lowering OpIndexSlice on the register VM")
	}
}
