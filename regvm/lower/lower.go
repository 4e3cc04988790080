// Package lower translates one value-IR function (package ir) into a
// register-VM RegVmCmd stream (spec §4.6). Unlike stackvm/lower, it does
// not assign register numbers itself — spec §4.6 states the register
// allocator is "external to this spec's core, part of the value-IR layer"
// — it only walks the IR forest and emits the three-address instruction
// that computes each node into the register ir.Instr.Register/ir.Const.Register
// already names, recursively emitting an operand's defining instruction the
// first time it is used and skipping already-materialized operands
// (the forest may share a node — e.g. a common subexpression — across more
// than one use).
package lower

import (
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/ir"
	"github.com/nullc-go/vm/regvm"
	"github.com/nullc-go/vm/vmtype"
)

type fixup struct {
	progIndex   int
	targetBlock int
}

type lowerer struct {
	fn          *ir.Func
	prog        []regvm.RegVmCmd
	blockStart  []int
	fixups      []fixup
	materialized map[ir.Value]bool
	scratchBase uint8
}

// Lower translates fn's blocks into a RegVmCmd stream.
func Lower(fn *ir.Func) ([]regvm.RegVmCmd, error) {
	l := &lowerer{
		fn:           fn,
		blockStart:   make([]int, len(fn.Blocks)),
		materialized: make(map[ir.Value]bool),
		scratchBase:  scratchBaseFor(fn),
	}

	for _, b := range fn.Blocks {
		l.blockStart[b.Index] = len(l.prog)
		for _, instr := range b.Instrs {
			if err := l.lowerStmt(instr); err != nil {
				return nil, err
			}
		}
	}

	for _, fx := range l.fixups {
		if fx.targetBlock < 0 || fx.targetBlock >= len(l.blockStart) {
			return nil, nerr.New(nerr.PhaseLower, nerr.KindBytecodeMalformed).
				Detail("branch target block %d out of range", fx.targetBlock).Build()
		}
		l.prog[fx.progIndex].Argument = uint32(l.blockStart[fx.targetBlock])
	}
	return l.prog, nil
}

// scratchBaseFor finds one register number past the highest one the
// allocator assigned anywhere in fn, reserved for staging call arguments
// into a contiguous window (see OpCall's lowering below).
func scratchBaseFor(fn *ir.Func) uint8 {
	var max uint8
	var walk func(v ir.Value)
	seen := make(map[ir.Value]bool)
	walk = func(v ir.Value) {
		if v == nil || seen[v] {
			return
		}
		seen[v] = true
		switch n := v.(type) {
		case *ir.Const:
			if n.Register > max {
				max = n.Register
			}
		case *ir.Instr:
			if n.Register > max {
				max = n.Register
			}
			for _, o := range n.Operands {
				walk(o)
			}
		}
	}
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			walk(instr)
		}
	}
	if max >= 250 {
		return max // leave scratch unusable rather than overflow register numbering
	}
	return max + 1
}

func (l *lowerer) emit(c regvm.RegVmCmd) int {
	l.prog = append(l.prog, c)
	return len(l.prog) - 1
}

func (l *lowerer) lowerStmt(instr *ir.Instr) error {
	switch instr.Op {
	case ir.OpStoreDirect:
		if err := l.materialize(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(regvm.RegVmCmd{
			Opcode: storeOp(valueType(instr.Operands[0])), RA: regvm.GlobalsRegister,
			RB: registerOf(instr.Operands[0]), Argument: instr.VarIndex,
		})
		return nil

	case ir.OpStoreIndirect:
		if err := l.materialize(instr.Operands[0]); err != nil { // pointer
			return err
		}
		if err := l.materialize(instr.Operands[1]); err != nil { // value
			return err
		}
		l.emit(regvm.RegVmCmd{
			Opcode: storeOp(valueType(instr.Operands[1])), RA: registerOf(instr.Operands[0]),
			RB: registerOf(instr.Operands[1]), Argument: instr.VarIndex,
		})
		return nil

	case ir.OpReturn, ir.OpYield:
		if len(instr.Operands) == 0 {
			l.emit(regvm.RegVmCmd{Opcode: regvm.OpReturn, RB: uint8(regvm.ReturnVoid)})
			return nil
		}
		if err := l.materialize(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(regvm.RegVmCmd{
			Opcode: regvm.OpReturn, RA: registerOf(instr.Operands[0]),
			RB: uint8(returnTag(valueType(instr.Operands[0]))),
		})
		return nil

	case ir.OpBranch:
		idx := l.emit(regvm.RegVmCmd{Opcode: regvm.OpJmp})
		l.fixups = append(l.fixups, fixup{idx, instr.TargetBlock})
		return nil

	case ir.OpCondBranch:
		if err := l.materialize(instr.Operands[0]); err != nil {
			return err
		}
		idx := l.emit(regvm.RegVmCmd{Opcode: regvm.OpJmpNZ, RA: registerOf(instr.Operands[0])})
		l.fixups = append(l.fixups, fixup{idx, instr.TargetBlock})
		return nil

	default:
		return l.materialize(instr)
	}
}

// materialize emits whatever is needed so that v's value is sitting in its
// pre-assigned register, recursing into its operands first and skipping
// nodes already materialized in this function (shared subexpressions).
func (l *lowerer) materialize(v ir.Value) error {
	if l.materialized[v] {
		return nil
	}
	l.materialized[v] = true

	switch n := v.(type) {
	case *ir.Const:
		l.emit(regvm.RegVmCmd{Opcode: regvm.OpLoadImm, RA: n.Register, Argument: uint32(n.Bits)})
		if high := uint32(n.Bits >> 32); high != 0 {
			l.emit(regvm.RegVmCmd{Opcode: regvm.OpLoadImmHigh, RA: n.Register, Argument: high})
		}
		return nil
	case *ir.Instr:
		return l.materializeInstr(n)
	default:
		return nerr.New(nerr.PhaseLower, nerr.KindBytecodeMalformed).
			Detail("unexpected value-IR node %T in expression position", v).Build()
	}
}

func (l *lowerer) materializeInstr(instr *ir.Instr) error {
	for _, o := range instr.Operands {
		// Dependency order: OpCall/OpCallPtr/OpFuncPtr are statement-shaped
		// and handled below without a uniform "all operands first" rule for
		// OpCallPtr's own operand (its target), so only eagerly materialize
		// arguments here for the ops where operand order is uniform.
		if instr.Op != ir.OpCallPtr {
			if err := l.materialize(o); err != nil {
				return err
			}
		}
	}

	switch instr.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpMod, ir.OpPow:
		l.emit(regvm.RegVmCmd{
			Opcode: arithOp(instr.Op, instr.Type), RA: instr.Register,
			RB: registerOf(instr.Operands[0]), RC: registerOf(instr.Operands[1]),
		})
		return nil

	case ir.OpNeg:
		l.emit(regvm.RegVmCmd{Opcode: regvm.OpLoadImm, RA: instr.Register})
		l.emit(regvm.RegVmCmd{
			Opcode: subOp(instr.Type), RA: instr.Register,
			RB: instr.Register, RC: registerOf(instr.Operands[0]),
		})
		return nil

	case ir.OpCmpLt, ir.OpCmpLe, ir.OpCmpGt, ir.OpCmpGe, ir.OpCmpEq, ir.OpCmpNe:
		l.emit(regvm.RegVmCmd{
			Opcode: compareOp(instr.Op, valueType(instr.Operands[0])), RA: instr.Register,
			RB: registerOf(instr.Operands[0]), RC: registerOf(instr.Operands[1]),
		})
		return nil

	case ir.OpLoadDirect:
		l.emit(regvm.RegVmCmd{
			Opcode: loadOp(instr.Type), RA: regvm.GlobalsRegister,
			RB: instr.Register, Argument: instr.VarIndex,
		})
		return nil

	case ir.OpLoadIndirect:
		l.emit(regvm.RegVmCmd{
			Opcode: loadOp(instr.Type), RA: registerOf(instr.Operands[0]),
			RB: instr.Register, Argument: instr.VarIndex,
		})
		return nil

	case ir.OpIndex:
		if instr.ElemSize >= 1<<regvm.IndexArgShift || instr.ArraySize > regvm.IndexArgMask {
			return nerr.New(nerr.PhaseLower, nerr.KindBytecodeMalformed).
				Detail("array bound %d or element size %d exceeds encodable range", instr.ArraySize, instr.ElemSize).Build()
		}
		l.emit(regvm.RegVmCmd{
			Opcode: regvm.OpIndex, RA: registerOf(instr.Operands[0]),
			RB: registerOf(instr.Operands[1]), RC: instr.Register,
			Argument: instr.ElemSize<<regvm.IndexArgShift | instr.ArraySize,
		})
		return nil

	case ir.OpIndexSlice:
		// Runtime-length bounds checks are not modeled by this reduced
		// register-VM lowering (see DESIGN.md); stackvm/lower supports
		// them via OpIndexStk.
		return nerr.New(nerr.PhaseLower, nerr.KindBytecodeMalformed).
			Detail("register-VM lowering does not support unsized-array indexing").Build()

	case ir.OpCall:
		for i, a := range instr.Operands {
			l.emit(regvm.RegVmCmd{Opcode: regvm.OpMove, RA: l.scratchBase + uint8(i), RB: registerOf(a)})
		}
		l.emit(regvm.RegVmCmd{
			Opcode: regvm.OpCall, RA: uint8(len(instr.Operands)), RB: l.scratchBase,
			RC: instr.Register, Argument: instr.VarIndex,
		})
		return nil

	case ir.OpCallPtr:
		if err := l.materialize(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(regvm.RegVmCmd{Opcode: regvm.OpCallPtr, RA: registerOf(instr.Operands[0]), RC: instr.Register})
		return nil

	case ir.OpFuncPtr:
		l.emit(regvm.RegVmCmd{Opcode: regvm.OpLoadImm, RA: instr.Register, Argument: instr.VarIndex})
		return nil

	case ir.OpConvert:
		l.emit(regvm.RegVmCmd{Opcode: regvm.OpMove, RA: instr.Register, RB: registerOf(instr.Operands[0])})
		return nil

	case ir.OpConvertPtr:
		l.emit(regvm.RegVmCmd{
			Opcode: regvm.OpConvertPtr, RA: registerOf(instr.Operands[0]),
			RB: instr.Register, Argument: instr.VarIndex,
		})
		return nil

	default:
		return nerr.New(nerr.PhaseLower, nerr.KindBytecodeMalformed).
			Detail("op %d is not valid in expression position", instr.Op).Build()
	}
}

func registerOf(v ir.Value) uint8 {
	switch n := v.(type) {
	case *ir.Const:
		return n.Register
	case *ir.Instr:
		return n.Register
	default:
		return 0
	}
}

func valueType(v ir.Value) ir.ValueType {
	switch n := v.(type) {
	case *ir.Const:
		return n.Type
	case *ir.Instr:
		return n.Type
	default:
		return ir.ValueType{}
	}
}

func isLong(t ir.ValueType) bool { return t.Category == vmtype.PrimLong }
func isDouble(t ir.ValueType) bool {
	return t.Category == vmtype.PrimDouble || t.Category == vmtype.PrimFloat
}

func arithOp(op ir.Op, t ir.ValueType) regvm.Opcode {
	switch {
	case isDouble(t):
		switch op {
		case ir.OpAdd:
			return regvm.OpAddDouble
		case ir.OpSub:
			return regvm.OpSubDouble
		case ir.OpMul:
			return regvm.OpMulDouble
		case ir.OpPow:
			return regvm.OpPowDouble
		default:
			return regvm.OpDivDouble
		}
	case isLong(t):
		switch op {
		case ir.OpAdd:
			return regvm.OpAddLong
		case ir.OpSub:
			return regvm.OpSubLong
		case ir.OpMul:
			return regvm.OpMulLong
		case ir.OpMod:
			return regvm.OpModLong
		case ir.OpPow:
			return regvm.OpPowLong
		default:
			return regvm.OpDivLong
		}
	default:
		switch op {
		case ir.OpAdd:
			return regvm.OpAddInt
		case ir.OpSub:
			return regvm.OpSubInt
		case ir.OpMul:
			return regvm.OpMulInt
		case ir.OpMod:
			return regvm.OpModInt
		case ir.OpPow:
			return regvm.OpPowInt
		default:
			return regvm.OpDivInt
		}
	}
}

func subOp(t ir.ValueType) regvm.Opcode {
	switch {
	case isDouble(t):
		return regvm.OpSubDouble
	case isLong(t):
		return regvm.OpSubLong
	default:
		return regvm.OpSubInt
	}
}

func compareOp(op ir.Op, t ir.ValueType) regvm.Opcode {
	switch {
	case isDouble(t):
		return doubleCompareOp(op)
	case isLong(t):
		return longCompareOp(op)
	default:
		return intCompareOp(op)
	}
}

func intCompareOp(op ir.Op) regvm.Opcode {
	switch op {
	case ir.OpCmpLt:
		return regvm.OpCmpLtInt
	case ir.OpCmpLe:
		return regvm.OpCmpLeInt
	case ir.OpCmpGt:
		return regvm.OpCmpGtInt
	case ir.OpCmpGe:
		return regvm.OpCmpGeInt
	case ir.OpCmpEq:
		return regvm.OpCmpEqInt
	default:
		return regvm.OpCmpNeInt
	}
}

func longCompareOp(op ir.Op) regvm.Opcode {
	switch op {
	case ir.OpCmpLt:
		return regvm.OpCmpLtLong
	case ir.OpCmpLe:
		return regvm.OpCmpLeLong
	case ir.OpCmpGt:
		return regvm.OpCmpGtLong
	case ir.OpCmpGe:
		return regvm.OpCmpGeLong
	case ir.OpCmpEq:
		return regvm.OpCmpEqLong
	default:
		return regvm.OpCmpNeLong
	}
}

func doubleCompareOp(op ir.Op) regvm.Opcode {
	switch op {
	case ir.OpCmpLt:
		return regvm.OpCmpLtDouble
	case ir.OpCmpLe:
		return regvm.OpCmpLeDouble
	case ir.OpCmpGt:
		return regvm.OpCmpGtDouble
	case ir.OpCmpGe:
		return regvm.OpCmpGeDouble
	case ir.OpCmpEq:
		return regvm.OpCmpEqDouble
	default:
		return regvm.OpCmpNeDouble
	}
}

func loadOp(t ir.ValueType) regvm.Opcode {
	switch {
	case isDouble(t):
		return regvm.OpLoadFloat
	case isLong(t):
		return regvm.OpLoadQWord
	case t.ByteSize == 1:
		return regvm.OpLoadByte
	case t.ByteSize == 2:
		return regvm.OpLoadWord
	default:
		return regvm.OpLoadDWord
	}
}

func storeOp(t ir.ValueType) regvm.Opcode {
	switch {
	case isDouble(t):
		return regvm.OpStoreFloat
	case isLong(t):
		return regvm.OpStoreQWord
	case t.ByteSize == 1:
		return regvm.OpStoreByte
	case t.ByteSize == 2:
		return regvm.OpStoreWord
	default:
		return regvm.OpStoreDWord
	}
}

func returnTag(t ir.ValueType) regvm.ReturnTag {
	switch {
	case t.Category == vmtype.PrimVoid:
		return regvm.ReturnVoid
	case isDouble(t):
		return regvm.ReturnDouble
	case isLong(t):
		return regvm.ReturnLong
	case t.IsStruct():
		return regvm.ReturnStruct
	default:
		return regvm.ReturnInt
	}
}
