// Package lower translates one value-IR function (package ir) into a
// stack-VM VMCmd stream (spec §4.4), grounded on the original compiler's
// InstructionTreeVmLower.cpp: a pushvtop prologue, per-block address
// recording with forward-branch fixups applied once every block's address
// is known, fall-through elision (an OpBranch whose target is the block
// immediately next in fn.Blocks order is dropped instead of emitting a jump
// to the very next instruction), and the inc/dec collapse that recognizes
// add/sub-by-one and swaps in the cheaper dedicated opcode.
package lower

import (
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/ir"
	"github.com/nullc-go/vm/stackvm"
	"github.com/nullc-go/vm/vmtype"
)

type fixup struct {
	progIndex   int
	targetBlock int
}

type lowerer struct {
	fn         *ir.Func
	prog       []stackvm.VMCmd
	blockStart []int
	fixups     []fixup
	// fallThrough is the Index of the block physically next after the one
	// currently being lowered, or -1 if the current block is last. An
	// OpBranch targeting it needs no emitted jump.
	fallThrough int
}

// Lower translates fn's blocks into a VMCmd stream. It emits no parameter
// or local loads/stores; globals are addressed by their module-tagged
// container offset carried in Instr.VarIndex.
func Lower(fn *ir.Func) ([]stackvm.VMCmd, error) {
	l := &lowerer{fn: fn, blockStart: make([]int, len(fn.Blocks))}

	frameSize := (uint32(fn.ParamCount+fn.LocalCount)*4 + 15) &^ 15
	l.emit(stackvm.VMCmd{Opcode: stackvm.OpPushVTop, IntArg: frameSize})

	for bi, b := range fn.Blocks {
		l.blockStart[b.Index] = len(l.prog)
		if bi+1 < len(fn.Blocks) {
			l.fallThrough = fn.Blocks[bi+1].Index
		} else {
			l.fallThrough = -1
		}
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
		l.prog[fx.progIndex].IntArg = uint32(l.blockStart[fx.targetBlock])
	}
	return l.prog, nil
}

func (l *lowerer) emit(c stackvm.VMCmd) int {
	l.prog = append(l.prog, c)
	return len(l.prog) - 1
}

// lowerStmt lowers one top-level (statement-position) instruction: a
// store, return, yield, branch, or a bare expression whose result is
// discarded.
func (l *lowerer) lowerStmt(instr *ir.Instr) error {
	switch instr.Op {
	case ir.OpStoreDirect:
		if err := l.emitValue(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: storeGlobalOp(valueType(instr.Operands[0])), IntArg: instr.VarIndex})
		return nil

	case ir.OpStoreIndirect:
		if err := l.emitValue(instr.Operands[0]); err != nil { // pointer
			return err
		}
		if err := l.emitValue(instr.Operands[1]); err != nil { // value
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: storeIndirectOp(valueType(instr.Operands[1])), IntArg: instr.VarIndex})
		return nil

	case ir.OpReturn, ir.OpYield:
		var flag uint8
		if instr.Op == ir.OpYield {
			flag = stackvm.FlagYield
		}
		if len(instr.Operands) == 0 {
			l.emit(stackvm.VMCmd{Opcode: stackvm.OpReturnVoid, Flag: flag})
			return nil
		}
		if err := l.emitValue(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: returnOp(valueType(instr.Operands[0])), Flag: flag})
		return nil

	case ir.OpBranch:
		if instr.TargetBlock == l.fallThrough {
			// Falls straight into the next block; no jump needed.
			return nil
		}
		idx := l.emit(stackvm.VMCmd{Opcode: stackvm.OpJmp})
		l.fixups = append(l.fixups, fixup{idx, instr.TargetBlock})
		return nil

	case ir.OpCondBranch:
		if err := l.emitValue(instr.Operands[0]); err != nil {
			return err
		}
		idx := l.emit(stackvm.VMCmd{Opcode: stackvm.OpJmpNZ})
		l.fixups = append(l.fixups, fixup{idx, instr.TargetBlock})
		return nil

	default:
		// A bare expression statement: evaluate for side effects (e.g. a
		// call) and discard its result.
		if err := l.emitValue(instr); err != nil {
			return err
		}
		if instr.Type.Category != vmtype.PrimVoid {
			l.emit(stackvm.VMCmd{Opcode: stackvm.OpPop, ShortArg: uint16(instr.Type.ByteSize)})
		}
		return nil
	}
}

// emitValue emits code that leaves v's value on the operand stack.
func (l *lowerer) emitValue(v ir.Value) error {
	switch n := v.(type) {
	case *ir.Const:
		return l.emitConst(n)
	case *ir.Instr:
		return l.emitExpr(n)
	default:
		return nerr.New(nerr.PhaseLower, nerr.KindBytecodeMalformed).
			Detail("unexpected value-IR node %T in expression position", v).Build()
	}
}

// emitConst pushes c's bit pattern. Double/long constants whose value needs
// more than 32 bits carry the high half in a following OpPushConstHigh,
// mirroring regvm/lower's OpLoadImm/OpLoadImmHigh pair — without it, any
// double or large long literal would silently truncate to its low word
// (spec §8 "semantic equivalence across VMs").
func (l *lowerer) emitConst(c *ir.Const) error {
	switch c.Type.Category {
	case vmtype.PrimDouble, vmtype.PrimFloat:
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpPushDoubleConst, IntArg: uint32(c.Bits)})
	case vmtype.PrimLong:
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpPushLongConst, IntArg: uint32(c.Bits)})
	default:
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpPushIntConst, IntArg: uint32(c.Bits)})
		return nil
	}
	if high := uint32(c.Bits >> 32); high != 0 {
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpPushConstHigh, IntArg: high})
	}
	return nil
}

// emitExpr lowers an expression-position instruction, leaving exactly one
// result value (by its natural width) on the stack.
func (l *lowerer) emitExpr(instr *ir.Instr) error {
	switch instr.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpMod, ir.OpPow:
		return l.emitArith(instr)

	case ir.OpNeg:
		l.emit(zeroConst(instr.Type))
		if err := l.emitValue(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: subOp(instr.Type)})
		return nil

	case ir.OpCmpLt, ir.OpCmpLe, ir.OpCmpGt, ir.OpCmpGe, ir.OpCmpEq, ir.OpCmpNe:
		return l.emitCompare(instr)

	case ir.OpLoadDirect:
		l.emit(stackvm.VMCmd{Opcode: loadGlobalOp(instr.Type), IntArg: instr.VarIndex})
		return nil

	case ir.OpLoadIndirect:
		if err := l.emitValue(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: loadIndirectOp(instr.Type), IntArg: instr.VarIndex})
		return nil

	case ir.OpIndex:
		if err := l.emitValue(instr.Operands[0]); err != nil { // base pointer
			return err
		}
		if err := l.emitValue(instr.Operands[1]); err != nil { // index
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpIndex, ShortArg: uint16(instr.ElemSize), IntArg: instr.ArraySize})
		return nil

	case ir.OpIndexSlice:
		if err := l.emitValue(instr.Operands[0]); err != nil { // base pointer
			return err
		}
		if err := l.emitValue(instr.Operands[1]); err != nil { // runtime length
			return err
		}
		if err := l.emitValue(instr.Operands[2]); err != nil { // index
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpIndexStk, ShortArg: uint16(instr.ElemSize)})
		return nil

	case ir.OpCall:
		for _, a := range instr.Operands {
			if err := l.emitValue(a); err != nil {
				return err
			}
		}
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpCall, IntArg: instr.VarIndex})
		return nil

	case ir.OpCallPtr:
		for _, a := range instr.Operands[1:] {
			if err := l.emitValue(a); err != nil {
				return err
			}
		}
		if err := l.emitValue(instr.Operands[0]); err != nil { // pushes target, then context
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpCallPtr})
		return nil

	case ir.OpFuncPtr:
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpFuncPtr, IntArg: instr.VarIndex})
		return nil

	case ir.OpConvert:
		// Widening/narrowing numeric conversion; left as a structural
		// passthrough of the already-evaluated operand (see DESIGN.md —
		// the reduced lowering pass does not re-encode bit patterns across
		// primitive categories).
		return l.emitValue(instr.Operands[0])

	case ir.OpConvertPtr:
		if err := l.emitValue(instr.Operands[0]); err != nil {
			return err
		}
		l.emit(stackvm.VMCmd{Opcode: stackvm.OpConvertPtr, IntArg: instr.VarIndex})
		return nil

	default:
		return nerr.New(nerr.PhaseLower, nerr.KindBytecodeMalformed).
			Detail("op %d is not valid in expression position", instr.Op).Build()
	}
}

// emitArith lowers a binary arithmetic instruction, collapsing int/long
// add/sub of the constant 1 into the dedicated inc/dec opcode (spec §4.4,
// §8 "Increment collapse"). There is no double inc/dec opcode, so a
// double or float add/sub by 1.0 is emitted as ordinary arithmetic.
func (l *lowerer) emitArith(instr *ir.Instr) error {
	if c, ok := instr.Operands[1].(*ir.Const); ok && c.IsUnitConstant() && !isDouble(instr.Type) {
		if instr.Op == ir.OpAdd || instr.Op == ir.OpSub {
			if err := l.emitValue(instr.Operands[0]); err != nil {
				return err
			}
			l.emit(stackvm.VMCmd{Opcode: incDecOp(instr.Op, instr.Type)})
			return nil
		}
	}

	if err := l.emitValue(instr.Operands[0]); err != nil {
		return err
	}
	if err := l.emitValue(instr.Operands[1]); err != nil {
		return err
	}
	l.emit(stackvm.VMCmd{Opcode: arithOp(instr.Op, instr.Type)})
	return nil
}

func (l *lowerer) emitCompare(instr *ir.Instr) error {
	if err := l.emitValue(instr.Operands[0]); err != nil {
		return err
	}
	if err := l.emitValue(instr.Operands[1]); err != nil {
		return err
	}
	l.emit(stackvm.VMCmd{Opcode: compareOp(instr.Op, instr.Operands[0])})
	return nil
}

func zeroConst(t ir.ValueType) stackvm.VMCmd {
	switch t.Category {
	case vmtype.PrimDouble, vmtype.PrimFloat:
		return stackvm.VMCmd{Opcode: stackvm.OpPushDoubleConst}
	case vmtype.PrimLong:
		return stackvm.VMCmd{Opcode: stackvm.OpPushLongConst}
	default:
		return stackvm.VMCmd{Opcode: stackvm.OpPushIntConst}
	}
}

func isLong(t ir.ValueType) bool   { return t.Category == vmtype.PrimLong }
func isDouble(t ir.ValueType) bool { return t.Category == vmtype.PrimDouble || t.Category == vmtype.PrimFloat }

func arithOp(op ir.Op, t ir.ValueType) stackvm.Opcode {
	switch {
	case isDouble(t):
		switch op {
		case ir.OpAdd:
			return stackvm.OpAddDouble
		case ir.OpSub:
			return stackvm.OpSubDouble
		case ir.OpMul:
			return stackvm.OpMulDouble
		case ir.OpPow:
			return stackvm.OpPowDouble
		default:
			return stackvm.OpDivDouble
		}
	case isLong(t):
		switch op {
		case ir.OpAdd:
			return stackvm.OpAddLong
		case ir.OpSub:
			return stackvm.OpSubLong
		case ir.OpMul:
			return stackvm.OpMulLong
		case ir.OpMod:
			return stackvm.OpModLong
		case ir.OpPow:
			return stackvm.OpPowLong
		default:
			return stackvm.OpDivLong
		}
	default:
		switch op {
		case ir.OpAdd:
			return stackvm.OpAddInt
		case ir.OpSub:
			return stackvm.OpSubInt
		case ir.OpMul:
			return stackvm.OpMulInt
		case ir.OpMod:
			return stackvm.OpModInt
		case ir.OpPow:
			return stackvm.OpPowInt
		default:
			return stackvm.OpDivInt
		}
	}
}

func subOp(t ir.ValueType) stackvm.Opcode {
	switch {
	case isDouble(t):
		return stackvm.OpSubDouble
	case isLong(t):
		return stackvm.OpSubLong
	default:
		return stackvm.OpSubInt
	}
}

func incDecOp(op ir.Op, t ir.ValueType) stackvm.Opcode {
	long := isLong(t)
	switch {
	case op == ir.OpAdd && !long:
		return stackvm.OpIncInt
	case op == ir.OpAdd && long:
		return stackvm.OpIncLong
	case op == ir.OpSub && !long:
		return stackvm.OpDecInt
	default:
		return stackvm.OpDecLong
	}
}

func compareOp(op ir.Op, operand ir.Value) stackvm.Opcode {
	t := valueType(operand)
	switch {
	case isDouble(t):
		return doubleCompareOp(op)
	case isLong(t):
		return longCompareOp(op)
	default:
		return intCompareOp(op)
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

func intCompareOp(op ir.Op) stackvm.Opcode {
	switch op {
	case ir.OpCmpLt:
		return stackvm.OpCmpLtInt
	case ir.OpCmpLe:
		return stackvm.OpCmpLeInt
	case ir.OpCmpGt:
		return stackvm.OpCmpGtInt
	case ir.OpCmpGe:
		return stackvm.OpCmpGeInt
	case ir.OpCmpEq:
		return stackvm.OpCmpEqInt
	default:
		return stackvm.OpCmpNeInt
	}
}

func longCompareOp(op ir.Op) stackvm.Opcode {
	switch op {
	case ir.OpCmpLt:
		return stackvm.OpCmpLtLong
	case ir.OpCmpLe:
		return stackvm.OpCmpLeLong
	case ir.OpCmpGt:
		return stackvm.OpCmpGtLong
	case ir.OpCmpGe:
		return stackvm.OpCmpGeLong
	case ir.OpCmpEq:
		return stackvm.OpCmpEqLong
	default:
		return stackvm.OpCmpNeLong
	}
}

func doubleCompareOp(op ir.Op) stackvm.Opcode {
	switch op {
	case ir.OpCmpLt:
		return stackvm.OpCmpLtDouble
	case ir.OpCmpLe:
		return stackvm.OpCmpLeDouble
	case ir.OpCmpGt:
		return stackvm.OpCmpGtDouble
	case ir.OpCmpGe:
		return stackvm.OpCmpGeDouble
	case ir.OpCmpEq:
		return stackvm.OpCmpEqDouble
	default:
		return stackvm.OpCmpNeDouble
	}
}

func loadGlobalOp(t ir.ValueType) stackvm.Opcode {
	switch {
	case isDouble(t):
		return stackvm.OpLoadGlobalDouble
	case isLong(t):
		return stackvm.OpLoadGlobalLong
	default:
		return stackvm.OpLoadGlobalInt
	}
}

func loadIndirectOp(t ir.ValueType) stackvm.Opcode {
	switch {
	case isDouble(t):
		return stackvm.OpLoadIndirectDouble
	case isLong(t):
		return stackvm.OpLoadIndirectLong
	default:
		return stackvm.OpLoadIndirectInt
	}
}

func storeGlobalOp(t ir.ValueType) stackvm.Opcode {
	switch {
	case isDouble(t):
		return stackvm.OpStoreGlobalDouble
	case isLong(t):
		return stackvm.OpStoreGlobalLong
	default:
		return stackvm.OpStoreGlobalInt
	}
}

func storeIndirectOp(t ir.ValueType) stackvm.Opcode {
	switch {
	case isDouble(t):
		return stackvm.OpStoreIndirectDouble
	case isLong(t):
		return stackvm.OpStoreIndirectLong
	default:
		return stackvm.OpStoreIndirectInt
	}
}

func returnOp(t ir.ValueType) stackvm.Opcode {
	switch {
	case t.Category == vmtype.PrimVoid:
		return stackvm.OpReturnVoid
	case isDouble(t):
		return stackvm.OpReturnDouble
	case isLong(t):
		return stackvm.OpReturnLong
	default:
		return stackvm.OpReturnInt
	}
}
