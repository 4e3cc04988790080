// Package ir defines the value-IR forest produced by the (external) front
// end and consumed by both lowering passes. Per the Design Note on tagged
// unions, the four variants — function, block, instruction, constant — are
// modeled as a small sealed interface rather than a class hierarchy: each
// concrete type carries exactly the fields its variant needs, and callers
// type-switch on Value instead of reaching for dynamic dispatch.
package ir

import (
	"math"

	"github.com/nullc-go/vm/vmtype"
)

// Value is the sealed set of value-IR node kinds.
type Value interface {
	isValue()
}

// ValueType describes an IR value's type for lowering purposes: a coarse
// category plus byte size, and — for struct-typed values — the concrete
// type-table index.
type ValueType struct {
	Category   vmtype.PrimitiveCategory
	ByteSize   uint32
	StructType int32 // -1 unless Category denotes a struct/class value
}

// IsStruct reports whether this value type names a concrete struct/class.
func (vt ValueType) IsStruct() bool { return vt.StructType >= 0 }

// Op enumerates the operations both lowering passes translate. It is a
// semantic opcode — distinct from stackvm.Opcode and regvm.Opcode, which
// are the VM-specific encodings each lowering pass emits.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow // exponentiation; rviPow's value-IR source (spec §9 open question)
	OpNeg
	OpCmpLt
	OpCmpLe
	OpCmpGt
	OpCmpGe
	OpCmpEq
	OpCmpNe
	OpLoadDirect   // load from a global constant with a known container offset
	OpLoadIndirect // load through a computed pointer
	OpStoreDirect
	OpStoreIndirect
	OpIndex      // fixed-size array index (bounds known statically)
	OpIndexSlice // unsized-array index (bounds carried at runtime)
	OpCall       // call through a construct-function-pointer (known index + context)
	OpCallPtr    // call through a runtime function-pointer value
	OpReturn
	OpYield // coroutine suspend: lowers like OpReturn with the local-return flag set
	OpConvert
	OpConvertPtr
	OpFuncPtr // construct a {function_index, context} value
	OpBranch
	OpCondBranch
)

// Func is the value-IR for one function: its parameter/local layout and
// block list. Blocks are emitted in source order; lowering relies on that
// order to detect fall-through (see stackvm/lower).
type Func struct {
	Name        string
	TypeIndex   uint32
	ReturnType  ValueType
	ParamCount  int
	LocalCount  int
	Category    vmtype.FuncCategory
	ContextType int32
	Blocks      []*Block
}

func (*Func) isValue() {}

// Block is one basic block: a straight-line instruction list ending in a
// terminator (OpReturn, OpYield, OpBranch, OpCondBranch, or fall-through to
// the next block).
type Block struct {
	Index  int
	Instrs []*Instr
}

func (*Block) isValue() {}

// Instr is one value-IR instruction. Operands reference other Instr/Const
// nodes, forming the forest the spec describes; VarIndex/TargetBlock are
// populated only for the opcodes that use them.
type Instr struct {
	Op       Op
	Type     ValueType
	Operands []Value
	Span     vmtype.SourceSpan

	// VarIndex names the variable (global or local) a Load*/Store*/FuncPtr
	// instruction addresses; for OpCall/OpFuncPtr it is the function index.
	VarIndex uint32
	// TargetBlock names the destination block for OpBranch/OpCondBranch,
	// and the containing coroutine's resume point for OpYield.
	TargetBlock int
	// ElemSize/ArraySize are populated for OpIndex/OpIndexSlice.
	ElemSize  uint32
	ArraySize uint32

	// Register is the register number an external register allocator
	// (part of the value-IR layer, outside this package's scope) has
	// already assigned this operand within its function's per-frame
	// register file (spec §4.6). Only regvm/lower consults it; stackvm/lower
	// ignores it since the stack VM has no register file.
	Register uint8
}

func (*Instr) isValue() {}

// Const is a compile-time constant value, the IR's leaf node.
type Const struct {
	Type ValueType
	// Bits holds the constant's raw bit pattern: sign-extended integers,
	// IEEE-754 bit patterns for float/double, zero for void.
	Bits uint64
	// Register is the pre-assigned destination register regvm/lower loads
	// this constant into (see Instr.Register).
	Register uint8
}

func (*Const) isValue() {}

// IsUnitConstant reports whether this constant is the integer/float value 1,
// the trigger for the stack-VM lowering pass's inc/dec collapse (spec §4.4,
// §8 "Increment collapse").
func (c *Const) IsUnitConstant() bool {
	switch c.Type.Category {
	case vmtype.PrimInt, vmtype.PrimShort, vmtype.PrimChar:
		return int64(c.Bits) == 1
	case vmtype.PrimLong:
		return int64(c.Bits) == 1
	case vmtype.PrimFloat:
		return uint32(c.Bits) == math.Float32bits(1.0)
	case vmtype.PrimDouble:
		return c.Bits == math.Float64bits(1.0)
	}
	return false
}
