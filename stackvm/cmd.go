// Package stackvm implements the stack-based virtual machine (spec §4.4,
// §4.5): VMCmd lowering and the dispatch-loop executor that runs it.
package stackvm

// Opcode tags one VMCmd. Unlike ir.Op (the lowering passes' shared input
// vocabulary), Opcode is the stack VM's own encoding: typed per operand
// width where the source language's type determines behavior (arithmetic,
// comparison, load/store).
type Opcode uint8

const (
	OpNop Opcode = iota

	// OpPushVTop is the function prologue (spec §4.4): IntArg is the frame
	// size in bytes (parameters plus locals, rounded up to 16 by the
	// lowering pass), and the engine zero-fills whatever part of that frame
	// the pushed parameters do not already occupy. The caller's frame top is
	// saved in the engine's call-frame record on call entry; it is not
	// pushed onto the operand stack.
	OpPushVTop
	// OpPop discards ShortArg bytes from the operand stack.
	OpPop

	// OpPushIntConst pushes a 32-bit immediate embedded directly in IntArg.
	// OpPushLongConst/OpPushDoubleConst push the constant's low 32 bits
	// zero-extended to the full 64-bit stack slot; when the constant's high
	// 32 bits are non-zero, the lowering pass follows with OpPushConstHigh
	// to OR them into the word just pushed (mirrors regvm's
	// OpLoadImm/OpLoadImmHigh pair).
	OpPushIntConst
	OpPushLongConst
	OpPushDoubleConst
	// OpPushConstHigh ORs IntArg<<32 into the 8-byte stack slot on top of
	// the operand stack, completing a preceding OpPushLongConst/
	// OpPushDoubleConst's high half.
	OpPushConstHigh

	// Direct loads: source is a global constant with a known container
	// offset. IntArg is the module-tagged global offset (see vmtype.GlobalAddr).
	OpLoadGlobalInt
	OpLoadGlobalLong
	OpLoadGlobalDouble

	// Local loads/stores: IntArg is the byte displacement from the current
	// frame top (where the call's first parameter sits on the operand
	// stack, set on call entry); these address a
	// function's own parameters and locals without needing a pointer value
	// on the stack first.
	OpLoadLocalInt
	OpStoreLocalInt

	// Indirect loads: the pointer was already pushed; IntArg is the static
	// displacement added to it.
	OpLoadIndirectInt
	OpLoadIndirectLong
	OpLoadIndirectDouble

	// Stores mirror loads and pop the stored value's byte size afterward
	// (spec §4.4 "Stores mirror loads").
	OpStoreGlobalInt
	OpStoreGlobalLong
	OpStoreGlobalDouble
	OpStoreIndirectInt
	OpStoreIndirectLong
	OpStoreIndirectDouble

	OpAddInt
	OpSubInt
	OpMulInt
	OpDivInt
	OpIncInt // add-by-1 collapse (spec §4.4, §8 "Increment collapse")
	OpDecInt
	OpPowInt // rviPow's stack-VM analogue: non-negative exponent by repeated multiplication (spec §9 open question)

	OpAddLong
	OpSubLong
	OpMulLong
	OpDivLong
	OpModLong
	OpIncLong
	OpDecLong
	OpPowLong

	OpModInt

	OpAddDouble
	OpSubDouble
	OpMulDouble
	OpDivDouble
	OpPowDouble

	OpCmpLtInt
	OpCmpLeInt
	OpCmpGtInt
	OpCmpGeInt
	OpCmpEqInt
	OpCmpNeInt

	OpCmpLtLong
	OpCmpLeLong
	OpCmpGtLong
	OpCmpGeLong
	OpCmpEqLong
	OpCmpNeLong

	OpCmpLtDouble
	OpCmpLeDouble
	OpCmpGtDouble
	OpCmpGeDouble
	OpCmpEqDouble
	OpCmpNeDouble

	// OpFuncPtr pushes a {function_index, context} value: function index
	// (IntArg) followed by a zero context word (closures are out of scope
	// for this lowering pass — see DESIGN.md).
	OpFuncPtr

	// OpJmp/OpJmpZ/OpJmpNZ jump to the VMCmd index in IntArg. Jmpz/Jmpnz pop
	// a 4-byte int condition first.
	OpJmp
	OpJmpZ
	OpJmpNZ

	// OpIndex bounds-checks a fixed-size array: ShortArg is the element
	// size, IntArg the static array length. OpIndexStk reads the runtime
	// length from the slice header already on the stack.
	OpIndex
	OpIndexStk

	// OpCall invokes function IntArg; Flag carries the helper return-shape
	// tag (spec §4.4 "helper packs..."). OpCallPtr reads a (fn_index,
	// context) pair from the stack top.
	OpCall
	OpCallPtr

	// Returns select the opcode from the return value's type; Flag bit 0
	// set means this is a coroutine yield rather than a true return (spec
	// §4.4 "coroutine yields are returns with the local-return flag set").
	OpReturnVoid
	OpReturnInt
	OpReturnDouble
	OpReturnLong

	// OpConvertPtr runtime-checks a dynamic type ID against IntArg (the
	// target type index), failing invalid_pointer_cast (spec §4.5).
	OpConvertPtr
)

// FlagYield marks a OpReturn* command as a coroutine yield rather than a
// true function return.
const FlagYield uint8 = 1 << 0

// VMCmd is the stack VM's instruction encoding (spec §4.4): a single opcode
// plus three operand fields of increasing width, matching the teacher's own
// preference for a flat fixed-shape instruction struct over a tagged union
// per opcode.
type VMCmd struct {
	Opcode   Opcode
	Flag     uint8
	ShortArg uint16
	IntArg   uint32
}
