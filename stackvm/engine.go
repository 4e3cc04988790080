package stackvm

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/extension"
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// defaultStackSize is the operand stack's initial capacity in bytes; it
// grows on demand, mirroring the original VM's doubling reallocation.
const defaultStackSize = 4096

// maxCallDepth bounds recursion; exceeding it raises stack_overflow (spec §7).
const maxCallDepth = 4096

// callFrame records one active call's saved caller frame top and the
// operand-stack position its own frame begins at (spec §4.5 "frame-top
// pointer"). returnPC is not written: the caller's program counter stays
// in the recursive Engine.call that made the call.
type callFrame struct {
	returnPC int
	frameTop int // caller's frameTop, restored on return
	argsBase int // this call's own frame base, truncated back to on return
}

// Engine executes one linked image's stack-VM instruction stream (spec
// §4.5). It owns the operand stack, the call stack, and a private copy of
// the global segment; Functions/Code/Globals are read-only after
// construction except for the extension package's override patching (see
// extension.Override).
type Engine struct {
	Functions []vmtype.Function
	Code      []VMCmd
	Globals   []byte
	Image     *bytecode.Image

	// table, when non-nil, is consulted instead of Functions so that
	// overrides committed through a shared extension.Table after
	// construction become visible (extension.Options.ShareOverrides; see
	// NewEngineWithTable).
	table *extension.Table

	stack    []byte
	frames   []callFrame
	frameTop int

	// lastYielded records whether the instruction that halted the most
	// recent Call carried FlagYield, distinguishing a coroutine's
	// suspension from its final return (see package coroutine).
	lastYielded bool

	// ctx and instrBudget/instrCount back CallContext's cancellation and
	// timeout checks (spec §5); instrCount counts back-edge jumps and calls,
	// not instructions. Both zero-value (ctx nil,
	// instrBudget 0) when Call was used directly, in which case
	// checkBudget is a no-op.
	ctx         context.Context
	instrBudget int
	instrCount  int
}

// LastCallYielded reports whether the most recent Call halted on a yield
// (FlagYield set) rather than a genuine return.
func (e *Engine) LastCallYielded() bool { return e.lastYielded }

// NewEngine builds an Engine ready to run functions from a linked image.
// code is the already-decoded VMCmd stream (see DecodeProgram). Overrides
// made through an extension.Table afterward are not observed; use
// NewEngineWithTable for that.
func NewEngine(img *bytecode.Image, code []VMCmd) *Engine {
	return &Engine{
		Functions: img.Functions,
		Code:      code,
		Globals:   make([]byte, img.GlobalSegmentSize),
		Image:     img,
		stack:     make([]byte, defaultStackSize),
	}
}

// NewEngineWithTable builds an Engine whose function entries come from
// table, per opts (extension.Options.ShareOverrides): either a private
// snapshot frozen now, or the table itself, re-read on every call.
func NewEngineWithTable(img *bytecode.Image, code []VMCmd, table *extension.Table, opts extension.Options) *Engine {
	e := NewEngine(img, code)
	snapshot, live := extension.Bind(table, opts)
	if live != nil {
		e.table = live
	} else {
		e.Functions = snapshot
	}
	return e
}

// functions returns the function table this engine should read from for
// the current call: table's live snapshot if bound, else the static
// Functions slice.
func (e *Engine) functions() []vmtype.Function {
	if e.table != nil {
		return e.table.Snapshot()
	}
	return e.Functions
}

// Call runs funcIndex to completion with the given raw argument words
// (already pushed onto the operand stack by the caller's convention: spec
// §4.1 "arguments are pushed by the caller, widest half first") and returns
// its raw result words.
func (e *Engine) Call(funcIndex uint32, args []uint32) ([]uint32, error) {
	if int(funcIndex) >= len(e.functions()) {
		return nil, nerr.OutOfBounds(nerr.PhaseExecute, int(funcIndex), len(e.functions()))
	}
	e.frameTop = 0
	e.stack = e.stack[:0]
	for _, a := range args {
		e.pushU32(a)
	}
	return e.call(funcIndex)
}

// CallContext runs funcIndex like Call, but checks ctx for cancellation and
// enforces a budget (0 disables the budget check) at every back-edge jump
// and call, per spec §5's "cancellation checked at back-edge jumps and
// calls"; the budget counts those checkpoints, not individual
// instructions. Grounded on runtime/call_session.go's
// ctx-threaded Step, generalized from one wasm step to this VM's own loop.
func (e *Engine) CallContext(ctx context.Context, funcIndex uint32, args []uint32, instrBudget int) ([]uint32, error) {
	e.ctx = ctx
	e.instrBudget = instrBudget
	e.instrCount = 0
	defer func() { e.ctx = nil }()
	return e.Call(funcIndex, args)
}

func (e *Engine) call(funcIndex uint32) ([]uint32, error) {
	if len(e.frames) >= maxCallDepth {
		return nil, nerr.New(nerr.PhaseExecute, nerr.KindStackOverflow).
			Detail("call depth exceeded %d", maxCallDepth).Build()
	}
	fn := e.functions()[funcIndex]
	if fn.NativePtr != nil && fn.StackCodeLength == 0 {
		return e.callNative(fn)
	}

	// Params occupy the last ParamCount*4 bytes already pushed by the
	// caller; the new frame's local-addressing base starts there, so
	// OpLoadLocalInt/OpStoreLocalInt at displacement 0 reach the first
	// parameter. This is a 32-bit-word-per-parameter simplification (see
	// DESIGN.md); wider parameter types are not modeled by this reduced
	// calling convention.
	argBytes := int(fn.ParamCount) * 4
	argsBase := len(e.stack) - argBytes

	pc := int(fn.StackEntryOffset)
	e.frames = append(e.frames, callFrame{frameTop: e.frameTop, argsBase: argsBase})
	e.frameTop = argsBase
	defer func() { e.frames = e.frames[:len(e.frames)-1] }()

	end := pc + int(fn.StackCodeLength)
	for pc < end {
		cmd := e.Code[pc]
		if isBackEdge(cmd, pc) {
			if err := e.checkBudget(); err != nil {
				return nil, err
			}
		}
		ret, halt, err := e.step(&pc, cmd, funcIndex)
		if err != nil {
			return nil, err
		}
		if halt {
			return ret, nil
		}
	}
	return nil, nil
}

// isBackEdge reports whether cmd is one of the control-flow points spec §5
// requires cancellation/timeout checks at: a jump targeting an
// already-executed instruction (a loop's back edge), or a call (which may
// recurse back into already-executed code).
func isBackEdge(cmd VMCmd, pc int) bool {
	switch cmd.Opcode {
	case OpJmp, OpJmpZ, OpJmpNZ:
		return int(cmd.IntArg) <= pc
	case OpCall, OpCallPtr:
		return true
	}
	return false
}

// checkBudget enforces CallContext's cancellation and instruction-count
// limits (spec §5, §7 execution_cancelled/execution_timeout). A no-op when
// Call was used directly (ctx nil, budget 0).
func (e *Engine) checkBudget() error {
	if e.ctx != nil {
		select {
		case <-e.ctx.Done():
			return nerr.New(nerr.PhaseExecute, nerr.KindExecutionCancelled).
				Detail("context cancelled: %v", e.ctx.Err()).Build()
		default:
		}
	}
	if e.instrBudget > 0 {
		e.instrCount++
		if e.instrCount > e.instrBudget {
			return nerr.New(nerr.PhaseExecute, nerr.KindExecutionTimeout).
				Detail("instruction budget of %d exceeded", e.instrBudget).Build()
		}
	}
	return nil
}

func (e *Engine) callNative(fn vmtype.Function) ([]uint32, error) {
	argWords := int(fn.ParamCount)
	args := make([]uint32, argWords)
	base := len(e.stack) - argWords*4
	if base < 0 {
		return nil, nerr.New(nerr.PhaseExecute, nerr.KindNativeABIMismatch).
			Detail("native call expects %d argument words, stack has fewer", argWords).Build()
	}
	for i := 0; i < argWords; i++ {
		args[i] = binary.LittleEndian.Uint32(e.stack[base+i*4:])
	}
	e.stack = e.stack[:base]
	return fn.NativePtr(args)
}

// step executes one VMCmd, advancing pc. halt is true when the command
// returned from the current function.
func (e *Engine) step(pc *int, cmd VMCmd, funcIndex uint32) (result []uint32, halt bool, err error) {
	switch cmd.Opcode {
	case OpNop:
		*pc++

	case OpPushVTop:
		// IntArg is the function's total frame size (params+locals) in
		// bytes; reserve whatever space the already-pushed parameters
		// don't already occupy, zero-initialized.
		have := len(e.stack) - e.frameTop
		if want := int(cmd.IntArg); want > have {
			e.stack = append(e.stack, make([]byte, want-have)...)
		}
		*pc++

	case OpPop:
		e.stack = e.stack[:len(e.stack)-int(cmd.ShortArg)]
		*pc++

	case OpPushIntConst:
		e.pushInt(int32(cmd.IntArg))
		*pc++
	case OpPushLongConst:
		e.pushLong(int64(cmd.IntArg)) // zero-extended; OpPushConstHigh ORs in the high word if any
		*pc++
	case OpPushDoubleConst:
		e.pushDouble(math.Float64frombits(uint64(cmd.IntArg)))
		*pc++
	case OpPushConstHigh:
		n := len(e.stack)
		bits := binary.LittleEndian.Uint64(e.stack[n-8:]) | uint64(cmd.IntArg)<<32
		binary.LittleEndian.PutUint64(e.stack[n-8:], bits)
		*pc++

	case OpLoadGlobalInt:
		e.pushInt(int32(binary.LittleEndian.Uint32(e.Globals[e.globalOffset(cmd.IntArg):])))
		*pc++
	case OpLoadGlobalLong:
		e.pushLong(int64(binary.LittleEndian.Uint64(e.Globals[e.globalOffset(cmd.IntArg):])))
		*pc++
	case OpLoadGlobalDouble:
		e.pushDouble(math.Float64frombits(binary.LittleEndian.Uint64(e.Globals[e.globalOffset(cmd.IntArg):])))
		*pc++

	case OpStoreGlobalInt:
		v := e.popInt()
		binary.LittleEndian.PutUint32(e.Globals[e.globalOffset(cmd.IntArg):], uint32(v))
		*pc++
	case OpStoreGlobalLong:
		v := e.popLong()
		binary.LittleEndian.PutUint64(e.Globals[e.globalOffset(cmd.IntArg):], uint64(v))
		*pc++
	case OpStoreGlobalDouble:
		v := e.popDouble()
		binary.LittleEndian.PutUint64(e.Globals[e.globalOffset(cmd.IntArg):], math.Float64bits(v))
		*pc++

	case OpLoadLocalInt:
		off := e.frameTop + int(cmd.IntArg)
		e.pushInt(int32(binary.LittleEndian.Uint32(e.stack[off:])))
		*pc++
	case OpStoreLocalInt:
		v := e.popInt()
		off := e.frameTop + int(cmd.IntArg)
		binary.LittleEndian.PutUint32(e.stack[off:], uint32(v))
		*pc++

	case OpLoadIndirectInt:
		ptr := e.popInt()
		off := int(ptr) + int(cmd.IntArg)
		e.pushInt(int32(binary.LittleEndian.Uint32(e.stack[off:])))
		*pc++
	case OpLoadIndirectLong:
		ptr := e.popInt()
		off := int(ptr) + int(cmd.IntArg)
		e.pushLong(int64(binary.LittleEndian.Uint64(e.stack[off:])))
		*pc++
	case OpLoadIndirectDouble:
		ptr := e.popInt()
		off := int(ptr) + int(cmd.IntArg)
		e.pushDouble(math.Float64frombits(binary.LittleEndian.Uint64(e.stack[off:])))
		*pc++

	case OpStoreIndirectInt:
		v := e.popInt()
		ptr := e.popInt()
		off := int(ptr) + int(cmd.IntArg)
		binary.LittleEndian.PutUint32(e.stack[off:], uint32(v))
		*pc++
	case OpStoreIndirectLong:
		v := e.popLong()
		ptr := e.popInt()
		off := int(ptr) + int(cmd.IntArg)
		binary.LittleEndian.PutUint64(e.stack[off:], uint64(v))
		*pc++
	case OpStoreIndirectDouble:
		v := e.popDouble()
		ptr := e.popInt()
		off := int(ptr) + int(cmd.IntArg)
		binary.LittleEndian.PutUint64(e.stack[off:], math.Float64bits(v))
		*pc++

	case OpAddInt:
		b, a := e.popInt(), e.popInt()
		e.pushInt(a + b)
		*pc++
	case OpSubInt:
		b, a := e.popInt(), e.popInt()
		e.pushInt(a - b)
		*pc++
	case OpMulInt:
		b, a := e.popInt(), e.popInt()
		e.pushInt(a * b)
		*pc++
	case OpDivInt:
		b, a := e.popInt(), e.popInt()
		if b == 0 {
			return nil, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.pushInt(a / b)
		*pc++
	case OpIncInt:
		v := e.popInt()
		e.pushInt(v + 1)
		*pc++
	case OpDecInt:
		v := e.popInt()
		e.pushInt(v - 1)
		*pc++
	case OpPowInt:
		b, a := e.popInt(), e.popInt()
		r, err := powInt(a, b)
		if err != nil {
			return nil, false, err
		}
		e.pushInt(r)
		*pc++

	case OpAddLong:
		b, a := e.popLong(), e.popLong()
		e.pushLong(a + b)
		*pc++
	case OpSubLong:
		b, a := e.popLong(), e.popLong()
		e.pushLong(a - b)
		*pc++
	case OpMulLong:
		b, a := e.popLong(), e.popLong()
		e.pushLong(a * b)
		*pc++
	case OpDivLong:
		b, a := e.popLong(), e.popLong()
		if b == 0 {
			return nil, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.pushLong(a / b)
		*pc++
	case OpIncLong:
		v := e.popLong()
		e.pushLong(v + 1)
		*pc++
	case OpModLong:
		b, a := e.popLong(), e.popLong()
		if b == 0 {
			return nil, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.pushLong(a % b)
		*pc++

	case OpModInt:
		b, a := e.popInt(), e.popInt()
		if b == 0 {
			return nil, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.pushInt(a % b)
		*pc++
	case OpDecLong:
		v := e.popLong()
		e.pushLong(v - 1)
		*pc++
	case OpPowLong:
		b, a := e.popLong(), e.popLong()
		r, err := powLong(a, b)
		if err != nil {
			return nil, false, err
		}
		e.pushLong(r)
		*pc++

	case OpAddDouble:
		b, a := e.popDouble(), e.popDouble()
		e.pushDouble(a + b)
		*pc++
	case OpSubDouble:
		b, a := e.popDouble(), e.popDouble()
		e.pushDouble(a - b)
		*pc++
	case OpMulDouble:
		b, a := e.popDouble(), e.popDouble()
		e.pushDouble(a * b)
		*pc++
	case OpDivDouble:
		b, a := e.popDouble(), e.popDouble()
		e.pushDouble(a / b)
		*pc++
	case OpPowDouble:
		b, a := e.popDouble(), e.popDouble()
		e.pushDouble(math.Pow(a, b))
		*pc++

	case OpCmpLtInt, OpCmpLeInt, OpCmpGtInt, OpCmpGeInt, OpCmpEqInt, OpCmpNeInt:
		b, a := e.popInt(), e.popInt()
		e.pushBool(intCompare(cmd.Opcode, a, b))
		*pc++
	case OpCmpLtLong, OpCmpLeLong, OpCmpGtLong, OpCmpGeLong, OpCmpEqLong, OpCmpNeLong:
		b, a := e.popLong(), e.popLong()
		e.pushBool(longCompare(cmd.Opcode, a, b))
		*pc++
	case OpCmpLtDouble, OpCmpLeDouble, OpCmpGtDouble, OpCmpGeDouble, OpCmpEqDouble, OpCmpNeDouble:
		b, a := e.popDouble(), e.popDouble()
		e.pushBool(doubleCompare(cmd.Opcode, a, b))
		*pc++

	case OpFuncPtr:
		e.pushInt(int32(cmd.IntArg))
		e.pushInt(0)
		*pc++

	case OpJmp:
		*pc = int(cmd.IntArg)
	case OpJmpZ:
		if e.popInt() == 0 {
			*pc = int(cmd.IntArg)
		} else {
			*pc++
		}
	case OpJmpNZ:
		if e.popInt() != 0 {
			*pc = int(cmd.IntArg)
		} else {
			*pc++
		}

	case OpIndex:
		idx := e.popInt()
		if idx < 0 || uint32(idx) >= cmd.IntArg {
			return nil, false, nerr.OutOfBounds(nerr.PhaseExecute, int(idx), int(cmd.IntArg))
		}
		base := e.popInt()
		e.pushInt(base + idx*int32(cmd.ShortArg))
		*pc++
	case OpIndexStk:
		idx := e.popInt()
		length := e.popInt()
		if idx < 0 || idx >= length {
			return nil, false, nerr.OutOfBounds(nerr.PhaseExecute, int(idx), int(length))
		}
		base := e.popInt()
		e.pushInt(base + idx*int32(cmd.ShortArg))
		*pc++

	case OpCall:
		res, err := e.call(cmd.IntArg)
		if err != nil {
			return nil, false, err
		}
		for _, w := range res {
			e.pushU32(w)
		}
		*pc++
	case OpCallPtr:
		ctx := e.popU32()
		target := e.popU32()
		_ = ctx
		res, err := e.call(target)
		if err != nil {
			return nil, false, err
		}
		for _, w := range res {
			e.pushU32(w)
		}
		*pc++

	case OpReturnVoid:
		e.lastYielded = cmd.Flag&FlagYield != 0
		e.truncateToFrame()
		return nil, true, nil
	case OpReturnInt:
		v := e.popInt()
		e.lastYielded = cmd.Flag&FlagYield != 0
		e.truncateToFrame()
		return []uint32{uint32(v)}, true, nil
	case OpReturnLong:
		v := e.popLong()
		e.lastYielded = cmd.Flag&FlagYield != 0
		e.truncateToFrame()
		return []uint32{uint32(v), uint32(v >> 32)}, true, nil
	case OpReturnDouble:
		v := e.popDouble()
		bits := math.Float64bits(v)
		e.lastYielded = cmd.Flag&FlagYield != 0
		e.truncateToFrame()
		return []uint32{uint32(bits), uint32(bits >> 32)}, true, nil

	case OpConvertPtr:
		dynType := e.popInt()
		if !vmtype.IsAssignableType(e.Image.Types, uint32(dynType), cmd.IntArg) {
			return nil, false, nerr.InvalidPointerCast(int(dynType), int(cmd.IntArg))
		}
		e.pushInt(dynType)
		*pc++

	default:
		return nil, false, nerr.New(nerr.PhaseExecute, nerr.KindBytecodeMalformed).
			Detail("unknown opcode %d at instruction %d", cmd.Opcode, *pc).Build()
	}
	return nil, false, nil
}

func (e *Engine) truncateToFrame() {
	if len(e.frames) == 0 {
		return
	}
	f := e.frames[len(e.frames)-1]
	e.stack = e.stack[:f.argsBase]
	e.frameTop = f.frameTop
}

func intCompare(op Opcode, a, b int32) bool {
	switch op {
	case OpCmpLtInt:
		return a < b
	case OpCmpLeInt:
		return a <= b
	case OpCmpGtInt:
		return a > b
	case OpCmpGeInt:
		return a >= b
	case OpCmpEqInt:
		return a == b
	default:
		return a != b
	}
}

func longCompare(op Opcode, a, b int64) bool {
	switch op {
	case OpCmpLtLong:
		return a < b
	case OpCmpLeLong:
		return a <= b
	case OpCmpGtLong:
		return a > b
	case OpCmpGeLong:
		return a >= b
	case OpCmpEqLong:
		return a == b
	default:
		return a != b
	}
}

func doubleCompare(op Opcode, a, b float64) bool {
	switch op {
	case OpCmpLtDouble:
		return a < b
	case OpCmpLeDouble:
		return a <= b
	case OpCmpGtDouble:
		return a > b
	case OpCmpGeDouble:
		return a >= b
	case OpCmpEqDouble:
		return a == b
	default:
		return a != b
	}
}

// globalOffset translates a module-tagged global operand — (module<<24)|
// offset, per vmtype.GlobalAddr — into a byte position in e.Globals by
// adding the defining module's real byte base in the merged global
// segment (vmtype.Module.GlobalBaseOffset), assigned by the linker at
// link time. Masking away the module tag instead of translating it would
// alias any two modules whose globals share a relative offset.
func (e *Engine) globalOffset(addr uint32) int {
	ga := vmtype.GlobalAddr(addr)
	mod := ga.Module()
	var base uint32
	if e.Image != nil && int(mod) < len(e.Image.Modules) {
		base = e.Image.Modules[mod].GlobalBaseOffset
	}
	return int(base + ga.Offset())
}

// --- operand stack helpers ---

func (e *Engine) pushU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.stack = append(e.stack, buf[:]...)
}

func (e *Engine) popU32() uint32 {
	n := len(e.stack)
	v := binary.LittleEndian.Uint32(e.stack[n-4:])
	e.stack = e.stack[:n-4]
	return v
}

func (e *Engine) pushInt(v int32) { e.pushU32(uint32(v)) }
func (e *Engine) popInt() int32   { return int32(e.popU32()) }

func (e *Engine) pushBool(v bool) {
	if v {
		e.pushInt(1)
	} else {
		e.pushInt(0)
	}
}

func (e *Engine) pushLong(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	e.stack = append(e.stack, buf[:]...)
}

func (e *Engine) popLong() int64 {
	n := len(e.stack)
	v := binary.LittleEndian.Uint64(e.stack[n-8:])
	e.stack = e.stack[:n-8]
	return int64(v)
}

func (e *Engine) pushDouble(v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	e.stack = append(e.stack, buf[:]...)
}

func (e *Engine) popDouble() float64 {
	n := len(e.stack)
	bits := binary.LittleEndian.Uint64(e.stack[n-8:])
	e.stack = e.stack[:n-8]
	return math.Float64frombits(bits)
}
