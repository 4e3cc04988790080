package regvm

import (
	"context"
	"math"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/extension"
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// ArgBaseRegister is the first register of a callee's window that argument
// words land in. Each call gets a fresh window of framesRegisterSize
// registers; the caller stages arguments in its own scratch registers and
// the engine copies them into the new window starting here (spec §4.7
// "calls push a frame and switch the register file window").
const ArgBaseRegister = 2

// framesRegisterSize is the fixed register-file size allotted to each call
// frame (spec §4.7 RegVmCallFrame.register_file_size).
const framesRegisterSize = 64

// maxCallDepth bounds recursion; exceeding it raises stack_overflow.
const maxCallDepth = 4096

// frame is one entry of the call-frame stack (spec §4.7 RegVmCallFrame).
type frame struct {
	returnPC int
	window   int
}

// Engine executes one linked image's register-VM instruction stream (spec
// §4.7). Registers are stored as raw 64-bit words; each opcode interprets
// its operands' bit patterns according to its own fixed type (int32, int64,
// or float64) rather than tracking a runtime-checked activeType
// discriminator — the debug-build activeType verification spec §4.7
// describes is not implemented by this reduced engine (see DESIGN.md).
type Engine struct {
	Functions []vmtype.Function
	Code      []RegVmCmd
	Globals   []byte
	image     *bytecode.Image

	// table, when non-nil, is consulted instead of Functions (see
	// stackvm.Engine's identical field and NewEngineWithTable).
	table *extension.Table

	registers []uint64
	frames    []frame
	window    int

	// ctx and instrBudget/instrCount back CallContext's cancellation and
	// timeout checks (spec §5); instrCount counts back-edge jumps and calls,
	// not instructions. See stackvm.Engine's identical fields.
	ctx         context.Context
	instrBudget int
	instrCount  int
}

// NewEngine builds an Engine ready to run functions from a linked image.
func NewEngine(img *bytecode.Image, code []RegVmCmd) *Engine {
	return &Engine{
		Functions: img.Functions,
		Code:      code,
		Globals:   make([]byte, img.GlobalSegmentSize),
		image:     img,
	}
}

// Image returns the linked image this engine executes against.
func (e *Engine) Image() *bytecode.Image { return e.image }

// NewEngineWithTable builds an Engine whose function entries come from
// table, per opts (extension.Options.ShareOverrides).
func NewEngineWithTable(img *bytecode.Image, code []RegVmCmd, table *extension.Table, opts extension.Options) *Engine {
	e := NewEngine(img, code)
	snapshot, live := extension.Bind(table, opts)
	if live != nil {
		e.table = live
	} else {
		e.Functions = snapshot
	}
	return e
}

func (e *Engine) functions() []vmtype.Function {
	if e.table != nil {
		return e.table.Snapshot()
	}
	return e.Functions
}

// Call runs funcIndex with args placed starting at ArgBaseRegister in the
// callee's window, and returns its single result register plus the return
// tag it completed with.
func (e *Engine) Call(funcIndex uint32, args []uint64) (uint64, ReturnTag, error) {
	if int(funcIndex) >= len(e.functions()) {
		return 0, ReturnVoid, nerr.OutOfBounds(nerr.PhaseExecute, int(funcIndex), len(e.functions()))
	}
	e.registers = make([]uint64, framesRegisterSize)
	e.frames = nil
	e.window = 0
	for i, a := range args {
		e.registers[ArgBaseRegister+i] = a
	}
	return e.call(funcIndex, args)
}

// CallContext runs funcIndex like Call, but checks ctx for cancellation and
// enforces a budget (0 disables the budget check) at every back-edge jump
// and call, the register-VM counterpart of stackvm.Engine.CallContext
// (spec §5). The budget counts those checkpoints, not individual
// instructions.
func (e *Engine) CallContext(ctx context.Context, funcIndex uint32, args []uint64, instrBudget int) (uint64, ReturnTag, error) {
	e.ctx = ctx
	e.instrBudget = instrBudget
	e.instrCount = 0
	defer func() { e.ctx = nil }()
	return e.Call(funcIndex, args)
}

func (e *Engine) call(funcIndex uint32, args []uint64) (uint64, ReturnTag, error) {
	if len(e.frames) >= maxCallDepth {
		return 0, ReturnVoid, nerr.New(nerr.PhaseExecute, nerr.KindStackOverflow).
			Detail("call depth exceeded %d", maxCallDepth).Build()
	}
	fn := e.functions()[funcIndex]

	callerWindow := e.window
	newWindow := len(e.registers)
	e.registers = append(e.registers, make([]uint64, framesRegisterSize)...)
	for i, a := range args {
		e.registers[newWindow+ArgBaseRegister+i] = a
	}
	e.frames = append(e.frames, frame{window: callerWindow})
	e.window = newWindow
	defer func() {
		e.registers = e.registers[:newWindow]
		e.window = callerWindow
		e.frames = e.frames[:len(e.frames)-1]
	}()

	pc := int(fn.RegEntryOffset)
	end := pc + int(fn.RegCodeLength)
	for pc < end {
		cmd := e.Code[pc]
		if isBackEdge(cmd, pc) {
			if err := e.checkBudget(); err != nil {
				return 0, ReturnVoid, err
			}
		}
		result, tag, halt, err := e.step(&pc, cmd)
		if err != nil {
			return 0, ReturnVoid, err
		}
		if halt {
			return result, tag, nil
		}
	}
	return 0, ReturnVoid, nil
}

// isBackEdge is the register-VM counterpart of stackvm's identical helper.
func isBackEdge(cmd RegVmCmd, pc int) bool {
	switch cmd.Opcode {
	case OpJmp, OpJmpZ, OpJmpNZ:
		return int(cmd.Argument) <= pc
	case OpCall, OpCallPtr:
		return true
	}
	return false
}

// checkBudget is the register-VM counterpart of stackvm's identical method.
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

func (e *Engine) reg(n uint8) uint64     { return e.registers[e.window+int(n)] }
func (e *Engine) setReg(n uint8, v uint64) { e.registers[e.window+int(n)] = v }

func (e *Engine) regInt(n uint8) int32   { return int32(e.reg(n)) }
func (e *Engine) regLong(n uint8) int64  { return int64(e.reg(n)) }
func (e *Engine) regDouble(n uint8) float64 { return math.Float64frombits(e.reg(n)) }

func (e *Engine) setRegInt(n uint8, v int32)      { e.setReg(n, uint64(uint32(v))) }
func (e *Engine) setRegLong(n uint8, v int64)     { e.setReg(n, uint64(v)) }
func (e *Engine) setRegDouble(n uint8, v float64) { e.setReg(n, math.Float64bits(v)) }

func (e *Engine) step(pc *int, cmd RegVmCmd) (result uint64, tag ReturnTag, halt bool, err error) {
	switch cmd.Opcode {
	case OpNop:
		*pc++

	case OpLoadImm:
		e.setReg(cmd.RA, uint64(cmd.Argument))
		*pc++
	case OpLoadImmHigh:
		e.setReg(cmd.RA, e.reg(cmd.RA)|(uint64(cmd.Argument)<<32))
		*pc++

	case OpLoadByte:
		e.setRegInt(cmd.RB, int32(e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument)]))
		*pc++
	case OpLoadWord:
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		e.setRegInt(cmd.RB, int32(uint16(b[0])|uint16(b[1])<<8))
		*pc++
	case OpLoadDWord:
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		e.setRegInt(cmd.RB, int32(uint32(b[0])|uint32(b[1])<<8|uint32(b[2])<<16|uint32(b[3])<<24))
		*pc++
	case OpLoadQWord:
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(b[i]) << (8 * i)
		}
		e.setRegLong(cmd.RB, int64(v))
		*pc++
	case OpLoadFloat:
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(b[i]) << (8 * i)
		}
		e.setReg(cmd.RB, v)
		*pc++

	case OpStoreByte:
		e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument)] = byte(e.regInt(cmd.RB))
		*pc++
	case OpStoreWord:
		v := uint16(e.regInt(cmd.RB))
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		b[0], b[1] = byte(v), byte(v>>8)
		*pc++
	case OpStoreDWord:
		v := uint32(e.regInt(cmd.RB))
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		for i := 0; i < 4; i++ {
			b[i] = byte(v >> (8 * i))
		}
		*pc++
	case OpStoreQWord:
		v := uint64(e.regLong(cmd.RB))
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		*pc++
	case OpStoreFloat:
		v := e.reg(cmd.RB)
		b := e.memory(cmd.RA)[e.memOffset(cmd.RA, cmd.Argument):]
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		*pc++

	case OpMove:
		e.setReg(cmd.RA, e.reg(cmd.RB))
		*pc++

	case OpAddInt:
		e.setRegInt(cmd.RA, e.regInt(cmd.RB)+e.regInt(cmd.RC))
		*pc++
	case OpSubInt:
		e.setRegInt(cmd.RA, e.regInt(cmd.RB)-e.regInt(cmd.RC))
		*pc++
	case OpMulInt:
		e.setRegInt(cmd.RA, e.regInt(cmd.RB)*e.regInt(cmd.RC))
		*pc++
	case OpDivInt:
		b := e.regInt(cmd.RC)
		if b == 0 {
			return 0, 0, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.setRegInt(cmd.RA, e.regInt(cmd.RB)/b)
		*pc++
	case OpModInt:
		b := e.regInt(cmd.RC)
		if b == 0 {
			return 0, 0, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.setRegInt(cmd.RA, e.regInt(cmd.RB)%b)
		*pc++
	case OpPowInt:
		r, err := powInt(e.regInt(cmd.RB), e.regInt(cmd.RC))
		if err != nil {
			return 0, 0, false, err
		}
		e.setRegInt(cmd.RA, r)
		*pc++

	case OpAddLong:
		e.setRegLong(cmd.RA, e.regLong(cmd.RB)+e.regLong(cmd.RC))
		*pc++
	case OpSubLong:
		e.setRegLong(cmd.RA, e.regLong(cmd.RB)-e.regLong(cmd.RC))
		*pc++
	case OpMulLong:
		e.setRegLong(cmd.RA, e.regLong(cmd.RB)*e.regLong(cmd.RC))
		*pc++
	case OpDivLong:
		b := e.regLong(cmd.RC)
		if b == 0 {
			return 0, 0, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.setRegLong(cmd.RA, e.regLong(cmd.RB)/b)
		*pc++
	case OpModLong:
		b := e.regLong(cmd.RC)
		if b == 0 {
			return 0, 0, false, nerr.New(nerr.PhaseExecute, nerr.KindDivisionByZero).Build()
		}
		e.setRegLong(cmd.RA, e.regLong(cmd.RB)%b)
		*pc++
	case OpPowLong:
		r, err := powLong(e.regLong(cmd.RB), e.regLong(cmd.RC))
		if err != nil {
			return 0, 0, false, err
		}
		e.setRegLong(cmd.RA, r)
		*pc++

	case OpAddDouble:
		e.setRegDouble(cmd.RA, e.regDouble(cmd.RB)+e.regDouble(cmd.RC))
		*pc++
	case OpSubDouble:
		e.setRegDouble(cmd.RA, e.regDouble(cmd.RB)-e.regDouble(cmd.RC))
		*pc++
	case OpMulDouble:
		e.setRegDouble(cmd.RA, e.regDouble(cmd.RB)*e.regDouble(cmd.RC))
		*pc++
	case OpDivDouble:
		e.setRegDouble(cmd.RA, e.regDouble(cmd.RB)/e.regDouble(cmd.RC))
		*pc++
	case OpPowDouble:
		e.setRegDouble(cmd.RA, math.Pow(e.regDouble(cmd.RB), e.regDouble(cmd.RC)))
		*pc++

	case OpCmpLtInt, OpCmpLeInt, OpCmpGtInt, OpCmpGeInt, OpCmpEqInt, OpCmpNeInt:
		e.setRegInt(cmd.RA, boolInt(intCompare(cmd.Opcode, e.regInt(cmd.RB), e.regInt(cmd.RC))))
		*pc++
	case OpCmpLtLong, OpCmpLeLong, OpCmpGtLong, OpCmpGeLong, OpCmpEqLong, OpCmpNeLong:
		e.setRegInt(cmd.RA, boolInt(longCompare(cmd.Opcode, e.regLong(cmd.RB), e.regLong(cmd.RC))))
		*pc++
	case OpCmpLtDouble, OpCmpLeDouble, OpCmpGtDouble, OpCmpGeDouble, OpCmpEqDouble, OpCmpNeDouble:
		e.setRegInt(cmd.RA, boolInt(doubleCompare(cmd.Opcode, e.regDouble(cmd.RB), e.regDouble(cmd.RC))))
		*pc++

	case OpJmp:
		*pc = int(cmd.Argument)
	case OpJmpZ:
		if e.regInt(cmd.RA) == 0 {
			*pc = int(cmd.Argument)
		} else {
			*pc++
		}
	case OpJmpNZ:
		if e.regInt(cmd.RA) != 0 {
			*pc = int(cmd.Argument)
		} else {
			*pc++
		}

	case OpIndex:
		length := int32(cmd.Argument & IndexArgMask)
		elemSize := int32(cmd.Argument >> IndexArgShift)
		idx := e.regInt(cmd.RB)
		if idx < 0 || idx >= length {
			return 0, 0, false, nerr.OutOfBounds(nerr.PhaseExecute, int(idx), int(length))
		}
		e.setRegInt(cmd.RC, e.regInt(cmd.RA)+idx*elemSize)
		*pc++

	case OpCall:
		argc := int(cmd.RA)
		args := make([]uint64, argc)
		for i := 0; i < argc; i++ {
			args[i] = e.reg(cmd.RB + uint8(i))
		}
		res, _, err := e.call(cmd.Argument, args)
		if err != nil {
			return 0, 0, false, err
		}
		e.setReg(cmd.RC, res)
		*pc++

	case OpCallPtr:
		target := uint32(e.reg(cmd.RA))
		res, _, err := e.call(target, nil)
		if err != nil {
			return 0, 0, false, err
		}
		e.setReg(cmd.RC, res)
		*pc++

	case OpReturn:
		return e.reg(cmd.RA), ReturnTag(cmd.RB), true, nil

	case OpConvertPtr:
		dynType := e.regInt(cmd.RA)
		if !vmtype.IsAssignableType(e.image.Types, uint32(dynType), cmd.Argument) {
			return 0, 0, false, nerr.InvalidPointerCast(int(dynType), int(cmd.Argument))
		}
		e.setRegInt(cmd.RB, dynType)
		*pc++

	default:
		return 0, 0, false, nerr.New(nerr.PhaseExecute, nerr.KindBytecodeMalformed).
			Detail("unknown opcode %d at instruction %d", cmd.Opcode, *pc).Build()
	}
	return 0, 0, false, nil
}

// memory resolves a base register to the byte slice it addresses: the
// shared globals segment for GlobalsRegister, or — for any other register —
// globals as well, indexed by the value that register holds plus the
// instruction's displacement (see memOffset), since
// this reduced engine does not model a separate heap/frame-data segment
// (see DESIGN.md).
func (e *Engine) memory(base uint8) []byte {
	return e.Globals
}

// memOffset translates a GlobalsRegister access's raw argument — a
// module-tagged (module<<24)|offset per vmtype.GlobalAddr when base is
// GlobalsRegister — into a byte position in e.Globals by adding the
// defining module's real byte base in the merged global segment, the
// register-VM counterpart of stackvm.Engine.globalOffset. For any other
// base register the argument is a displacement added to the value that
// register holds.
func (e *Engine) memOffset(base uint8, argument uint32) uint32 {
	if base != GlobalsRegister {
		return uint32(e.reg(base)) + argument
	}
	ga := vmtype.GlobalAddr(argument)
	mod := ga.Module()
	var modBase uint32
	if e.image != nil && int(mod) < len(e.image.Modules) {
		modBase = e.image.Modules[mod].GlobalBaseOffset
	}
	return modBase + ga.Offset()
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
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
