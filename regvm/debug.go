package regvm

import (
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// Debugger drives a single, non-recursive call through the register VM one
// instruction at a time, the register-VM counterpart of stackvm.Debugger
// for cmd/nullcvm's interactive mode. Like its stack-VM sibling it does
// not step into nested calls: a nested OpCall runs to completion via the
// ordinary recursive Engine.call.
type Debugger struct {
	e         *Engine
	funcIndex uint32
	pc        int
	end       int
	newWindow int
	callerWin int
	result    uint64
	tag       ReturnTag
	halted    bool
}

// NewDebugger prepares funcIndex's register window and positions the
// program counter at its entry instruction without executing anything.
func NewDebugger(e *Engine, funcIndex uint32, args []uint64) (*Debugger, error) {
	if int(funcIndex) >= len(e.functions()) {
		return nil, nerr.OutOfBounds(nerr.PhaseExecute, int(funcIndex), len(e.functions()))
	}
	e.registers = make([]uint64, framesRegisterSize)
	e.frames = nil
	e.window = 0
	for i, a := range args {
		e.registers[ArgBaseRegister+i] = a
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

	pc := int(fn.RegEntryOffset)
	return &Debugger{
		e:         e,
		funcIndex: funcIndex,
		pc:        pc,
		end:       pc + int(fn.RegCodeLength),
		newWindow: newWindow,
		callerWin: callerWindow,
	}, nil
}

// Done reports whether the stepped call has returned.
func (d *Debugger) Done() bool { return d.halted }

// Result returns the stepped call's return value and tag, valid once Done.
func (d *Debugger) Result() (uint64, ReturnTag) { return d.result, d.tag }

// PC returns the index of the instruction Step will execute next.
func (d *Debugger) PC() int { return d.pc }

// Opcode returns the instruction Step will execute next.
func (d *Debugger) Opcode() Opcode { return d.e.Code[d.pc].Opcode }

// Registers returns a snapshot of the current call's register window.
func (d *Debugger) Registers() []uint64 {
	return append([]uint64(nil), d.e.registers[d.e.window:d.e.window+framesRegisterSize]...)
}

// SourceLine resolves the current instruction to its source text via the
// image's register source map.
func (d *Debugger) SourceLine() string {
	img := d.e.Image()
	var best *vmtype.SourceMapEntry
	for i := range img.RegSourceMap {
		entry := &img.RegSourceMap[i]
		if int(entry.InstructionIndex) > d.pc {
			continue
		}
		if best == nil || entry.InstructionIndex > best.InstructionIndex {
			best = entry
		}
	}
	if best == nil {
		return ""
	}
	text := img.SourceBlob
	start := int(best.SourceOffset)
	if start < 0 || start >= len(text) {
		return ""
	}
	end := start
	for end < len(text) && text[end] != '\n' {
		end++
	}
	return string(text[start:end])
}

// Step executes exactly one instruction, advancing the program counter.
// Once Done returns true, Step must not be called again.
func (d *Debugger) Step() error {
	if d.halted {
		return nerr.New(nerr.PhaseExecute, nerr.KindBytecodeMalformed).
			Detail("Step called after the debugged call already returned").Build()
	}
	cmd := d.e.Code[d.pc]
	result, tag, halt, err := d.e.step(&d.pc, cmd)
	if err != nil {
		d.e.registers = d.e.registers[:d.newWindow]
		d.e.window = d.callerWin
		d.e.frames = d.e.frames[:len(d.e.frames)-1]
		return err
	}
	if halt {
		d.halted = true
		d.result = result
		d.tag = tag
		d.e.registers = d.e.registers[:d.newWindow]
		d.e.window = d.callerWin
		d.e.frames = d.e.frames[:len(d.e.frames)-1]
	}
	return nil
}
