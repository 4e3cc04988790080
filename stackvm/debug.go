package stackvm

import (
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// Debugger drives a single, non-recursive call through the stack VM one
// instruction at a time, for cmd/nullcvm's interactive mode (spec's TUI
// requirement, mirroring cmd/run/interactive.go's step-and-inspect loop).
// It does not support stepping into a nested call — a nested OpCall runs
// to completion via the ordinary recursive Engine.call, the same
// simplification the teacher's own wasm instance inspector makes for host
// calls.
type Debugger struct {
	e         *Engine
	funcIndex uint32
	pc        int
	end       int
	result    []uint32
	halted    bool
}

// NewDebugger prepares funcIndex's call frame and positions the program
// counter at its entry instruction without executing anything.
func NewDebugger(e *Engine, funcIndex uint32, args []uint32) (*Debugger, error) {
	if int(funcIndex) >= len(e.functions()) {
		return nil, nerr.OutOfBounds(nerr.PhaseExecute, int(funcIndex), len(e.functions()))
	}
	fn := e.functions()[funcIndex]
	if fn.NativePtr != nil && fn.StackCodeLength == 0 {
		return nil, nerr.New(nerr.PhaseExecute, nerr.KindNativeABIMismatch).
			Detail("cannot single-step a native function").Build()
	}

	e.frameTop = 0
	e.stack = e.stack[:0]
	for _, a := range args {
		e.pushU32(a)
	}

	argBytes := int(fn.ParamCount) * 4
	argsBase := len(e.stack) - argBytes
	e.frames = append(e.frames, callFrame{frameTop: e.frameTop, argsBase: argsBase})
	e.frameTop = argsBase

	pc := int(fn.StackEntryOffset)
	return &Debugger{
		e:         e,
		funcIndex: funcIndex,
		pc:        pc,
		end:       pc + int(fn.StackCodeLength),
	}, nil
}

// Done reports whether the stepped call has returned.
func (d *Debugger) Done() bool { return d.halted }

// Result returns the stepped call's return words, valid once Done.
func (d *Debugger) Result() []uint32 { return d.result }

// PC returns the index of the instruction Step will execute next.
func (d *Debugger) PC() int { return d.pc }

// Opcode returns the instruction Step will execute next.
func (d *Debugger) Opcode() Opcode { return d.e.Code[d.pc].Opcode }

// OperandStack returns a snapshot of the live operand-stack bytes.
func (d *Debugger) OperandStack() []byte {
	return append([]byte(nil), d.e.stack...)
}

// SourceLine resolves the current instruction to its source text via the
// image's stack source map (spec §4.2): the nearest preceding entry by
// instruction index. Entries are not filtered by module; the linker has
// already shifted every entry's InstructionIndex into the merged stream.
func (d *Debugger) SourceLine() string {
	img := d.e.Image
	var best *vmtype.SourceMapEntry
	for i := range img.StackSourceMap {
		entry := &img.StackSourceMap[i]
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
	ret, halt, err := d.e.step(&d.pc, cmd, d.funcIndex)
	if err != nil {
		d.e.frames = d.e.frames[:len(d.e.frames)-1]
		return err
	}
	if halt {
		d.halted = true
		d.result = ret
		d.e.frames = d.e.frames[:len(d.e.frames)-1]
	}
	return nil
}
