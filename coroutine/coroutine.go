// Package coroutine implements cooperative coroutines as an explicit
// resume-index slot per activation (spec §4.9, Design Note §9:
// "implement as an explicit resume-index slot... do not model with
// stackful continuations"), rather than the OS-thread or goroutine-based
// stackful coroutines a general-purpose runtime might reach for.
//
// Grounded on original_source/NULLC/InstructionTreeVmLower.cpp's yield
// lowering (a yield is a return carrying the suspension point's
// resume-index constant) and on asyncify's suspend/resume state machine
// (asyncify_start_unwind / asyncify_stop_unwind / asyncify_start_rewind /
// asyncify_stop_rewind, named, ordered states for a whole-module
// stack-serialization transform) — adapted down from serializing an entire
// call stack to carrying a single integer slot per activation record,
// since the stack VM's own call-frame stack already plays the role
// asyncify's serialized stack does for a single coroutine body.
package coroutine

import (
	"github.com/nullc-go/vm/stackvm"
	"go.uber.org/zap"
)

// State names where an activation sits in the asyncify-derived
// suspend/resume cycle: StateNormal mirrors asyncify_stop_rewind (the
// activation is between calls, nothing pending), StateDone mirrors having
// run past asyncify_stop_unwind for the last time — the function returned
// for real and the activation cannot be resumed again.
type State int

const (
	StateNormal State = iota
	StateDone
)

// resumer is the subset of stackvm.Engine a coroutine activation drives.
type resumer interface {
	Call(funcIndex uint32, args []uint32) ([]uint32, error)
	LastCallYielded() bool
}

// Activation is one coroutine instance's persistent state across calls: it
// remembers only the resume-index its next call should dispatch to (spec
// §4.9's "coroutine activation"). The unyield dispatch Build emits visits
// resume points in the strict order 0, 1, 2, ... they appear in the
// function body, so advancing resumeIndex by one on every yield reproduces
// "storing the current block's resume-index constant into the activation"
// without the VM needing to report anything beyond whether it yielded.
type Activation struct {
	FuncIndex   uint32
	resumeIndex uint32
	state       State
}

// NewActivation creates a coroutine activation positioned at its
// function's entry block (resume-index 0, spec §4.9's "defaulting to the
// entry block when no call has occurred yet").
func NewActivation(funcIndex uint32) *Activation {
	return &Activation{FuncIndex: funcIndex}
}

// State reports the activation's current suspend/resume state.
func (a *Activation) State() State { return a.state }

// Done reports whether the coroutine has returned for real and can no
// longer be resumed.
func (a *Activation) Done() bool { return a.state == StateDone }

// Resume invokes the coroutine's next step, passing the activation's
// resume-index as the function's hidden leading parameter. It returns the
// yielded or returned value and whether the coroutine is now finished.
// Resume does not check whether the activation is already done: resuming a
// finished activation calls the function again with the last resume-index,
// so the function body itself decides what a further call returns
// (scenario 4's coroutine returns a sentinel 0).
func (a *Activation) Resume(e resumer) (value int32, done bool, err error) {
	res, err := e.Call(a.FuncIndex, []uint32{a.resumeIndex})
	if err != nil {
		return 0, false, err
	}
	if e.LastCallYielded() {
		a.resumeIndex++
		return int32(res[0]), false, nil
	}
	a.state = StateDone
	Logger().Debug("coroutine activation finished", zap.Uint32("func_index", a.FuncIndex))
	return int32(res[0]), true, nil
}

// Build assembles one coroutine function's complete bytecode body: a
// pushvtop prologue sized frameSize, followed by an unyield dispatch table
// (spec §4.9: "emitted as the first instruction of a coroutine function's
// bytecode body") that jumps straight to bodies[resumeIndex], followed by
// bodies concatenated in address order. bodies[0] is the function's normal
// entry; each subsequent body is the straight-line code between one yield
// point and the next (or the final return).
func Build(frameSize uint32, bodies [][]stackvm.VMCmd) []stackvm.VMCmd {
	prog := []stackvm.VMCmd{{Opcode: stackvm.OpPushVTop, IntArg: frameSize}}

	n := len(bodies)
	prologueLen := 0
	if n > 1 {
		prologueLen = 4*(n-1) + 1
	}

	targets := make([]int, n)
	offset := len(prog) + prologueLen
	for i, b := range bodies {
		targets[i] = offset
		offset += len(b)
	}

	for i := 0; i < n-1; i++ {
		prog = append(prog,
			stackvm.VMCmd{Opcode: stackvm.OpLoadLocalInt, IntArg: 0},
			stackvm.VMCmd{Opcode: stackvm.OpPushIntConst, IntArg: uint32(i)},
			stackvm.VMCmd{Opcode: stackvm.OpCmpEqInt},
			stackvm.VMCmd{Opcode: stackvm.OpJmpNZ, IntArg: uint32(targets[i])},
		)
	}
	if n > 1 {
		prog = append(prog, stackvm.VMCmd{Opcode: stackvm.OpJmp, IntArg: uint32(targets[n-1])})
	}
	for _, b := range bodies {
		prog = append(prog, b...)
	}
	return prog
}
