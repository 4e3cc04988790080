package stackvm

import (
	"encoding/binary"

	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/linker"
)

// cmdSize is the fixed on-disk width of one VMCmd: 1-byte opcode, 1-byte
// flag, 2-byte short arg, 4-byte int arg (spec §4.4).
const cmdSize = 8

// EncodeProgram packs a VMCmd slice into the bytecode container's opaque
// StackCode []byte.
func EncodeProgram(prog []VMCmd) []byte {
	out := make([]byte, len(prog)*cmdSize)
	for i, c := range prog {
		b := out[i*cmdSize:]
		b[0] = byte(c.Opcode)
		b[1] = c.Flag
		binary.LittleEndian.PutUint16(b[2:4], c.ShortArg)
		binary.LittleEndian.PutUint32(b[4:8], c.IntArg)
	}
	return out
}

// DecodeProgram unpacks a bytecode container's opaque StackCode []byte back
// into a VMCmd slice.
func DecodeProgram(code []byte) ([]VMCmd, error) {
	if len(code)%cmdSize != 0 {
		return nil, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
			Detail("stack code length %d is not a multiple of %d", len(code), cmdSize).Build()
	}
	prog := make([]VMCmd, len(code)/cmdSize)
	for i := range prog {
		b := code[i*cmdSize:]
		prog[i] = VMCmd{
			Opcode:   Opcode(b[0]),
			Flag:     b[1],
			ShortArg: binary.LittleEndian.Uint16(b[2:4]),
			IntArg:   binary.LittleEndian.Uint32(b[4:8]),
		}
	}
	return prog, nil
}

// Rewriter implements linker.CodeRewriter for the stack VM's instruction
// stream: it renumbers every operand that names a type, function, or global
// against the merged image's tables (spec §4.3 step 6).
func Rewriter(code []byte, remap linker.OperandRemap) ([]byte, error) {
	prog, err := DecodeProgram(code)
	if err != nil {
		return nil, err
	}
	for i := range prog {
		c := &prog[i]
		switch c.Opcode {
		case OpCall, OpFuncPtr:
			if int(c.IntArg) < len(remap.Functions) {
				c.IntArg = remap.Functions[c.IntArg]
			}
		case OpConvertPtr:
			if int(c.IntArg) < len(remap.Types) {
				c.IntArg = remap.Types[c.IntArg]
			}
		case OpLoadGlobalInt, OpLoadGlobalLong, OpLoadGlobalDouble,
			OpStoreGlobalInt, OpStoreGlobalLong, OpStoreGlobalDouble:
			// Direct-load/store operands are always compiled module-local
			// (tag 0); OR in the assigned module base rather than replacing
			// the whole field, so a pre-tagged cross-module reference
			// (tag != 0, not produced by this compiler yet) is left alone.
			if c.IntArg&^uint32(0xFFFFFF) == 0 {
				c.IntArg |= remap.GlobalBase
			}
		}
	}
	return EncodeProgram(prog), nil
}
