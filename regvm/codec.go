package regvm

import (
	"encoding/binary"

	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/linker"
)

// cmdSize is the fixed on-disk width of one RegVmCmd: opcode + three
// register numbers + a 4-byte argument (spec §4.6).
const cmdSize = 8

// EncodeProgram packs a RegVmCmd slice into the bytecode container's opaque
// RegCode []byte.
func EncodeProgram(prog []RegVmCmd) []byte {
	out := make([]byte, len(prog)*cmdSize)
	for i, c := range prog {
		b := out[i*cmdSize:]
		b[0] = byte(c.Opcode)
		b[1] = c.RA
		b[2] = c.RB
		b[3] = c.RC
		binary.LittleEndian.PutUint32(b[4:8], c.Argument)
	}
	return out
}

// DecodeProgram unpacks a bytecode container's opaque RegCode []byte back
// into a RegVmCmd slice.
func DecodeProgram(code []byte) ([]RegVmCmd, error) {
	if len(code)%cmdSize != 0 {
		return nil, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
			Detail("register code length %d is not a multiple of %d", len(code), cmdSize).Build()
	}
	prog := make([]RegVmCmd, len(code)/cmdSize)
	for i := range prog {
		b := code[i*cmdSize:]
		prog[i] = RegVmCmd{
			Opcode:   Opcode(b[0]),
			RA:       b[1],
			RB:       b[2],
			RC:       b[3],
			Argument: binary.LittleEndian.Uint32(b[4:8]),
		}
	}
	return prog, nil
}

// Rewriter implements linker.CodeRewriter for the register VM's instruction
// stream, renumbering function/type/global operands against the merged
// image's tables (spec §4.3 step 6).
func Rewriter(code []byte, remap linker.OperandRemap) ([]byte, error) {
	prog, err := DecodeProgram(code)
	if err != nil {
		return nil, err
	}
	for i := range prog {
		c := &prog[i]
		switch c.Opcode {
		case OpCall:
			if int(c.Argument) < len(remap.Functions) {
				c.Argument = remap.Functions[c.Argument]
			}
		case OpConvertPtr:
			if int(c.Argument) < len(remap.Types) {
				c.Argument = remap.Types[c.Argument]
			}
		case OpLoadByte, OpLoadWord, OpLoadDWord, OpLoadQWord, OpLoadFloat,
			OpStoreByte, OpStoreWord, OpStoreDWord, OpStoreQWord, OpStoreFloat:
			if c.RA == GlobalsRegister && c.Argument&^uint32(0xFFFFFF) == 0 {
				c.Argument |= remap.GlobalBase
			}
		}
	}
	return EncodeProgram(prog), nil
}
