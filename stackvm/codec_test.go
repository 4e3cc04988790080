package stackvm

import (
	"testing"

	"github.com/nullc-go/vm/linker"
)

func TestEncodeDecodeProgramRoundTrip(t *testing.T) {
	prog := factorialProgram()
	data := EncodeProgram(prog)
	decoded, err := DecodeProgram(data)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if len(decoded) != len(prog) {
		t.Fatalf("decoded %d instructions, want %d", len(decoded), len(prog))
	}
	for i := range prog {
		if decoded[i] != prog[i] {
			t.Errorf("instruction %d: got %+v, want %+v", i, decoded[i], prog[i])
		}
	}
}

func TestDecodeProgramRejectsMisalignedLength(t *testing.T) {
	if _, err := DecodeProgram([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a length not a multiple of cmdSize")
	}
}

func TestRewriterRemapsCallAndConvertPtr(t *testing.T) {
	prog := []VMCmd{
		{Opcode: OpCall, IntArg: 0},
		{Opcode: OpConvertPtr, IntArg: 1},
		{Opcode: OpLoadGlobalInt, IntArg: 0},
	}
	code := EncodeProgram(prog)

	remap := linker.OperandRemap{
		Functions:  []uint32{42},
		Types:      []uint32{7, 9},
		GlobalBase: 1 << 24,
	}
	rewritten, err := Rewriter(code, remap)
	if err != nil {
		t.Fatalf("Rewriter: %v", err)
	}
	out, err := DecodeProgram(rewritten)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if out[0].IntArg != 42 {
		t.Errorf("call target = %d, want 42", out[0].IntArg)
	}
	if out[1].IntArg != 9 {
		t.Errorf("convert_ptr target type = %d, want 9", out[1].IntArg)
	}
	if out[2].IntArg != 1<<24 {
		t.Errorf("global address = %#x, want %#x", out[2].IntArg, 1<<24)
	}
}
