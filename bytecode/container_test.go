package bytecode

import (
	"bytes"
	"testing"

	"go.uber.org/multierr"

	"github.com/nullc-go/vm/internal/binary"
	"github.com/nullc-go/vm/vmtype"
)

func readTestHeader(t *testing.T, data []byte) *Header {
	t.Helper()
	hdr, err := readHeader(binary.NewReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	return &hdr
}

func sampleImage() *Image {
	return &Image{
		PointerWidth: vmtype.Pointer64,
		Types: []vmtype.Type{
			{NameOffset: 0, ByteSize: vmtype.SizeInt, Primitive: vmtype.PrimInt, AlignLog2: 2, BaseType: vmtype.NoBaseType},
			{NameOffset: 4, ByteSize: 8, Struct: vmtype.StructClass, ArrayOrMemberCount: 1, MemberStart: 0, BaseType: vmtype.NoBaseType},
		},
		Members: []vmtype.Member{
			{TypeIndex: 0, ByteOffset: 0},
		},
		Constants: []vmtype.Constant{
			{TypeIndex: 0, Value: 42},
		},
		Modules: []vmtype.Module{
			{NameHash: 0xABCD, NameOffset: 0, FirstFunction: 0, FunctionCount: 1, GlobalBaseOffset: 0, Dependencies: nil},
		},
		Variables: []vmtype.Variable{
			{NameOffset: 0, TypeIndex: 0, ByteOffset: 0, Role: vmtype.VarLocal, DefaultFuncID: -1, CloseListID: -1},
		},
		Functions: []vmtype.Function{
			{
				NameOffset: 0, StackEntryOffset: 0, StackCodeLength: 4,
				ReturnTag: vmtype.ReturnInt, Category: vmtype.FuncNormal,
				TypeIndex: 0, FirstLocal: 0, ParamCount: 0, LocalCount: 1,
				ContextType: -1,
			},
		},
		Locals: []vmtype.Variable{
			{NameOffset: 0, TypeIndex: 0, Role: vmtype.VarLocal, DefaultFuncID: -1, CloseListID: -1},
		},
		StackCode: []byte{0x01, 0x02, 0x03, 0x04},
		StackSourceMap: []vmtype.SourceMapEntry{
			{InstructionIndex: 0, ModuleIndex: 0, SourceOffset: 0},
		},
		SymbolBlob: []byte("f\x00"),
		SourceBlob: []byte("int f() { return 42; }"),
	}
}

func TestRoundTripEncodeDecode(t *testing.T) {
	img := sampleImage()
	data := img.Encode()

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(got.Types) != len(img.Types) {
		t.Fatalf("Types: got %d entries, want %d", len(got.Types), len(img.Types))
	}
	if got.Types[1].Struct != vmtype.StructClass || got.Types[1].MemberStart != 0 {
		t.Errorf("Types[1] = %+v, want class type with MemberStart 0", got.Types[1])
	}
	if len(got.Functions) != 1 || got.Functions[0].StackCodeLength != 4 {
		t.Fatalf("Functions round-trip mismatch: %+v", got.Functions)
	}
	if len(got.Modules) != 1 || got.Modules[0].NameHash != 0xABCD {
		t.Fatalf("Modules round-trip mismatch: %+v", got.Modules)
	}
	if string(got.StackCode) != string(img.StackCode) {
		t.Errorf("StackCode = %v, want %v", got.StackCode, img.StackCode)
	}
	if got.Symbol(0) != "f" {
		t.Errorf("Symbol(0) = %q, want %q", got.Symbol(0), "f")
	}
	if got.SourceSpanText(vmtype.SourceSpan{Offset: 0, Length: 3}) != "int" {
		t.Errorf("SourceSpanText mismatch: %q", got.SourceSpanText(vmtype.SourceSpan{Offset: 0, Length: 3}))
	}
}

func TestRoundTripPreservesEncoding(t *testing.T) {
	img := sampleImage()
	data1 := img.Encode()
	decoded, err := Decode(data1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	data2 := decoded.Encode()
	if len(data1) != len(data2) {
		t.Fatalf("re-encoded length changed: %d vs %d", len(data1), len(data2))
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error decoding truncated header")
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	img := sampleImage()
	data := img.Encode()
	data = append(data, 0, 0, 0, 0) // trailing garbage invalidates header.Size
	_, err := Decode(data)
	if err == nil {
		t.Fatal("expected error when header size does not match image length")
	}
}

func TestValidateAggregatesMultipleViolations(t *testing.T) {
	img := sampleImage()
	// Introduce two independent, unrelated violations.
	img.Functions[0].TypeIndex = 99            // out-of-bounds type reference
	img.Members = append(img.Members, vmtype.Member{TypeIndex: 99}) // another out-of-bounds type reference

	data := img.Encode()
	hdr := readTestHeader(t, data)

	err := Validate(img, hdr, data)
	if err == nil {
		t.Fatal("expected Validate to report violations")
	}
	errs := multierr.Errors(err)
	if len(errs) < 2 {
		t.Fatalf("expected multierr to aggregate at least 2 errors, got %d: %v", len(errs), err)
	}
}

func TestValidateCleanImageReturnsNil(t *testing.T) {
	img := sampleImage()
	data := img.Encode()
	hdr := readTestHeader(t, data)
	if err := Validate(img, hdr, data); err != nil {
		t.Fatalf("Validate on well-formed image: %v", err)
	}
}
