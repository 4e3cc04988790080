package vmtype

import "testing"

func TestGlobalAddrRoundTrip(t *testing.T) {
	addr := NewGlobalAddr(1, 0x1234)
	if addr.Module() != 1 {
		t.Errorf("Module() = %d, want 1", addr.Module())
	}
	if addr.Offset() != 0x1234 {
		t.Errorf("Offset() = %#x, want 0x1234", addr.Offset())
	}
}

func TestGlobalAddrZeroModuleIsCurrentImage(t *testing.T) {
	addr := NewGlobalAddr(0, 42)
	if addr.Module() != 0 {
		t.Errorf("Module() = %d, want 0 (current image)", addr.Module())
	}
	if addr.Offset() != 42 {
		t.Errorf("Offset() = %d, want 42", addr.Offset())
	}
}

func TestTypeAlign(t *testing.T) {
	tp := &Type{AlignLog2: 3}
	if got := tp.Align(); got != 8 {
		t.Errorf("Align() = %d, want 8", got)
	}
}

func TestFlagsHas(t *testing.T) {
	fl := FlagHasFinalizer | FlagInternal
	if !fl.Has(FlagHasFinalizer) {
		t.Error("expected FlagHasFinalizer to be set")
	}
	if fl.Has(FlagIsExtendable) {
		t.Error("did not expect FlagIsExtendable to be set")
	}
}

func TestStructuralHashStable(t *testing.T) {
	t1 := &Type{Primitive: PrimInt, Struct: StructArray, ByteSize: 4, ArrayOrMemberCount: 3}
	t2 := &Type{Primitive: PrimInt, Struct: StructArray, ByteSize: 4, ArrayOrMemberCount: 3}

	noBase := NoBaseType
	h1 := t1.StructuralHash(5, uint32(noBase), 0)
	h2 := t2.StructuralHash(5, uint32(noBase), 0)
	if h1 != h2 {
		t.Errorf("expected structurally equal types to hash equal: %d != %d", h1, h2)
	}

	t3 := &Type{Primitive: PrimInt, Struct: StructArray, ByteSize: 4, ArrayOrMemberCount: 4}
	h3 := t3.StructuralHash(5, uint32(noBase), 0)
	if h1 == h3 {
		t.Error("expected structurally different types (element count) to hash differently")
	}
}

func TestMemberSliceHashDistinguishesOffsets(t *testing.T) {
	a := []Member{{TypeIndex: 1, ByteOffset: 0}, {TypeIndex: 2, ByteOffset: 4}}
	b := []Member{{TypeIndex: 1, ByteOffset: 0}, {TypeIndex: 2, ByteOffset: 8}}
	if MemberSliceHash(a) == MemberSliceHash(b) {
		t.Error("expected different member offsets to hash differently")
	}
}
