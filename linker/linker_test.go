package linker

import (
	"testing"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// intType is a self-contained builtin int used by every test image; it
// round-trips through structural-hash dedup identically across images.
func intType() vmtype.Type {
	return vmtype.Type{ByteSize: vmtype.SizeInt, Primitive: vmtype.PrimInt, AlignLog2: 2, BaseType: vmtype.NoBaseType}
}

func oneModuleImage(name string, deps []uint32) *bytecode.Image {
	return &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Types:        []vmtype.Type{intType()},
		Variables: []vmtype.Variable{
			{TypeIndex: 0, ByteOffset: 0, Role: vmtype.VarLocal, DefaultFuncID: -1, CloseListID: -1},
		},
		Functions: []vmtype.Function{
			{TypeIndex: 0, ReturnTag: vmtype.ReturnInt, Category: vmtype.FuncNormal, ContextType: -1},
		},
		Modules: []vmtype.Module{
			{NameOffset: 0, FirstFunction: 0, FunctionCount: 1, Dependencies: deps},
		},
		GlobalSegmentSize: 4,
		SymbolBlob:        append([]byte(name), 0),
		SourceBlob:        []byte("module " + name),
	}
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	a := oneModuleImage("a", []uint32{1})
	b := oneModuleImage("b", []uint32{0})

	_, err := NewWithDefaults().Merge([]*bytecode.Image{a, b}, 0, Rewriters{})
	if err == nil {
		t.Fatal("expected dependency_cycle error")
	}
	ne, ok := err.(*nerr.Error)
	if !ok {
		t.Fatalf("expected *nerr.Error, got %T: %v", err, err)
	}
	if ne.Kind != nerr.KindDependencyCycle {
		t.Fatalf("Kind = %v, want %v", ne.Kind, nerr.KindDependencyCycle)
	}
}

func TestMergeDedupTypes(t *testing.T) {
	primary := oneModuleImage("main", []uint32{1})
	dep := oneModuleImage("lib", nil)

	merged, err := NewWithDefaults().Merge([]*bytecode.Image{primary, dep}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged.Types) != 1 {
		t.Fatalf("Types = %d entries, want 1 (identical int type deduplicated)", len(merged.Types))
	}
	if len(merged.Functions) != 2 {
		t.Fatalf("Functions = %d entries, want 2", len(merged.Functions))
	}
	for i, f := range merged.Functions {
		if f.TypeIndex != 0 {
			t.Errorf("Functions[%d].TypeIndex = %d, want 0", i, f.TypeIndex)
		}
	}
}

func TestMergeAssignsGlobalBasePerModule(t *testing.T) {
	primary := oneModuleImage("main", []uint32{1})
	dep := oneModuleImage("lib", nil)

	merged, err := NewWithDefaults().Merge([]*bytecode.Image{primary, dep}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged.Variables) != 2 {
		t.Fatalf("Variables = %d entries, want 2", len(merged.Variables))
	}

	modules := make(map[uint32]bool)
	for _, v := range merged.Variables {
		addr := vmtype.GlobalAddr(v.ByteOffset)
		modules[addr.Module()] = true
		if addr.Offset() != 0 {
			t.Errorf("Offset() = %d, want 0", addr.Offset())
		}
	}
	if len(modules) != 2 {
		t.Fatalf("expected globals tagged with 2 distinct module indices, got %v", modules)
	}
}

func TestMergeAssignsRealPerModuleGlobalByteBase(t *testing.T) {
	primary := oneModuleImage("main", []uint32{1})
	dep := oneModuleImage("lib", nil)

	merged, err := NewWithDefaults().Merge([]*bytecode.Image{primary, dep}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged.Modules) != 2 {
		t.Fatalf("Modules = %d entries, want 2", len(merged.Modules))
	}

	// Each image's GlobalSegmentSize is 4 bytes; module 0 (dependency-first:
	// "lib") must start at byte 0 and module 1 ("main") must start right
	// after it at byte 4 in the merged segment — not modIdx<<24, which
	// would make every module's globals alias at byte offset 0.
	bases := make(map[uint32]bool)
	for _, mod := range merged.Modules {
		if mod.GlobalBaseOffset >= 1<<vmtype.ModuleShift {
			t.Fatalf("GlobalBaseOffset = %d looks like a module tag, not a byte base", mod.GlobalBaseOffset)
		}
		bases[mod.GlobalBaseOffset] = true
	}
	if len(bases) != 2 {
		t.Fatalf("expected 2 distinct byte bases, got %v", bases)
	}
	if merged.GlobalSegmentSize != 8 {
		t.Fatalf("GlobalSegmentSize = %d, want 8 (4 bytes per module)", merged.GlobalSegmentSize)
	}
}

func TestMergeDependencyFirstOrdering(t *testing.T) {
	primary := oneModuleImage("main", []uint32{1})
	dep := oneModuleImage("lib", nil)

	merged, err := NewWithDefaults().Merge([]*bytecode.Image{primary, dep}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	// Dependency-first: lib's module (and its global) must be assigned
	// module index 0, main's module index 1.
	if merged.Modules[0].NameOffset == merged.Modules[1].NameOffset {
		t.Fatalf("expected distinct NameOffsets after symbol blob concatenation")
	}
	if got := merged.Symbol(merged.Modules[0].NameOffset); got != "lib" {
		t.Errorf("Modules[0] name = %q, want %q (dependency-first order)", got, "lib")
	}
	if got := merged.Symbol(merged.Modules[1].NameOffset); got != "main" {
		t.Errorf("Modules[1] name = %q, want %q", got, "main")
	}
}

func TestMergeSingleImageNoOp(t *testing.T) {
	img := oneModuleImage("solo", nil)

	merged, err := NewWithDefaults().Merge([]*bytecode.Image{img}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged.Types) != len(img.Types) || len(merged.Functions) != len(img.Functions) ||
		len(merged.Variables) != len(img.Variables) || len(merged.Modules) != len(img.Modules) {
		t.Fatalf("linking a single dependency-free image changed table shape: got %+v", merged)
	}
	if merged.Functions[0].TypeIndex != img.Functions[0].TypeIndex {
		t.Errorf("TypeIndex changed on a no-op link: got %d, want %d", merged.Functions[0].TypeIndex, img.Functions[0].TypeIndex)
	}
	addr := vmtype.GlobalAddr(merged.Variables[0].ByteOffset)
	if addr.Module() != 0 || addr.Offset() != 0 {
		t.Errorf("single-image link should assign module 0, offset 0; got module %d offset %d", addr.Module(), addr.Offset())
	}
}

func TestMergeIdempotent(t *testing.T) {
	primary := oneModuleImage("main", []uint32{1})
	dep := oneModuleImage("lib", nil)

	once, err := NewWithDefaults().Merge([]*bytecode.Image{primary, dep}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("first Merge: %v", err)
	}

	twice, err := NewWithDefaults().Merge([]*bytecode.Image{once}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}

	if len(twice.Types) != len(once.Types) || len(twice.Functions) != len(once.Functions) ||
		len(twice.Variables) != len(once.Variables) || len(twice.Modules) != len(once.Modules) {
		t.Fatalf("re-linking a linked image changed table sizes: %+v vs %+v", twice, once)
	}
}

func TestMergeRejectsDuplicateSymbol(t *testing.T) {
	img := &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Types:        []vmtype.Type{intType()},
		Functions: []vmtype.Function{
			{NameOffset: 0, TypeIndex: 0, ReturnTag: vmtype.ReturnInt, Category: vmtype.FuncNormal, ContextType: -1},
			{NameOffset: 0, TypeIndex: 0, ReturnTag: vmtype.ReturnInt, Category: vmtype.FuncNormal, ContextType: -1},
		},
		Modules:    []vmtype.Module{{NameOffset: 0, FirstFunction: 0, FunctionCount: 2}},
		SymbolBlob: append([]byte("dup"), 0),
		SourceBlob: []byte("module dup"),
	}

	_, err := NewWithDefaults().Merge([]*bytecode.Image{img}, 0, Rewriters{})
	if err == nil {
		t.Fatal("expected a duplicate_symbol error")
	}
}

func TestMergeRejectsUnresolvedImport(t *testing.T) {
	img := &bytecode.Image{
		PointerWidth: vmtype.Pointer64,
		Types:        []vmtype.Type{intType()},
		Functions: []vmtype.Function{
			{NameOffset: 0, TypeIndex: 0, ReturnTag: vmtype.ReturnInt, Category: vmtype.FuncNormal, ContextType: -1, IsExternal: true},
		},
		Modules:    []vmtype.Module{{NameOffset: 0, FirstFunction: 0, FunctionCount: 1}},
		SymbolBlob: append([]byte("needsHost"), 0),
		SourceBlob: []byte("module needsHost"),
	}

	_, err := NewWithDefaults().Merge([]*bytecode.Image{img}, 0, Rewriters{})
	if err == nil {
		t.Fatal("expected an unresolved_import error")
	}
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindUnresolvedImport {
		t.Fatalf("expected unresolved_import, got %v", err)
	}
}

func TestMergeEncodesAndDecodes(t *testing.T) {
	primary := oneModuleImage("main", []uint32{1})
	dep := oneModuleImage("lib", nil)

	merged, err := NewWithDefaults().Merge([]*bytecode.Image{primary, dep}, 0, Rewriters{})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	data := merged.Encode()
	decoded, err := bytecode.Decode(data)
	if err != nil {
		t.Fatalf("Decode(merged.Encode()): %v", err)
	}
	if len(decoded.Modules) != len(merged.Modules) {
		t.Fatalf("round-tripped module count = %d, want %d", len(decoded.Modules), len(merged.Modules))
	}
}
