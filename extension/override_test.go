package extension

import (
	"testing"

	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

func doubler(args []uint32) ([]uint32, error) { return []uint32{args[0] * 2}, nil }
func tripler(args []uint32) ([]uint32, error) { return []uint32{args[0] * 3}, nil }

func baseFunctions() []vmtype.Function {
	return []vmtype.Function{
		{ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1, NativePtr: doubler},
	}
}

func TestTableOverrideTransparency(t *testing.T) {
	table := NewTable(baseFunctions())

	before := table.Snapshot()[0]
	res, err := before.NativePtr([]uint32{21})
	if err != nil || res[0] != 42 {
		t.Fatalf("before override: got %v, %v, want [42]", res, err)
	}

	err = table.Override(0, vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1, NativePtr: tripler,
	})
	if err != nil {
		t.Fatalf("Override: %v", err)
	}

	after := table.Snapshot()[0]
	res, err = after.NativePtr([]uint32{21})
	if err != nil || res[0] != 63 {
		t.Fatalf("after override: got %v, %v, want [63]", res, err)
	}

	// The index stayed stable; nothing about the entry's identity (its
	// classification) changed, only its body.
	if after.ReturnTag != before.ReturnTag || after.ParamCount != before.ParamCount {
		t.Fatalf("override changed classification: before=%+v after=%+v", before, after)
	}
}

func TestTableOverrideRejectsClassificationChange(t *testing.T) {
	table := NewTable(baseFunctions())

	err := table.Override(0, vmtype.Function{
		ReturnTag: vmtype.ReturnDouble, ParamCount: 1, ContextType: -1, NativePtr: tripler,
	})
	if err == nil {
		t.Fatal("expected an error overriding with a different return tag")
	}
	ne, ok := err.(*nerr.Error)
	if !ok || ne.Kind != nerr.KindOverrideClassificationMismatch {
		t.Fatalf("expected override_classification_mismatch, got %v", err)
	}

	// The rejected override must not have mutated the table.
	if table.Snapshot()[0].ReturnTag != vmtype.ReturnInt {
		t.Fatal("rejected override mutated the table")
	}
}

func TestTableOverrideRejectsOutOfRangeIndex(t *testing.T) {
	table := NewTable(baseFunctions())
	err := table.Override(5, vmtype.Function{ContextType: -1})
	if err == nil {
		t.Fatal("expected an error for an out-of-range override index")
	}
}

func TestBindPrivateSnapshotIgnoresLaterOverrides(t *testing.T) {
	table := NewTable(baseFunctions())

	snapshot, live := Bind(table, Options{ShareOverrides: false})
	if live != nil {
		t.Fatal("expected a nil live table when ShareOverrides is false")
	}

	if err := table.Override(0, vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1, NativePtr: tripler,
	}); err != nil {
		t.Fatalf("Override: %v", err)
	}

	res, err := snapshot[0].NativePtr([]uint32{10})
	if err != nil || res[0] != 20 {
		t.Fatalf("private snapshot observed the override: got %v, %v, want [20] (doubler)", res, err)
	}
}

func TestBindSharedTableObservesLaterOverrides(t *testing.T) {
	table := NewTable(baseFunctions())

	_, live := Bind(table, Options{ShareOverrides: true})
	if live == nil {
		t.Fatal("expected a non-nil live table when ShareOverrides is true")
	}

	if err := table.Override(0, vmtype.Function{
		ReturnTag: vmtype.ReturnInt, ParamCount: 1, ContextType: -1, NativePtr: tripler,
	}); err != nil {
		t.Fatalf("Override: %v", err)
	}

	res, err := live.Snapshot()[0].NativePtr([]uint32{10})
	if err != nil || res[0] != 30 {
		t.Fatalf("shared table did not observe the override: got %v, %v, want [30] (tripler)", res, err)
	}
}
