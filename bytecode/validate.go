package bytecode

import (
	"go.uber.org/multierr"

	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// Validate checks that every section offset/length fits within the image
// and that every cross-table index dereferences within its table's bounds,
// per spec §4.2: "violation yields a bytecode_malformed error." Every
// violation found is collected via multierr rather than stopping at the
// first, so a single decode failure reports everything wrong with the
// image in one pass — mirrored from the teacher's component validator,
// which collects multiple WIT violations the same way.
func Validate(img *Image, hdr *Header, data []byte) error {
	var errs error

	checkSection := func(name string, offset, size uint64) {
		if offset+size > uint64(len(data)) {
			errs = multierr.Append(errs, nerr.Malformed(name+" section exceeds image size"))
		}
	}

	checkSection("types", uint64(hdr.Types.Offset), uint64(hdr.Types.Count)*typeEncodedSize)
	checkSection("members", uint64(hdr.Members.Offset), uint64(hdr.Members.Count)*8)
	checkSection("constants", uint64(hdr.Constants.Offset), uint64(hdr.Constants.Count)*12)
	checkSection("variables", uint64(hdr.Variables.Offset), uint64(hdr.Variables.Count)*variableEncodedSize)
	checkSection("functions", uint64(hdr.Functions.Offset), uint64(hdr.Functions.Count)*functionEncodedSize)
	checkSection("locals", uint64(hdr.Locals.Offset), uint64(hdr.Locals.Count)*variableEncodedSize)
	checkSection("typedefs", uint64(hdr.Typedefs.Offset), uint64(hdr.Typedefs.Count)*8)
	checkSection("namespaces", uint64(hdr.Namespaces.Offset), uint64(hdr.Namespaces.Count)*12)
	checkSection("stack code", uint64(hdr.StackCode.Offset), uint64(hdr.StackCode.Size))
	checkSection("register code", uint64(hdr.RegCode.Offset), uint64(hdr.RegCode.Size))
	checkSection("stack source map", uint64(hdr.StackSourceMap.Offset), uint64(hdr.StackSourceMap.Size))
	checkSection("register source map", uint64(hdr.RegSourceMap.Offset), uint64(hdr.RegSourceMap.Size))
	checkSection("symbol blob", uint64(hdr.SymbolBlob.Offset), uint64(hdr.SymbolBlob.Length))
	checkSection("source blob", uint64(hdr.SourceBlob.Offset), uint64(hdr.SourceBlob.Length))
	if hdr.LLVMBlob.Length > 0 {
		checkSection("llvm blob", uint64(hdr.LLVMBlob.Offset), uint64(hdr.LLVMBlob.Length))
	}

	numTypes := uint32(len(img.Types))

	typeRef := func(where string, idx uint32) {
		if idx >= numTypes {
			errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
				Detail("%s: type index %d out of bounds (table has %d entries)", where, idx, numTypes).Build())
		}
	}

	for i, t := range img.Types {
		switch t.Struct {
		case vmtype.StructArray, vmtype.StructPointer, vmtype.StructFunction: // SubtypeIndex names another type
			typeRef("type", t.SubtypeIndex)
		case vmtype.StructClass: // MemberStart + ArrayOrMemberCount must fit Members
			if uint64(t.MemberStart)+uint64(t.ArrayOrMemberCount) > uint64(len(img.Members)) {
				errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
					Detail("type %d: member slice [%d,%d) exceeds member table (len %d)", i, t.MemberStart, t.MemberStart+t.ArrayOrMemberCount, len(img.Members)).Build())
			}
		}
		if t.BaseType >= 0 {
			typeRef("type.base", uint32(t.BaseType))
		}
	}

	for i, m := range img.Members {
		if m.TypeIndex >= numTypes {
			errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
				Detail("member %d: type index %d out of bounds", i, m.TypeIndex).Build())
		}
	}

	for i, v := range img.Variables {
		if v.TypeIndex >= numTypes {
			errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
				Detail("variable %d: type index %d out of bounds", i, v.TypeIndex).Build())
		}
	}

	for i, f := range img.Functions {
		if f.TypeIndex >= numTypes {
			errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
				Detail("function %d: type index %d out of bounds", i, f.TypeIndex).Build())
		}
		if uint64(f.FirstLocal)+uint64(f.LocalCount) > uint64(len(img.Locals)) {
			errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
				Detail("function %d: local slice exceeds locals table", i).Build())
		}
	}

	for i, m := range img.Modules {
		if uint64(m.FirstFunction)+uint64(m.FunctionCount) > uint64(len(img.Functions)) {
			errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
				Detail("module %d: function slice exceeds function table", i).Build())
		}
		for _, dep := range m.Dependencies {
			if int(dep) >= len(img.Modules) {
				errs = multierr.Append(errs, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).
					Detail("module %d: dependency %d out of bounds", i, dep).Build())
			}
		}
	}

	return errs
}
