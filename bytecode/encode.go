package bytecode

import (
	"github.com/nullc-go/vm/internal/binary"
	"github.com/nullc-go/vm/vmtype"
)

// Encode serializes the image to the binary container format (spec §4.2,
// §6): fixed header first, then every section in the order the header
// enumerates it, then the two instruction streams, the two source maps, the
// symbol blob, the source blob, and finally the optional LLVM blob.
func (img *Image) Encode() []byte {
	body := binary.NewWriter()

	typesOff := body.Len()
	for _, t := range img.Types {
		encodeType(body, &t)
	}

	membersOff := body.Len()
	for _, m := range img.Members {
		body.WriteU32LE(m.TypeIndex)
		body.WriteU32LE(m.ByteOffset)
	}

	constantsOff := body.Len()
	for _, c := range img.Constants {
		body.WriteU32LE(c.TypeIndex)
		body.WriteU64LE(c.Value)
	}

	modulesOff := body.Len()
	for _, m := range img.Modules {
		body.WriteU32LE(m.NameHash)
		body.WriteU32LE(m.NameOffset)
		body.WriteU32LE(m.FirstFunction)
		body.WriteU32LE(m.FunctionCount)
		body.WriteU32LE(m.GlobalBaseOffset)
		body.WriteU32LE(m.SourceOffset)
		body.WriteU32LE(m.SourceLength)
		body.WriteU32LE(uint32(len(m.Dependencies)))
		for _, d := range m.Dependencies {
			body.WriteU32LE(d)
		}
	}

	variablesOff := body.Len()
	for _, v := range img.Variables {
		encodeVariable(body, &v)
	}

	functionsOff := body.Len()
	for _, f := range img.Functions {
		encodeFunction(body, &f)
	}

	localsOff := body.Len()
	for _, l := range img.Locals {
		encodeVariable(body, &l)
	}

	closureListsOff := body.Len()
	for _, cl := range img.ClosureLists {
		body.WriteU32LE(uint32(len(cl.VarIndices)))
		for _, idx := range cl.VarIndices {
			body.WriteU32LE(idx)
		}
	}

	typedefsOff := body.Len()
	for _, td := range img.Typedefs {
		body.WriteU32LE(td.NameOffset)
		body.WriteU32LE(td.TypeIndex)
	}

	namespacesOff := body.Len()
	for _, ns := range img.Namespaces {
		body.WriteU32LE(ns.NameOffset)
		body.WriteU32LE(ns.NameHash)
		body.WriteU32LE(uint32(ns.Parent))
	}

	stackCodeOff := body.Len()
	body.WriteBytes(img.StackCode)

	regCodeOff := body.Len()
	body.WriteBytes(img.RegCode)

	stackMapOff := body.Len()
	for _, e := range img.StackSourceMap {
		encodeSourceMapEntry(body, &e)
	}

	regMapOff := body.Len()
	for _, e := range img.RegSourceMap {
		encodeSourceMapEntry(body, &e)
	}

	symbolOff := body.Len()
	body.WriteBytes(img.SymbolBlob)

	sourceOff := body.Len()
	body.WriteBytes(img.SourceBlob)

	llvmOff := body.Len()
	body.WriteBytes(img.LLVMBlob)

	hdr := Header{
		PointerWidth: img.PointerWidth,
		Types:        SectionDesc{Offset: uint32(headerByteSize + typesOff), Count: uint32(len(img.Types))},
		Members:      SectionDesc{Offset: uint32(headerByteSize + membersOff), Count: uint32(len(img.Members))},
		Constants:    SectionDesc{Offset: uint32(headerByteSize + constantsOff), Count: uint32(len(img.Constants))},
		Modules:      SectionDesc{Offset: uint32(headerByteSize + modulesOff), Count: uint32(len(img.Modules))},
		Variables:    SectionDesc{Offset: uint32(headerByteSize + variablesOff), Count: uint32(len(img.Variables))},
		Functions:    SectionDesc{Offset: uint32(headerByteSize + functionsOff), Count: uint32(len(img.Functions))},
		Locals:       SectionDesc{Offset: uint32(headerByteSize + localsOff), Count: uint32(len(img.Locals))},
		ClosureLists: SectionDesc{Offset: uint32(headerByteSize + closureListsOff), Count: uint32(len(img.ClosureLists))},
		Typedefs:     SectionDesc{Offset: uint32(headerByteSize + typedefsOff), Count: uint32(len(img.Typedefs))},
		Namespaces:   SectionDesc{Offset: uint32(headerByteSize + namespacesOff), Count: uint32(len(img.Namespaces))},

		GlobalSegmentSize: img.GlobalSegmentSize,

		StackCode: StreamDesc{Offset: uint32(headerByteSize + stackCodeOff), Size: uint32(len(img.StackCode))},
		RegCode:   StreamDesc{Offset: uint32(headerByteSize + regCodeOff), Size: uint32(len(img.RegCode))},

		StackSourceMap: SourceMapDesc{
			Offset:          uint32(headerByteSize + stackMapOff),
			Size:            uint32(len(img.StackSourceMap) * 12),
			GlobalCodeStart: img.StackGlobalCodeStart,
		},
		RegSourceMap: SourceMapDesc{
			Offset:          uint32(headerByteSize + regMapOff),
			Size:            uint32(len(img.RegSourceMap) * 12),
			GlobalCodeStart: img.RegGlobalCodeStart,
		},

		SymbolBlob: BlobDesc{Offset: uint32(headerByteSize + symbolOff), Length: uint32(len(img.SymbolBlob))},
		SourceBlob: BlobDesc{Offset: uint32(headerByteSize + sourceOff), Length: uint32(len(img.SourceBlob))},
		LLVMBlob:   BlobDesc{Offset: uint32(headerByteSize + llvmOff), Length: uint32(len(img.LLVMBlob))},
	}
	hdr.Size = uint32(headerByteSize + body.Len())

	out := binary.NewWriter()
	writeHeader(out, &hdr)
	out.WriteBytes(body.Bytes())
	return out.Bytes()
}

func writeHeader(w *binary.Writer, h *Header) {
	w.WriteU32LE(h.Size)
	w.WriteU32LE(uint32(h.PointerWidth))
	writeSectionDesc(w, h.Types)
	writeSectionDesc(w, h.Members)
	writeSectionDesc(w, h.Constants)
	writeSectionDesc(w, h.Modules)
	writeSectionDesc(w, h.Variables)
	writeSectionDesc(w, h.Functions)
	writeSectionDesc(w, h.Locals)
	writeSectionDesc(w, h.ClosureLists)
	writeSectionDesc(w, h.Typedefs)
	writeSectionDesc(w, h.Namespaces)
	w.WriteU32LE(h.GlobalSegmentSize)
	writeStreamDesc(w, h.StackCode)
	writeStreamDesc(w, h.RegCode)
	writeSourceMapDesc(w, h.StackSourceMap)
	writeSourceMapDesc(w, h.RegSourceMap)
	writeBlobDesc(w, h.SymbolBlob)
	writeBlobDesc(w, h.SourceBlob)
	writeBlobDesc(w, h.LLVMBlob)
}

func writeSectionDesc(w *binary.Writer, s SectionDesc) {
	w.WriteU32LE(s.Offset)
	w.WriteU32LE(s.Count)
}

func writeStreamDesc(w *binary.Writer, s StreamDesc) {
	w.WriteU32LE(s.Offset)
	w.WriteU32LE(s.Size)
}

func writeSourceMapDesc(w *binary.Writer, s SourceMapDesc) {
	w.WriteU32LE(s.Offset)
	w.WriteU32LE(s.Size)
	w.WriteU32LE(s.GlobalCodeStart)
}

func writeBlobDesc(w *binary.Writer, b BlobDesc) {
	w.WriteU32LE(b.Offset)
	w.WriteU32LE(b.Length)
}

func encodeType(w *binary.Writer, t *vmtype.Type) {
	w.WriteU32LE(t.NameOffset)
	w.WriteU32LE(t.NameHash)
	w.WriteU32LE(t.NamespaceHash)
	w.WriteU32LE(t.ByteSize)
	w.WriteU32LE(uint32(t.AlignLog2))
	w.WriteU32LE(uint32(t.Primitive))
	w.WriteU32LE(uint32(t.Struct))
	w.WriteU32LE(uint32(t.Flags))
	w.WriteU32LE(uint32(t.PointerDepth))
	w.WriteU32LE(t.ArrayOrMemberCount)
	w.WriteU32LE(t.ConstantCount)
	w.WriteU32LE(t.SubtypeIndex)
	w.WriteU32LE(t.MemberStart)
	w.WriteU32LE(uint32(t.BaseType))
	w.WriteU32LE(t.ModuleIndex)
	w.WriteU32LE(t.Source.Offset)
	w.WriteU32LE(t.Source.Length)
}

func encodeVariable(w *binary.Writer, v *vmtype.Variable) {
	w.WriteU32LE(v.NameOffset)
	w.WriteU32LE(v.NameHash)
	w.WriteU32LE(v.TypeIndex)
	w.WriteU32LE(v.ByteOffset)
	w.WriteU32LE(uint32(v.Role))
	w.WriteU32LE(uint32(v.DefaultFuncID))
	w.WriteU32LE(v.Size)
	w.WriteU32LE(uint32(v.CloseListID))
	w.WriteU32LE(uint32(v.AlignLog2))
	w.WriteU32LE(boolToU32(v.IsExplicit))
}

func encodeFunction(w *binary.Writer, f *vmtype.Function) {
	w.WriteU32LE(f.NameOffset)
	w.WriteU32LE(f.StackEntryOffset)
	w.WriteU32LE(f.StackCodeLength)
	w.WriteU32LE(f.RegEntryOffset)
	w.WriteU32LE(f.RegCodeLength)
	w.WriteU32LE(boolToU32(f.IsExternal))
	w.WriteU32LE(boolToU32(f.NativePtr != nil))
	w.WriteU32LE(uint32(f.ReturnTag))
	w.WriteU32LE(uint32(f.Category))
	w.WriteU32LE(boolToU32(f.IsGenericInstance))
	w.WriteU32LE(boolToU32(f.IsOperator))
	w.WriteU32LE(uint32(f.ReturnShift))
	w.WriteU32LE(f.TypeIndex)
	w.WriteU32LE(f.FirstLocal)
	w.WriteU32LE(uint32(f.ParamCount))
	w.WriteU32LE(uint32(f.LocalCount))
	w.WriteU32LE(uint32(f.UpvalueCount))
	w.WriteU32LE(uint32(f.ContextType))
	w.WriteU32LE(f.NamespaceHash)
	w.WriteU32LE(f.ModuleIndex)
	w.WriteU32LE(f.Source.Offset)
	w.WriteU32LE(f.Source.Length)
}

func encodeSourceMapEntry(w *binary.Writer, e *vmtype.SourceMapEntry) {
	w.WriteU32LE(e.InstructionIndex)
	w.WriteU32LE(e.ModuleIndex)
	w.WriteU32LE(e.SourceOffset)
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
