package bytecode

import (
	"bytes"

	"github.com/nullc-go/vm/internal/binary"
	"github.com/nullc-go/vm/internal/nerr"
	"github.com/nullc-go/vm/vmtype"
)

// Decode parses a binary container into an in-memory Image. It validates
// every section offset/length and cross-table index before returning,
// collecting every violation it finds (see Validate) rather than stopping
// at the first — readers get one bytecode_malformed error describing
// everything wrong with the image.
func Decode(data []byte) (*Image, error) {
	r := binary.NewReader(bytes.NewReader(data))

	hdr, err := readHeader(r)
	if err != nil {
		return nil, nerr.New(nerr.PhaseDecode, nerr.KindBytecodeMalformed).Cause(err).Detail("reading header").Build()
	}

	if int(hdr.Size) != len(data) {
		return nil, nerr.Malformed("header size does not match image length")
	}

	img := &Image{
		PointerWidth:         hdr.PointerWidth,
		GlobalSegmentSize:    hdr.GlobalSegmentSize,
		StackGlobalCodeStart: hdr.StackSourceMap.GlobalCodeStart,
		RegGlobalCodeStart:   hdr.RegSourceMap.GlobalCodeStart,
	}

	if err := sliceBounds(data, hdr.Types.Offset, hdr.Types.Count*typeEncodedSize); err == nil {
		img.Types = decodeTypes(data[hdr.Types.Offset:], hdr.Types.Count)
	}
	if err := sliceBounds(data, hdr.Members.Offset, hdr.Members.Count*8); err == nil {
		img.Members = decodeMembers(data[hdr.Members.Offset:], hdr.Members.Count)
	}
	if err := sliceBounds(data, hdr.Constants.Offset, hdr.Constants.Count*12); err == nil {
		img.Constants = decodeConstants(data[hdr.Constants.Offset:], hdr.Constants.Count)
	}
	if err := sliceBounds(data, hdr.Modules.Offset, 0); err == nil {
		mods, n, derr := decodeModules(data[hdr.Modules.Offset:], hdr.Modules.Count)
		if derr == nil {
			img.Modules = mods
			_ = n
		}
	}
	if err := sliceBounds(data, hdr.Variables.Offset, hdr.Variables.Count*variableEncodedSize); err == nil {
		img.Variables = decodeVariables(data[hdr.Variables.Offset:], hdr.Variables.Count)
	}
	if err := sliceBounds(data, hdr.Functions.Offset, hdr.Functions.Count*functionEncodedSize); err == nil {
		img.Functions = decodeFunctions(data[hdr.Functions.Offset:], hdr.Functions.Count)
	}
	if err := sliceBounds(data, hdr.Locals.Offset, hdr.Locals.Count*variableEncodedSize); err == nil {
		img.Locals = decodeVariables(data[hdr.Locals.Offset:], hdr.Locals.Count)
	}
	if err := sliceBounds(data, hdr.ClosureLists.Offset, 0); err == nil {
		img.ClosureLists, _, _ = decodeClosureLists(data[hdr.ClosureLists.Offset:], hdr.ClosureLists.Count)
	}
	if err := sliceBounds(data, hdr.Typedefs.Offset, hdr.Typedefs.Count*8); err == nil {
		img.Typedefs = decodeTypedefs(data[hdr.Typedefs.Offset:], hdr.Typedefs.Count)
	}
	if err := sliceBounds(data, hdr.Namespaces.Offset, hdr.Namespaces.Count*12); err == nil {
		img.Namespaces = decodeNamespaces(data[hdr.Namespaces.Offset:], hdr.Namespaces.Count)
	}

	if err := sliceBounds(data, hdr.StackCode.Offset, hdr.StackCode.Size); err == nil {
		img.StackCode = append([]byte(nil), data[hdr.StackCode.Offset:hdr.StackCode.Offset+hdr.StackCode.Size]...)
	}
	if err := sliceBounds(data, hdr.RegCode.Offset, hdr.RegCode.Size); err == nil {
		img.RegCode = append([]byte(nil), data[hdr.RegCode.Offset:hdr.RegCode.Offset+hdr.RegCode.Size]...)
	}

	if err := sliceBounds(data, hdr.StackSourceMap.Offset, hdr.StackSourceMap.Size); err == nil {
		img.StackSourceMap = decodeSourceMap(data[hdr.StackSourceMap.Offset:], hdr.StackSourceMap.Size/12)
	}
	if err := sliceBounds(data, hdr.RegSourceMap.Offset, hdr.RegSourceMap.Size); err == nil {
		img.RegSourceMap = decodeSourceMap(data[hdr.RegSourceMap.Offset:], hdr.RegSourceMap.Size/12)
	}

	if err := sliceBounds(data, hdr.SymbolBlob.Offset, hdr.SymbolBlob.Length); err == nil {
		img.SymbolBlob = append([]byte(nil), data[hdr.SymbolBlob.Offset:hdr.SymbolBlob.Offset+hdr.SymbolBlob.Length]...)
	}
	if err := sliceBounds(data, hdr.SourceBlob.Offset, hdr.SourceBlob.Length); err == nil {
		img.SourceBlob = append([]byte(nil), data[hdr.SourceBlob.Offset:hdr.SourceBlob.Offset+hdr.SourceBlob.Length]...)
	}
	if hdr.LLVMBlob.Length > 0 {
		if err := sliceBounds(data, hdr.LLVMBlob.Offset, hdr.LLVMBlob.Length); err == nil {
			img.LLVMBlob = append([]byte(nil), data[hdr.LLVMBlob.Offset:hdr.LLVMBlob.Offset+hdr.LLVMBlob.Length]...)
		}
	}

	if err := Validate(img, &hdr, data); err != nil {
		return nil, err
	}

	return img, nil
}

func readHeader(r *binary.Reader) (Header, error) {
	var h Header
	var err error
	readU32 := func(dst *uint32) {
		if err != nil {
			return
		}
		*dst, err = r.ReadU32LE()
	}

	readU32(&h.Size)
	var pw uint32
	readU32(&pw)
	h.PointerWidth = vmtype.PointerWidth(pw)
	readSectionDesc(r, &h.Types, &err)
	readSectionDesc(r, &h.Members, &err)
	readSectionDesc(r, &h.Constants, &err)
	readSectionDesc(r, &h.Modules, &err)
	readSectionDesc(r, &h.Variables, &err)
	readSectionDesc(r, &h.Functions, &err)
	readSectionDesc(r, &h.Locals, &err)
	readSectionDesc(r, &h.ClosureLists, &err)
	readSectionDesc(r, &h.Typedefs, &err)
	readSectionDesc(r, &h.Namespaces, &err)
	readU32(&h.GlobalSegmentSize)
	readStreamDesc(r, &h.StackCode, &err)
	readStreamDesc(r, &h.RegCode, &err)
	readSourceMapDesc(r, &h.StackSourceMap, &err)
	readSourceMapDesc(r, &h.RegSourceMap, &err)
	readBlobDesc(r, &h.SymbolBlob, &err)
	readBlobDesc(r, &h.SourceBlob, &err)
	readBlobDesc(r, &h.LLVMBlob, &err)

	return h, err
}

func readSectionDesc(r *binary.Reader, s *SectionDesc, err *error) {
	if *err != nil {
		return
	}
	s.Offset, *err = r.ReadU32LE()
	if *err != nil {
		return
	}
	s.Count, *err = r.ReadU32LE()
}

func readStreamDesc(r *binary.Reader, s *StreamDesc, err *error) {
	if *err != nil {
		return
	}
	s.Offset, *err = r.ReadU32LE()
	if *err != nil {
		return
	}
	s.Size, *err = r.ReadU32LE()
}

func readSourceMapDesc(r *binary.Reader, s *SourceMapDesc, err *error) {
	if *err != nil {
		return
	}
	s.Offset, *err = r.ReadU32LE()
	if *err != nil {
		return
	}
	s.Size, *err = r.ReadU32LE()
	if *err != nil {
		return
	}
	s.GlobalCodeStart, *err = r.ReadU32LE()
}

func readBlobDesc(r *binary.Reader, b *BlobDesc, err *error) {
	if *err != nil {
		return
	}
	b.Offset, *err = r.ReadU32LE()
	if *err != nil {
		return
	}
	b.Length, *err = r.ReadU32LE()
}

func sliceBounds(data []byte, offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(data)) {
		return nerr.Malformed("section out of bounds")
	}
	return nil
}

const (
	typeEncodedSize     = 17 * 4
	variableEncodedSize = 10 * 4
	functionEncodedSize = 22 * 4
)

func u32At(data []byte, i int) uint32 {
	_ = data[i*4+3]
	return uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
}

func decodeTypes(data []byte, count uint32) []vmtype.Type {
	out := make([]vmtype.Type, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*typeEncodedSize:]
		out = append(out, vmtype.Type{
			NameOffset:         u32At(base, 0),
			NameHash:           u32At(base, 1),
			NamespaceHash:      u32At(base, 2),
			ByteSize:           u32At(base, 3),
			AlignLog2:          uint8(u32At(base, 4)),
			Primitive:          vmtype.PrimitiveCategory(u32At(base, 5)),
			Struct:             vmtype.StructCategory(u32At(base, 6)),
			Flags:              vmtype.Flags(u32At(base, 7)),
			PointerDepth:       uint8(u32At(base, 8)),
			ArrayOrMemberCount: u32At(base, 9),
			ConstantCount:      u32At(base, 10),
			SubtypeIndex:       u32At(base, 11),
			MemberStart:        u32At(base, 12),
			BaseType:           int32(u32At(base, 13)),
			ModuleIndex:        u32At(base, 14),
			Source: vmtype.SourceSpan{
				Offset: u32At(base, 15),
				Length: u32At(base, 16),
			},
		})
	}
	return out
}

func decodeMembers(data []byte, count uint32) []vmtype.Member {
	out := make([]vmtype.Member, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*8:]
		out = append(out, vmtype.Member{TypeIndex: u32At(base, 0), ByteOffset: u32At(base, 1)})
	}
	return out
}

func decodeConstants(data []byte, count uint32) []vmtype.Constant {
	out := make([]vmtype.Constant, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*12:]
		lo := uint64(u32At(base, 1))
		hi := uint64(u32At(base, 2))
		out = append(out, vmtype.Constant{TypeIndex: u32At(base, 0), Value: lo | hi<<32})
	}
	return out
}

func decodeModules(data []byte, count uint32) ([]vmtype.Module, int, error) {
	out := make([]vmtype.Module, 0, count)
	pos := 0
	for i := uint32(0); i < count; i++ {
		if pos+32 > len(data) {
			return out, pos, nerr.Malformed("module table truncated")
		}
		m := vmtype.Module{
			NameHash:         u32At(data[pos:], 0),
			NameOffset:       u32At(data[pos:], 1),
			FirstFunction:    u32At(data[pos:], 2),
			FunctionCount:    u32At(data[pos:], 3),
			GlobalBaseOffset: u32At(data[pos:], 4),
			SourceOffset:     u32At(data[pos:], 5),
			SourceLength:     u32At(data[pos:], 6),
		}
		depCount := u32At(data[pos:], 7)
		pos += 32
		for d := uint32(0); d < depCount; d++ {
			if pos+4 > len(data) {
				return out, pos, nerr.Malformed("module dependency list truncated")
			}
			m.Dependencies = append(m.Dependencies, u32At(data[pos:], 0))
			pos += 4
		}
		out = append(out, m)
	}
	return out, pos, nil
}

func decodeVariables(data []byte, count uint32) []vmtype.Variable {
	out := make([]vmtype.Variable, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*variableEncodedSize:]
		out = append(out, vmtype.Variable{
			NameOffset:    u32At(base, 0),
			NameHash:      u32At(base, 1),
			TypeIndex:     u32At(base, 2),
			ByteOffset:    u32At(base, 3),
			Role:          vmtype.VarRole(u32At(base, 4)),
			DefaultFuncID: int32(u32At(base, 5)),
			Size:          u32At(base, 6),
			CloseListID:   int32(u32At(base, 7)),
			AlignLog2:     uint8(u32At(base, 8)),
			IsExplicit:    u32At(base, 9) != 0,
		})
	}
	return out
}

func decodeFunctions(data []byte, count uint32) []vmtype.Function {
	out := make([]vmtype.Function, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*functionEncodedSize:]
		out = append(out, vmtype.Function{
			NameOffset:        u32At(base, 0),
			StackEntryOffset:  u32At(base, 1),
			StackCodeLength:   u32At(base, 2),
			RegEntryOffset:    u32At(base, 3),
			RegCodeLength:     u32At(base, 4),
			IsExternal:        u32At(base, 5) != 0,
			// index 6 ("has native") is informational only; NativePtr is
			// wired post-decode by the host/extension surface.
			ReturnTag:         vmtype.ReturnTag(u32At(base, 7)),
			Category:          vmtype.FuncCategory(u32At(base, 8)),
			IsGenericInstance: u32At(base, 9) != 0,
			IsOperator:        u32At(base, 10) != 0,
			ReturnShift:       uint8(u32At(base, 11)),
			TypeIndex:         u32At(base, 12),
			FirstLocal:        u32At(base, 13),
			ParamCount:        uint16(u32At(base, 14)),
			LocalCount:        uint16(u32At(base, 15)),
			UpvalueCount:      uint16(u32At(base, 16)),
			ContextType:       int32(u32At(base, 17)),
			NamespaceHash:     u32At(base, 18),
			ModuleIndex:       u32At(base, 19),
			Source: vmtype.SourceSpan{
				Offset: u32At(base, 20),
				Length: u32At(base, 21),
			},
		})
	}
	return out
}

func decodeClosureLists(data []byte, count uint32) ([]vmtype.ClosureList, int, error) {
	out := make([]vmtype.ClosureList, 0, count)
	pos := 0
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(data) {
			return out, pos, nerr.Malformed("closure list table truncated")
		}
		n := u32At(data[pos:], 0)
		pos += 4
		cl := vmtype.ClosureList{}
		for j := uint32(0); j < n; j++ {
			if pos+4 > len(data) {
				return out, pos, nerr.Malformed("closure list truncated")
			}
			cl.VarIndices = append(cl.VarIndices, u32At(data[pos:], 0))
			pos += 4
		}
		out = append(out, cl)
	}
	return out, pos, nil
}

func decodeTypedefs(data []byte, count uint32) []vmtype.Typedef {
	out := make([]vmtype.Typedef, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*8:]
		out = append(out, vmtype.Typedef{NameOffset: u32At(base, 0), TypeIndex: u32At(base, 1)})
	}
	return out
}

func decodeNamespaces(data []byte, count uint32) []vmtype.Namespace {
	out := make([]vmtype.Namespace, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*12:]
		out = append(out, vmtype.Namespace{
			NameOffset: u32At(base, 0),
			NameHash:   u32At(base, 1),
			Parent:     int32(u32At(base, 2)),
		})
	}
	return out
}

func decodeSourceMap(data []byte, count uint32) []vmtype.SourceMapEntry {
	out := make([]vmtype.SourceMapEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		base := data[i*12:]
		out = append(out, vmtype.SourceMapEntry{
			InstructionIndex: u32At(base, 0),
			ModuleIndex:      u32At(base, 1),
			SourceOffset:     u32At(base, 2),
		})
	}
	return out
}
