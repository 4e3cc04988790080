package bytecode

import "github.com/nullc-go/vm/vmtype"

// Magic and Version name the container format. Neither is written into
// the header that Encode produces, and Decode does not check them.
const (
	Magic   uint32 = 0x43434C4E // "NLCC" little-endian
	Version uint32 = 1
)

// SectionDesc locates one fixed-element-size table section.
type SectionDesc struct {
	Offset uint32
	Count  uint32
}

// StreamDesc locates one variable-length byte stream.
type StreamDesc struct {
	Offset uint32
	Size   uint32
}

// SourceMapDesc locates one VM's source-map stream and records where that
// VM's global (module-init) code begins within its instruction stream.
type SourceMapDesc struct {
	Offset          uint32
	Size            uint32
	GlobalCodeStart uint32
}

// BlobDesc locates one opaque blob (symbols, source text, optional LLVM IR).
// Length is zero for an absent optional blob.
type BlobDesc struct {
	Offset uint32
	Length uint32
}

// Header is the fixed, little-endian, 4-byte-packed prefix of every image
// (spec §4.2, §6). Readers must validate every offset+length against Size
// and every index field against its table's bounds before trusting the
// image; see Validate.
type Header struct {
	Size uint32

	PointerWidth vmtype.PointerWidth

	Types        SectionDesc
	Members      SectionDesc
	Constants    SectionDesc
	Modules      SectionDesc
	Variables    SectionDesc
	Functions    SectionDesc
	Locals       SectionDesc
	ClosureLists SectionDesc
	Typedefs     SectionDesc
	Namespaces   SectionDesc

	GlobalSegmentSize uint32

	StackCode StreamDesc
	RegCode   StreamDesc

	StackSourceMap SourceMapDesc
	RegSourceMap   SourceMapDesc

	SymbolBlob BlobDesc
	SourceBlob BlobDesc
	LLVMBlob   BlobDesc
}

const headerFieldCount = 1 /*Size*/ + 1 /*PointerWidth, padded to 4*/ +
	10*2 /*SectionDesc x10*/ +
	1 /*GlobalSegmentSize*/ +
	2*2 /*StreamDesc x2*/ +
	2*3 /*SourceMapDesc x2*/ +
	3*2 /*BlobDesc x3*/

// headerByteSize is the fixed on-disk size of Header in bytes (every field
// is a 4-byte-packed little-endian uint32).
const headerByteSize = headerFieldCount * 4
