// Package bytecode implements the binary container format that persists a
// linked image: a fixed header, offset-indexed tables, two VM-specific
// instruction streams, two source-mapping streams, a symbol blob, and the
// original source text (spec §4.2, §6).
//
// The instruction streams themselves are opaque []byte to this package —
// their element encoding belongs to stackvm and regvm respectively, kept
// independent of the shared tables per the Design Note "two VMs sharing
// tables": either VM can be omitted from a build without disturbing the
// other, because neither understands the other's Cmd encoding.
package bytecode

import "github.com/nullc-go/vm/vmtype"

// Image is the fully decoded, in-memory form of one bytecode container.
// Every cross-reference inside it (type, function, variable, module index)
// is a slice index into the corresponding table here — the only
// cross-reference currency, per the arena+index Design Note.
type Image struct {
	PointerWidth vmtype.PointerWidth

	Types     []vmtype.Type
	Members   []vmtype.Member
	Constants []vmtype.Constant
	Modules   []vmtype.Module
	Variables []vmtype.Variable
	Functions []vmtype.Function
	// Locals holds every function's local/parameter/upvalue Variable
	// entries concatenated; Function.FirstLocal + [0, LocalCount) indexes
	// into this slice.
	Locals       []vmtype.Variable
	ClosureLists []vmtype.ClosureList
	Typedefs     []vmtype.Typedef
	Namespaces   []vmtype.Namespace

	GlobalSegmentSize uint32

	// StackCode and RegCode are the two VMs' encoded instruction streams.
	StackCode []byte
	RegCode   []byte

	StackGlobalCodeStart uint32
	RegGlobalCodeStart   uint32

	StackSourceMap []vmtype.SourceMapEntry
	RegSourceMap   []vmtype.SourceMapEntry

	SymbolBlob []byte
	SourceBlob []byte
	LLVMBlob   []byte // nil when absent
}

// Symbol resolves a symbol-blob offset to its NUL-free name. Names in the
// blob are NUL-terminated; the name runs from offset up to the next NUL
// byte or the end of the blob.
func (img *Image) Symbol(offset uint32) string {
	if int(offset) >= len(img.SymbolBlob) {
		return ""
	}
	data := img.SymbolBlob[offset:]
	n := 0
	for n < len(data) && data[n] != 0 {
		n++
	}
	return string(data[:n])
}

// SourceSpanText returns the source text named by a SourceSpan, bounds-checked.
func (img *Image) SourceSpanText(span vmtype.SourceSpan) string {
	start := int(span.Offset)
	end := start + int(span.Length)
	if start < 0 || end > len(img.SourceBlob) || start > end {
		return ""
	}
	return string(img.SourceBlob[start:end])
}
