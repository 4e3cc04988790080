// Package vmtype describes how language values occupy machine memory and
// holds the type table shared by the linker, both lowering passes, and both
// virtual machines. Types, members, constants, variables, and functions are
// arena-allocated: every cross-reference is a stable integer index into one
// of this package's tables, never a pointer, so the linker can remap
// references by rewriting a table in place (see Design Note "arena + index
// instead of pointer graphs").
package vmtype

// PrimitiveCategory tags a type's primitive storage class.
type PrimitiveCategory byte

const (
	PrimVoid PrimitiveCategory = iota
	PrimInt
	PrimFloat
	PrimLong
	PrimDouble
	PrimShort
	PrimChar
	PrimComplex
)

// StructCategory tags a type's structural shape.
type StructCategory byte

const (
	StructNone StructCategory = iota
	StructArray
	StructPointer
	StructFunction
	StructClass
)

// Flags are per-type boolean attributes, stored as a bitset.
type Flags uint8

const (
	FlagHasFinalizer Flags = 1 << iota
	FlagDependsOnGeneric
	FlagIsExtendable
	FlagInternal
)

// Has reports whether the flag set contains f.
func (fl Flags) Has(f Flags) bool { return fl&f != 0 }

// SourceSpan locates a type, function, or instruction's origin in the
// concatenated source blob of the image that defines it.
type SourceSpan struct {
	Offset uint32
	Length uint32
}

// Primitive byte widths, per spec §4.1.
const (
	SizeChar   = 1
	SizeShort  = 2
	SizeInt    = 4
	SizeFloat  = 4
	SizeLong   = 8
	SizeDouble = 8
)

// PointerWidth is either 4 or 8 bytes; the bytecode container header
// records which one an image was compiled for.
type PointerWidth byte

const (
	Pointer32 PointerWidth = 4
	Pointer64 PointerWidth = 8
)

// Type is one entry of the shared type table. Structurally equal types
// (same category, members, subtypes) are deduplicated to a single entry by
// the linker using a stable structural hash (see StructuralHash).
type Type struct {
	NameOffset      uint32
	NameHash        uint32
	NamespaceHash   uint32
	ByteSize        uint32
	AlignLog2       uint8
	Primitive       PrimitiveCategory
	Struct          StructCategory
	Flags           Flags
	PointerDepth    uint8
	// ArrayOrMemberCount is the array element count when Struct==StructArray,
	// or the member count when Struct==StructClass. Unused otherwise.
	ArrayOrMemberCount uint32
	ConstantCount      uint32
	// SubtypeIndex is valid for array/pointer/function types (the element,
	// pointee, or return type). MemberStart is valid for class types (the
	// starting offset into the shared Members table). The two are
	// mutually exclusive per Struct.
	SubtypeIndex uint32
	MemberStart  uint32
	BaseType     int32 // -1 if no base type
	ModuleIndex  uint32
	Source       SourceSpan
}

// NoBaseType is the sentinel BaseType value for a type with no inheritance parent.
const NoBaseType int32 = -1

// IsAssignableType reports whether a value of dynamic type dynType may be
// used where target is required: dynType itself, or any ancestor reached by
// walking BaseType, equals target (spec §4.5/§8 "convert_ptr succeeds iff
// v's dynamic type index equals T or is a derived class of T").
func IsAssignableType(types []Type, dynType, target uint32) bool {
	seen := make(map[uint32]bool)
	for {
		if dynType == target {
			return true
		}
		if seen[dynType] || dynType >= uint32(len(types)) {
			return false
		}
		seen[dynType] = true
		base := types[dynType].BaseType
		if base == NoBaseType {
			return false
		}
		dynType = uint32(base)
	}
}

// Align returns the type's natural alignment in bytes.
func (t *Type) Align() uint32 {
	return uint32(1) << t.AlignLog2
}

// Member is one entry of the flat type-member table; class types own a
// contiguous slice starting at Type.MemberStart.
type Member struct {
	TypeIndex  uint32
	ByteOffset uint32
}

// Constant is one entry of the flat compile-time class-constant table.
type Constant struct {
	TypeIndex uint32
	Value     uint64
}

// VarRole distinguishes the three kinds of local variable.
type VarRole byte

const (
	VarParameter VarRole = iota
	VarLocal
	VarUpvalue
)

// Variable describes a global or a function-local; ByteOffset is relative to
// the global segment for globals and to the owning function's local frame
// for locals.
type Variable struct {
	NameOffset    uint32
	NameHash      uint32
	TypeIndex     uint32
	ByteOffset    uint32
	Role          VarRole
	DefaultFuncID int32 // -1 if the parameter has no default
	Size          uint32
	CloseListID   int32 // -1 if not captured by a closure
	AlignLog2     uint8
	IsExplicit    bool
}

// ReturnTag is the stack-VM's coarse return-type discipline.
type ReturnTag byte

const (
	ReturnUnknown ReturnTag = iota
	ReturnVoid
	ReturnInt
	ReturnDouble
	ReturnLong
)

// FuncCategory tags how a function activates.
type FuncCategory byte

const (
	FuncNormal FuncCategory = iota
	FuncLocal
	FuncThiscall
	FuncCoroutine
)

// Function is one entry of the shared function table. Function indices are
// stable within a linked image and are the sole currency of call
// instructions and function-pointer values.
type Function struct {
	NameOffset uint32

	StackEntryOffset uint32
	StackCodeLength  uint32
	RegEntryOffset   uint32
	RegCodeLength    uint32

	IsExternal bool
	// NativePtr is non-nil when the function has a native implementation.
	// A function table entry may hold a bytecode body (non-zero entry
	// offsets), a native pointer, or both (see extension package).
	NativePtr NativeFunc

	ReturnTag  ReturnTag
	Category   FuncCategory

	IsGenericInstance bool
	IsOperator        bool
	ReturnShift       uint8

	TypeIndex   uint32
	FirstLocal  uint32
	ParamCount  uint16
	LocalCount  uint16
	UpvalueCount uint16

	ContextType  int32 // -1 if the function takes no captured context
	NamespaceHash uint32
	ModuleIndex  uint32
	Source       SourceSpan
}

// NativeFunc is the platform-ABI entry point for a host-registered function.
// It receives and returns raw 32-bit stack slots; wider values are the
// two-half encoding described in spec §4.1.
type NativeFunc func(args []uint32) ([]uint32, error)

// Module records one compiled/linked translation unit.
type Module struct {
	NameHash         uint32
	NameOffset       uint32
	FirstFunction    uint32
	FunctionCount    uint32
	GlobalBaseOffset uint32
	SourceOffset     uint32
	SourceLength     uint32
	Dependencies     []uint32 // indices into the merged image's module table
}

// SourceMapEntry maps one executed instruction back to a source span.
type SourceMapEntry struct {
	InstructionIndex uint32
	ModuleIndex      uint32
	SourceOffset     uint32
}

// FuncPointer is the runtime representation of a first-class function
// value: a stable function-table index plus an optional captured context.
type FuncPointer struct {
	FuncIndex uint32
	Context   uintptr // 0 (nil) when the function captures nothing
}

// GlobalAddr packs a cross-module global reference as the linker and both
// lowering passes encode it: the defining module in the high byte, the
// offset within that module's global segment in the low 24 bits.
type GlobalAddr uint32

// ModuleShift is the bit position of the module tag within a GlobalAddr.
const ModuleShift = 24

// ModuleMask isolates the offset bits of a GlobalAddr.
const ModuleMask = (1 << ModuleShift) - 1

// NewGlobalAddr packs a module index and an intra-module offset.
func NewGlobalAddr(moduleIndex, offset uint32) GlobalAddr {
	return GlobalAddr((moduleIndex << ModuleShift) | (offset & ModuleMask))
}

// Module returns the defining module index (0 denotes the current image).
func (a GlobalAddr) Module() uint32 { return uint32(a) >> ModuleShift }

// Offset returns the byte offset within the defining module's global segment.
func (a GlobalAddr) Offset() uint32 { return uint32(a) & ModuleMask }
