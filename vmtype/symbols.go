package vmtype

// Typedef aliases a symbol-blob name to a type-table entry. The linker
// remaps TypeIndex and merges typedefs from every module (spec §4.3 step 3).
type Typedef struct {
	NameOffset uint32
	TypeIndex  uint32
}

// Namespace is one node of the namespace tree symbols are declared under.
// Parent is -1 for a root namespace.
type Namespace struct {
	NameOffset uint32
	NameHash   uint32
	Parent     int32
}

// ClosureList names the set of captured variable indices for one closure,
// referenced by Variable.CloseListID. Built by the (external) closure
// analysis and consumed only by the lowering passes, which must translate
// each captured variable index the same way on both VMs.
type ClosureList struct {
	VarIndices []uint32
}
