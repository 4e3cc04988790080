package linker

import (
	"go.uber.org/multierr"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/vmtype"
)

// mergeState accumulates the merged image across the ordered per-table
// passes of spec §4.3. One mergeState is used for exactly one Merge call.
//
// Scope note: variable/global addressing assumes one vmtype.Module per
// source image (the common case: an image is one compiled translation
// unit). A dependency image that is itself the output of a previous link
// (and so already carries several Modules) merges its type/function tables
// correctly, but mergeVariables re-tags every one of its globals with that
// image's single new module index, so its earlier per-module
// module_index<<24 tags are not preserved.
type mergeState struct {
	img *bytecode.Image

	types *typeTable

	funcRemap      map[int][]uint32
	namespaceRemap map[int][]uint32
	typedefRemap   map[int][]uint32 // unused beyond NameOffset/TypeIndex rewrite, kept for symmetry
	closureRemap   map[int][]uint32
	moduleIndex    map[int]uint32

	symbolShift map[int]uint32
	sourceShift map[int]uint32
	stackShift  map[int]uint32
	regShift    map[int]uint32
	globalBase  map[int]uint32

	typeRemap map[int][]uint32
}

func newMergeState(pw vmtype.PointerWidth) *mergeState {
	return &mergeState{
		img:            &bytecode.Image{PointerWidth: pw},
		types:          newTypeTable(),
		funcRemap:      make(map[int][]uint32),
		namespaceRemap: make(map[int][]uint32),
		typedefRemap:   make(map[int][]uint32),
		closureRemap:   make(map[int][]uint32),
		moduleIndex:    make(map[int]uint32),
		symbolShift:    make(map[int]uint32),
		sourceShift:    make(map[int]uint32),
		stackShift:     make(map[int]uint32),
		regShift:       make(map[int]uint32),
		globalBase:     make(map[int]uint32),
		typeRemap:      make(map[int][]uint32),
	}
}

// prepareShifts precomputes, for every image in topological order, the
// byte offset its symbol blob / source blob / instruction streams will
// start at once concatenated, and assigns each image's merged module
// index (its position in the final Modules table).
func (m *mergeState) prepareShifts(images []*bytecode.Image, order []int) {
	var symOff, srcOff, stackOff, regOff, globalOff uint32
	for pos, idx := range order {
		m.moduleIndex[idx] = uint32(pos)
		m.symbolShift[idx] = symOff
		m.sourceShift[idx] = srcOff
		m.stackShift[idx] = stackOff
		m.regShift[idx] = regOff
		m.globalBase[idx] = globalOff

		img := images[idx]
		symOff += uint32(len(img.SymbolBlob))
		srcOff += uint32(len(img.SourceBlob))
		stackOff += uint32(len(img.StackCode))
		regOff += uint32(len(img.RegCode))
		globalOff += img.GlobalSegmentSize
	}
}

func (m *mergeState) mergeTypes(img *bytecode.Image, idx int) {
	remap := m.types.merge(img.Types, img.Members)
	m.typeRemap[idx] = remap
}

func (m *mergeState) remapType(idx int, old uint32) uint32 { return m.typeRemap[idx][old] }

func (m *mergeState) mergeNamespacesAndTypedefs(img *bytecode.Image, idx int) {
	shift := m.symbolShift[idx]
	nsBase := uint32(len(m.img.Namespaces))
	remap := make([]uint32, len(img.Namespaces))
	for i, ns := range img.Namespaces {
		out := vmtype.Namespace{NameOffset: ns.NameOffset + shift, NameHash: ns.NameHash}
		if ns.Parent >= 0 {
			out.Parent = int32(nsBase) + ns.Parent
		} else {
			out.Parent = -1
		}
		remap[i] = uint32(len(m.img.Namespaces))
		m.img.Namespaces = append(m.img.Namespaces, out)
	}
	m.namespaceRemap[idx] = remap

	for _, td := range img.Typedefs {
		m.img.Typedefs = append(m.img.Typedefs, vmtype.Typedef{
			NameOffset: td.NameOffset + shift,
			TypeIndex:  m.remapType(idx, td.TypeIndex),
		})
	}
}

func (m *mergeState) mergeFunctions(img *bytecode.Image, idx int) {
	symShift := m.symbolShift[idx]
	srcShift := m.sourceShift[idx]
	stackShift := m.stackShift[idx]
	regShift := m.regShift[idx]
	modIdx := m.moduleIndex[idx]

	funcBase := uint32(len(m.img.Functions))
	fremap := make([]uint32, len(img.Functions))
	for i := range img.Functions {
		fremap[i] = funcBase + uint32(i)
	}
	m.funcRemap[idx] = fremap

	closureBase := uint32(len(m.img.ClosureLists))
	cremap := make([]uint32, len(img.ClosureLists))
	for i, cl := range img.ClosureLists {
		varIdx := make([]uint32, len(cl.VarIndices))
		copy(varIdx, cl.VarIndices) // local-frame-relative; no remap needed
		cremap[i] = closureBase + uint32(i)
		m.img.ClosureLists = append(m.img.ClosureLists, vmtype.ClosureList{VarIndices: varIdx})
	}
	m.closureRemap[idx] = cremap

	localBase := uint32(len(m.img.Locals))
	for _, f := range img.Functions {
		newFirstLocal := localBase + f.FirstLocal
		for j := uint32(0); j < f.LocalCount; j++ {
			l := img.Locals[f.FirstLocal+j]
			out := l
			out.NameOffset += symShift
			out.TypeIndex = m.remapType(idx, l.TypeIndex)
			if l.DefaultFuncID >= 0 {
				out.DefaultFuncID = int32(fremap[l.DefaultFuncID])
			}
			if l.CloseListID >= 0 {
				out.CloseListID = int32(cremap[l.CloseListID])
			}
			m.img.Locals = append(m.img.Locals, out)
		}

		out := f
		out.NameOffset += symShift
		out.TypeIndex = m.remapType(idx, f.TypeIndex)
		out.FirstLocal = newFirstLocal
		out.StackEntryOffset += stackShift
		out.RegEntryOffset += regShift
		out.NamespaceHash = f.NamespaceHash
		out.ModuleIndex = modIdx
		out.Source = vmtype.SourceSpan{Offset: f.Source.Offset + srcShift, Length: f.Source.Length}
		m.img.Functions = append(m.img.Functions, out)
	}
}

func (m *mergeState) mergeVariables(img *bytecode.Image, idx int) {
	symShift := m.symbolShift[idx]
	modIdx := m.moduleIndex[idx]
	for _, v := range img.Variables {
		out := v
		out.NameOffset += symShift
		out.TypeIndex = m.remapType(idx, v.TypeIndex)
		out.ByteOffset = uint32(vmtype.NewGlobalAddr(modIdx, v.ByteOffset))
		m.img.Variables = append(m.img.Variables, out)
	}
	m.img.GlobalSegmentSize += img.GlobalSegmentSize
}

func (m *mergeState) mergeCode(img *bytecode.Image, idx int, rw Rewriters) error {
	remap := OperandRemap{
		Types:       m.typeRemap[idx],
		Functions:   m.funcRemap[idx],
		ModuleIndex: m.moduleIndex[idx],
		GlobalBase:  m.moduleIndex[idx] << vmtype.ModuleShift,
	}

	stackCode := img.StackCode
	if rw.Stack != nil {
		rewritten, err := rw.Stack(stackCode, remap)
		if err != nil {
			return err
		}
		stackCode = rewritten
	}
	m.img.StackCode = append(m.img.StackCode, stackCode...)

	regCode := img.RegCode
	if rw.Reg != nil {
		rewritten, err := rw.Reg(regCode, remap)
		if err != nil {
			return err
		}
		regCode = rewritten
	}
	m.img.RegCode = append(m.img.RegCode, regCode...)

	stackShift := m.stackShift[idx]
	regShift := m.regShift[idx]
	for _, e := range img.StackSourceMap {
		m.img.StackSourceMap = append(m.img.StackSourceMap, vmtype.SourceMapEntry{
			InstructionIndex: e.InstructionIndex + stackShift,
			ModuleIndex:      m.moduleIndex[idx],
			SourceOffset:     e.SourceOffset + m.sourceShift[idx],
		})
	}
	for _, e := range img.RegSourceMap {
		m.img.RegSourceMap = append(m.img.RegSourceMap, vmtype.SourceMapEntry{
			InstructionIndex: e.InstructionIndex + regShift,
			ModuleIndex:      m.moduleIndex[idx],
			SourceOffset:     e.SourceOffset + m.sourceShift[idx],
		})
	}
	return nil
}

func (m *mergeState) mergeModule(img *bytecode.Image, idx int) {
	symShift := m.symbolShift[idx]
	srcShift := m.sourceShift[idx]

	funcBase := uint32(0)
	if r := m.funcRemap[idx]; len(r) > 0 {
		funcBase = r[0]
	}

	for _, mod := range img.Modules {
		deps := make([]uint32, len(mod.Dependencies))
		for i, d := range mod.Dependencies {
			deps[i] = m.moduleIndex[int(d)]
		}
		m.img.Modules = append(m.img.Modules, vmtype.Module{
			NameHash:         mod.NameHash,
			NameOffset:       mod.NameOffset + symShift,
			FirstFunction:    funcBase + mod.FirstFunction,
			FunctionCount:    mod.FunctionCount,
			GlobalBaseOffset: m.globalBase[idx],
			SourceOffset:     mod.SourceOffset + srcShift,
			SourceLength:     mod.SourceLength,
			Dependencies:     deps,
		})
	}
}

// checkSymbols validates the fully merged function table against spec
// §4.3's two link-time symbol checks: no two non-external functions in the
// same namespace share a name, and every external (imported) function
// stub has a concrete definition to resolve against — either a native
// pointer or a bytecode body on at least one of the two VMs. Both checks
// run over the whole table and aggregate every violation via multierr,
// matching bytecode.Validate's "collect every violation" discipline
// rather than stopping at the first.
func (m *mergeState) checkSymbols() error {
	var errs error
	type symbolKey struct {
		namespace uint32
		name      string
	}
	seen := make(map[symbolKey]bool)
	for _, f := range m.img.Functions {
		if f.IsExternal {
			if f.NativePtr == nil && f.StackCodeLength == 0 && f.RegCodeLength == 0 {
				errs = multierr.Append(errs, unresolvedImportError(m.moduleName(f.ModuleIndex), m.img.Symbol(f.NameOffset)))
			}
			continue
		}
		key := symbolKey{f.NamespaceHash, m.img.Symbol(f.NameOffset)}
		if seen[key] {
			errs = multierr.Append(errs, duplicateSymbolError(m.img.Symbol(f.NameOffset)))
			continue
		}
		seen[key] = true
	}
	return errs
}

func (m *mergeState) moduleName(modIdx uint32) string {
	if int(modIdx) >= len(m.img.Modules) {
		return "<unknown module>"
	}
	return m.img.Symbol(m.img.Modules[modIdx].NameOffset)
}

func (m *mergeState) mergeBlobs(img *bytecode.Image) {
	m.img.SymbolBlob = append(m.img.SymbolBlob, img.SymbolBlob...)
	m.img.SourceBlob = append(m.img.SourceBlob, img.SourceBlob...)
	m.img.LLVMBlob = append(m.img.LLVMBlob, img.LLVMBlob...)
}
