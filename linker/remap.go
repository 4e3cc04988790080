package linker

import "github.com/nullc-go/vm/vmtype"

// typeTable accumulates the merged image's type and member tables while
// deduplicating structurally-equal types by hash (spec §4.3 step 2).
type typeTable struct {
	types      []vmtype.Type
	members    []vmtype.Member
	byHash     map[uint64][]uint32 // hash -> candidate merged indices (collision chain)
}

func newTypeTable() *typeTable {
	return &typeTable{byHash: make(map[uint64][]uint32)}
}

// merge appends one source image's type table to the merged table, returning
// the old-index -> new-index remap for that image. Types are processed in
// table order; a type's SubtypeIndex/BaseType/MemberStart are assumed to
// reference only already-processed (lower-indexed) entries of the same
// image, which holds for every image a conforming front end emits.
func (tt *typeTable) merge(src []vmtype.Type, srcMembers []vmtype.Member) []uint32 {
	remap := make([]uint32, len(src))

	for i := range src {
		t := src[i]

		var subtype, base uint32
		if t.BaseType >= 0 {
			base = remap[t.BaseType]
		}
		var memberHash uint64
		var newMemberStart uint32

		switch t.Struct {
		case vmtype.StructArray, vmtype.StructPointer, vmtype.StructFunction:
			subtype = remap[t.SubtypeIndex]
		case vmtype.StructClass:
			start, count := t.MemberStart, t.ArrayOrMemberCount
			remapped := make([]vmtype.Member, count)
			for j := uint32(0); j < count; j++ {
				m := srcMembers[start+j]
				remapped[j] = vmtype.Member{TypeIndex: remap[m.TypeIndex], ByteOffset: m.ByteOffset}
			}
			memberHash = vmtype.MemberSliceHash(remapped)
			newMemberStart = uint32(len(tt.members))
			tt.members = append(tt.members, remapped...)
		}

		h := t.StructuralHash(subtype, base, memberHash)

		var found uint32
		ok := false
		for _, candidate := range tt.byHash[h] {
			existing := tt.types[candidate]
			if structurallyEqual(&existing, &t, subtype, base, newMemberStart, tt) {
				found, ok = candidate, true
				break
			}
		}

		if ok {
			remap[i] = found
			// Discard the member-table entries we speculatively appended for
			// a type that turned out to be a duplicate.
			if t.Struct == vmtype.StructClass {
				tt.members = tt.members[:newMemberStart]
			}
			continue
		}

		newIdx := uint32(len(tt.types))
		merged := t
		merged.SubtypeIndex = subtype
		merged.MemberStart = newMemberStart
		if t.BaseType >= 0 {
			merged.BaseType = int32(base)
		}
		tt.types = append(tt.types, merged)
		tt.byHash[h] = append(tt.byHash[h], newIdx)
		remap[i] = newIdx
	}

	return remap
}

// structurallyEqual tie-breaks a structural-hash collision by comparing the
// fields the hash is built from, field by field.
func structurallyEqual(a, b *vmtype.Type, bSubtype, bBase, bMemberStart uint32, tt *typeTable) bool {
	if a.Primitive != b.Primitive || a.Struct != b.Struct || a.Flags != b.Flags ||
		a.PointerDepth != b.PointerDepth || a.ByteSize != b.ByteSize ||
		a.ArrayOrMemberCount != b.ArrayOrMemberCount || a.ConstantCount != b.ConstantCount {
		return false
	}
	switch b.Struct {
	case vmtype.StructArray, vmtype.StructPointer, vmtype.StructFunction:
		if a.SubtypeIndex != bSubtype {
			return false
		}
	case vmtype.StructClass:
		if a.ArrayOrMemberCount != b.ArrayOrMemberCount {
			return false
		}
		for j := uint32(0); j < b.ArrayOrMemberCount; j++ {
			am := tt.members[a.MemberStart+j]
			bm := tt.members[bMemberStart+j]
			if am != bm {
				return false
			}
		}
	}
	hasBaseA := a.BaseType >= 0
	hasBaseB := b.BaseType >= 0
	if hasBaseA != hasBaseB {
		return false
	}
	if hasBaseA && uint32(a.BaseType) != bBase {
		return false
	}
	return true
}
