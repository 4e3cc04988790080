package vmtype

import "hash/fnv"

// StructuralHash computes a hash over everything that defines type identity
// for deduplication purposes: category, size, flags, pointer depth, and the
// already-remapped subtype/base-type indices. Two types with equal
// StructuralHash (and, as a tie-breaker, equal fields) are the same type
// after linking — this is the invariant the linker's type-merge step relies
// on (spec §4.3 step 2).
//
// Callers must pass subtype/base-type indices that have already been
// remapped into the merged image's numbering; hashing old per-module
// indices would let two structurally-identical-but-differently-numbered
// types collide or fail to collide incorrectly.
func (t *Type) StructuralHash(subtypeIndex, baseType uint32, memberHash uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte

	writeU32 := func(v uint32) {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		h.Write(buf[:4])
	}
	writeU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}

	h.Write([]byte{byte(t.Primitive), byte(t.Struct), byte(t.Flags), t.PointerDepth})
	writeU32(t.ByteSize)
	writeU32(t.ArrayOrMemberCount)
	writeU32(t.ConstantCount)
	writeU32(subtypeIndex)
	writeU32(baseType)
	writeU64(memberHash)

	return h.Sum64()
}

// MemberSliceHash hashes a contiguous slice of the shared member table
// (already remapped), used as the memberHash input to StructuralHash for
// class types.
func MemberSliceHash(members []Member) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, m := range members {
		buf[0] = byte(m.TypeIndex)
		buf[1] = byte(m.TypeIndex >> 8)
		buf[2] = byte(m.TypeIndex >> 16)
		buf[3] = byte(m.TypeIndex >> 24)
		buf[4] = byte(m.ByteOffset)
		buf[5] = byte(m.ByteOffset >> 8)
		buf[6] = byte(m.ByteOffset >> 16)
		buf[7] = byte(m.ByteOffset >> 24)
		h.Write(buf[:])
	}
	return h.Sum64()
}
