package storage

import "encoding/binary"

// Key encoding
// ============================================================================
//
// Every record key is an ASCII family prefix followed by the id as 8 bytes
// big-endian: "vec:" + id, "meta:" + id. Big-endian ids make badger's
// lexicographic iteration order equal to ascending numeric id order, which is
// what gives Scan its stable, cursor-resumable sequence. This layout is
// persisted state and must remain stable across releases.

// Family selects one of the two logical entry families.
type Family string

const (
	// FamilyVector holds fixed-width binary vector records.
	FamilyVector Family = "vec"
	// FamilyMeta holds msgpack metadata documents.
	FamilyMeta Family = "meta"
)

func familyPrefix(f Family) []byte {
	return append([]byte(f), ':')
}

func encodeKey(f Family, id uint64) []byte {
	prefix := familyPrefix(f)
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	return append(key, idb[:]...)
}

// decodeKeyID extracts the id from a full key. The caller guarantees the key
// carries the expected family prefix (iterators enforce it).
func decodeKeyID(key []byte, f Family) uint64 {
	return binary.BigEndian.Uint64(key[len(f)+1:])
}
