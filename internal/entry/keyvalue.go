package entry

import "github.com/arloesch/shmcollect/internal/atomicmem"

// KeyValue is Entry || next:i64 || prev:i64 || key_size:u32 ||
// value_size:u32 || key[key_size] || value[value_size] (spec.md §4.2),
// used by the Map engine.
const (
	KVHeaderSize = Size + 16 + 8 // Entry(64) + next(8) + prev(8) + key_size(4) + value_size(4) = 88

	offKVNext      = Size      // i64
	offKVPrev      = Size + 8  // i64
	offKVKeySize   = Size + 16 // u32
	offKVValueSize = Size + 20 // u32
	offKVData      = Size + 24 // key bytes followed by value bytes
)

// KVSize returns the total 64-byte-aligned size of a KeyValue record.
func KVSize(keySize, valueSize uint32) uint32 {
	return Align64(KVHeaderSize + keySize + valueSize)
}

// KVNextOffset returns the entry's next-link in its bucket chain.
func KVNextOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offKVNext) }

// KVSetNextOffset sets the entry's next-link in its bucket chain.
func KVSetNextOffset(buf []byte, off int64, v int64) {
	atomicmem.StoreI64(buf, int(off)+offKVNext, v)
}

// KVSetPrevOffset sets the entry's prev-link. Chain traversal walks
// forward only and tracks its own predecessor as it goes, so this field
// is write-only from the engine's perspective; it exists for layout
// symmetry with Node and for external tooling that walks the file
// directly in either direction.
func KVSetPrevOffset(buf []byte, off int64, v int64) {
	atomicmem.StoreI64(buf, int(off)+offKVPrev, v)
}

// KeySize returns the key length in bytes.
func KeySize(buf []byte, off int64) uint32 { return atomicmem.LoadU32(buf, int(off)+offKVKeySize) }

// ValueSize returns the value length in bytes.
func ValueSize(buf []byte, off int64) uint32 { return atomicmem.LoadU32(buf, int(off)+offKVValueSize) }

// Key returns a slice view of the key bytes. See [Payload] for the
// lifetime/copy contract.
func Key(buf []byte, off int64) []byte {
	n := KeySize(buf, off)
	start := int(off) + offKVData
	return buf[start : start+int(n)]
}

// Value returns a slice view of the value bytes. See [Payload] for the
// lifetime/copy contract.
func Value(buf []byte, off int64) []byte {
	ks := int(KeySize(buf, off))
	vs := int(ValueSize(buf, off))
	start := int(off) + offKVData + ks
	return buf[start : start+vs]
}

// WriteKeyValue copies key/value into the record and sets
// key_size/value_size/hash (FNV-1a-32 of the key, per spec.md §4.2:
// "the hash is ... the key for key-values"). Must be called before Publish.
func WriteKeyValue(buf []byte, off int64, key, value []byte) {
	atomicmem.StoreU32(buf, int(off)+offKVKeySize, uint32(len(key)))
	atomicmem.StoreU32(buf, int(off)+offKVValueSize, uint32(len(value)))
	start := int(off) + offKVData
	copy(buf[start:start+len(key)], key)
	copy(buf[start+len(key):start+len(key)+len(value)], value)
	SetHash(buf, off, FNV1a32(key))
}

// WriteValue overwrites only the value bytes in place, keeping the
// existing key. Used by the Map's same-size in-place update path
// (spec.md §4.5's "reference behavior is (b)"); callers must hold the
// bucket lock and bump the version before/after per that protocol.
func WriteValue(buf []byte, off int64, value []byte) {
	ks := int(KeySize(buf, off))
	start := int(off) + offKVData + ks
	copy(buf[start:start+len(value)], value)
	atomicmem.StoreU32(buf, int(off)+offKVValueSize, uint32(len(value)))
}
