// Package entry implements the Entry/Node/KeyValue binary layout and the
// publication/TTL state machine of spec.md §4.2, §4.3 (SPEC_FULL.md §4).
//
// Every function here operates directly on a mmap'd []byte at a given
// byte offset, using internal/atomicmem for the fields that must be
// observed with acquire/release semantics by concurrent readers and
// writers in other processes. There is no Go struct copy of a live
// record: the mapped bytes are the only representation.
package entry

import "github.com/arloesch/shmcollect/internal/atomicmem"

// Publication states (spec.md §4.3).
const (
	StateEmpty   uint32 = 0
	StateWriting uint32 = 1
	StateValid   uint32 = 2
	StateDeleted uint32 = 3
	StateExpired uint32 = 4
)

// Entry field offsets, relative to the start of the 64-byte Entry record
// (spec.md §4.2).
const (
	Size = 64

	offState       = 0  // u32 atomic
	offDataSize    = 4  // u32
	offHash        = 8  // u32
	offTTLSeconds  = 12 // i32, -1 = infinite
	offCreatedAtNs = 16 // u64
	offExpiresAtNs = 24 // u64, 0 = never
	offVersion     = 32 // u64
	// 40..64 reserved/padding.
)

// State returns the entry's publication state with acquire ordering.
func State(buf []byte, off int64) uint32 { return atomicmem.LoadU32(buf, int(off)+offState) }

// TryBeginWrite attempts the EMPTY -> WRITING publication transition
// (spec.md §4.3 "Publication sequence").
func TryBeginWrite(buf []byte, off int64) bool {
	return atomicmem.CASU32(buf, int(off)+offState, StateEmpty, StateWriting)
}

// Publish transitions a fully-initialized entry to VALID with release
// ordering, making its payload observable to readers.
func Publish(buf []byte, off int64) {
	atomicmem.StoreU32(buf, int(off)+offState, StateValid)
}

// SetState performs a direct (non-CAS) state transition, e.g. VALID ->
// DELETED on removal or VALID -> EXPIRED as a cleanup hint (spec.md §4.3:
// "a transition to EXPIRED is a hint ... semantically equivalent to
// DELETED for observers").
func SetState(buf []byte, off int64, state uint32) {
	atomicmem.StoreU32(buf, int(off)+offState, state)
}

// DataSize returns the Node payload / value length in bytes.
func DataSize(buf []byte, off int64) uint32 { return atomicmem.LoadU32(buf, int(off)+offDataSize) }

// SetDataSize sets the payload/value length. Only valid before
// publication or under the writer's exclusive lock.
func SetDataSize(buf []byte, off int64, v uint32) { atomicmem.StoreU32(buf, int(off)+offDataSize, v) }

// Hash returns the precomputed FNV-1a-32 hash of the payload/key.
func Hash(buf []byte, off int64) uint32 { return atomicmem.LoadU32(buf, int(off)+offHash) }

// SetHash sets the precomputed hash field.
func SetHash(buf []byte, off int64, v uint32) { atomicmem.StoreU32(buf, int(off)+offHash, v) }

// TTLSeconds returns the configured TTL in seconds, or -1 if infinite.
func TTLSeconds(buf []byte, off int64) int32 {
	return int32(atomicmem.LoadU32(buf, int(off)+offTTLSeconds))
}

func setTTLSeconds(buf []byte, off int64, v int32) {
	atomicmem.StoreU32(buf, int(off)+offTTLSeconds, uint32(v))
}

// CreatedAtNs returns the entry's creation timestamp in nanoseconds.
func CreatedAtNs(buf []byte, off int64) uint64 {
	return atomicmem.LoadU64(buf, int(off)+offCreatedAtNs)
}

func setCreatedAtNs(buf []byte, off int64, v uint64) {
	atomicmem.StoreU64(buf, int(off)+offCreatedAtNs, v)
}

// ExpiresAtNs returns the entry's expiry timestamp, or 0 if it never expires.
func ExpiresAtNs(buf []byte, off int64) uint64 {
	return atomicmem.LoadU64(buf, int(off)+offExpiresAtNs)
}

func setExpiresAtNs(buf []byte, off int64, v uint64) {
	atomicmem.StoreU64(buf, int(off)+offExpiresAtNs, v)
}

// Version returns the optimistic-concurrency counter (spec.md §3.1: "currently advisory").
func Version(buf []byte, off int64) uint64 { return atomicmem.LoadU64(buf, int(off)+offVersion) }

// SetVersion sets the version counter.
func SetVersion(buf []byte, off int64, v uint64) { atomicmem.StoreU64(buf, int(off)+offVersion, v) }

// BumpVersion atomically increments the version counter and returns the new value.
func BumpVersion(buf []byte, off int64) uint64 { return atomicmem.AddU64(buf, int(off)+offVersion, 1) }
