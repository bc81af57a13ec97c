// Package colheader implements the common Collection Header record
// described in spec.md §3.1 and §6.1: a fixed record stamped with the
// engine's magic/version, creation/modification timestamps, and
// atomic element-count/capacity counters, extended by each collection
// engine with its own variant fields (head/tail offsets for Sequence,
// bucket_count/load-factor for Hash, front/back offsets for Deque).
//
// The header's reader-writer mutex is not a byte-range inside this
// record: it is the whole-file flock wrapped by internal/ipclock.Header,
// constructed once per open Segment.
package colheader

import (
	"github.com/arloesch/shmcollect/internal/atomicmem"
)

// Magic is stamped into every collection header, per spec.md §6.1.
const Magic uint32 = 0xFAC01EC0

// Version is the current collection-header format version.
const Version uint32 = 1

// CommonSize is the size in bytes of the fields every collection header
// shares, before variant-specific fields are appended.
const CommonSize = 64

const (
	offMagic         = 0  // u32
	offVersion       = 4  // u32
	offCreatedAtNs   = 8  // u64
	offModifiedAtNs  = 16 // u64
	offElementCount  = 24 // u64, atomic, best-effort (spec.md §3.2)
	offCapacity      = 32 // u64, atomic
	// 40..64 reserved/padding
)

// InitCommon stamps the magic/version/timestamps/counters of a freshly
// constructed header. Callers append their variant fields starting at
// CommonSize and are responsible for those.
func InitCommon(buf []byte, off int64, nowNs int64) {
	atomicmem.StoreU32(buf, int(off)+offMagic, Magic)
	atomicmem.StoreU32(buf, int(off)+offVersion, Version)
	atomicmem.StoreU64(buf, int(off)+offCreatedAtNs, uint64(nowNs))
	atomicmem.StoreU64(buf, int(off)+offModifiedAtNs, uint64(nowNs))
	atomicmem.StoreU64(buf, int(off)+offElementCount, 0)
	atomicmem.StoreU64(buf, int(off)+offCapacity, 0)
}

// ValidateCommon checks the magic and version of an existing header.
func ValidateCommon(buf []byte, off int64) error {
	magic := atomicmem.LoadU32(buf, int(off)+offMagic)
	if magic != Magic {
		return ErrFormat
	}
	version := atomicmem.LoadU32(buf, int(off)+offVersion)
	if version != Version {
		return ErrVersion
	}
	return nil
}

// CreatedAtNs returns the header's creation timestamp.
func CreatedAtNs(buf []byte, off int64) int64 {
	return int64(atomicmem.LoadU64(buf, int(off)+offCreatedAtNs))
}

// ModifiedAtNs returns the header's last-modification timestamp.
func ModifiedAtNs(buf []byte, off int64) int64 {
	return int64(atomicmem.LoadU64(buf, int(off)+offModifiedAtNs))
}

// TouchModifiedAtNs stamps the last-modification timestamp to nowNs.
func TouchModifiedAtNs(buf []byte, off int64, nowNs int64) {
	atomicmem.StoreU64(buf, int(off)+offModifiedAtNs, uint64(nowNs))
}

// ElementCount returns the best-effort, non-live-accurate element
// counter (spec.md §3.2: "does not exclude expired entries").
func ElementCount(buf []byte, off int64) uint64 {
	return atomicmem.LoadU64(buf, int(off)+offElementCount)
}

// AddElementCount atomically adds delta (which may be negative) to the
// element counter; a negative delta is applied as its two's-complement
// uint64 bit pattern, which wraps the addition into a subtraction.
func AddElementCount(buf []byte, off int64, delta int64) {
	atomicmem.AddU64(buf, int(off)+offElementCount, uint64(delta))
}

// Capacity returns the capacity counter (engine-defined meaning).
func Capacity(buf []byte, off int64) uint64 {
	return atomicmem.LoadU64(buf, int(off)+offCapacity)
}

// SetCapacity sets the capacity counter.
func SetCapacity(buf []byte, off int64, v uint64) {
	atomicmem.StoreU64(buf, int(off)+offCapacity, v)
}
