package entry

import (
	"github.com/arloesch/shmcollect/internal/atomicmem"
)

// Node is Entry || next_offset:i64 || prev_offset:i64 || payload[data_size]
// (spec.md §4.2), used by the Sequence, Set, Queue and Stack engines.
const (
	NodeHeaderSize = Size + 16 // Entry(64) + next(8) + prev(8) = 80

	offNodeNext    = Size      // i64
	offNodePrev    = Size + 8  // i64
	offNodePayload = Size + 16 // payload starts here
)

// NodeSize returns the total 64-byte-aligned size of a Node record
// carrying dataSize payload bytes.
func NodeSize(dataSize uint32) uint32 { return Align64(NodeHeaderSize + dataSize) }

// Align64 rounds x up to the next multiple of 64 (spec.md §3.1, §4.2).
func Align64(x uint32) uint32 { return (x + 63) &^ 63 }

// NextOffset returns the node's next-link (-1 sentinel if none).
func NextOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offNodeNext) }

// SetNextOffset sets the node's next-link.
func SetNextOffset(buf []byte, off int64, v int64) { atomicmem.StoreI64(buf, int(off)+offNodeNext, v) }

// PrevOffset returns the node's prev-link (-1 sentinel if none).
func PrevOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offNodePrev) }

// SetPrevOffset sets the node's prev-link.
func SetPrevOffset(buf []byte, off int64, v int64) { atomicmem.StoreI64(buf, int(off)+offNodePrev, v) }

// Payload returns a slice view of the node's inline payload bytes. The
// slice aliases the mapping and is only valid for the duration of the
// caller's hold on the segment lock; callers handing data back across
// the API boundary must copy it (spec.md §9 "Ownership of nodes").
func Payload(buf []byte, off int64) []byte {
	n := DataSize(buf, off)
	start := int(off) + offNodePayload
	return buf[start : start+int(n)]
}

// WritePayload copies src into the node's inline payload region and sets
// data_size/hash accordingly. Must be called before Publish.
func WritePayload(buf []byte, off int64, src []byte) {
	SetDataSize(buf, off, uint32(len(src)))
	start := int(off) + offNodePayload
	copy(buf[start:start+len(src)], src)
	SetHash(buf, off, FNV1a32(src))
}
