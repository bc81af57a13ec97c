package colheader

import "github.com/arloesch/shmcollect/internal/atomicmem"

// DequeSize is the total size of the Deque header: common fields plus
// front_offset/back_offset (spec.md §3.1 "Deque header adds
// front_offset, back_offset"). Shared by the Queue and Stack surfaces,
// which operate over the same doubly-linked spine (spec.md §4.6): for
// the Stack, front_offset doubles as the lock-free top-of-stack.
const DequeSize = CommonSize + 16

const (
	offDequeFront = CommonSize     // i64, -1 = none; stack top for the LIFO surface
	offDequeBack  = CommonSize + 8 // i64, -1 = none
)

// InitDeque stamps a freshly allocated Deque header: common fields plus
// an empty (-1, -1) spine.
func InitDeque(buf []byte, off int64, nowNs int64) {
	InitCommon(buf, off, nowNs)
	atomicmem.StoreI64(buf, int(off)+offDequeFront, -1)
	atomicmem.StoreI64(buf, int(off)+offDequeBack, -1)
}

// FrontOffset returns the offset of the front node (queue head / stack
// top), or -1 if empty.
func FrontOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offDequeFront) }

// SetFrontOffset sets the front offset.
func SetFrontOffset(buf []byte, off int64, v int64) {
	atomicmem.StoreI64(buf, int(off)+offDequeFront, v)
}

// CASFrontOffset atomically compare-and-swaps the front offset. Used by
// the Stack's lock-free push/pop protocol (spec.md §4.6.2).
func CASFrontOffset(buf []byte, off int64, old, new int64) bool {
	return atomicmem.CASI64(buf, int(off)+offDequeFront, old, new)
}

// BackOffset returns the offset of the back node, or -1 if empty.
func BackOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offDequeBack) }

// SetBackOffset sets the back offset.
func SetBackOffset(buf []byte, off int64, v int64) {
	atomicmem.StoreI64(buf, int(off)+offDequeBack, v)
}
