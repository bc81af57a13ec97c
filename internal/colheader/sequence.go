package colheader

import "github.com/arloesch/shmcollect/internal/atomicmem"

// SequenceSize is the total size of the Sequence header: the common
// fields plus head_offset/tail_offset (spec.md §3.1 "Sequence header
// adds head_offset, tail_offset").
const SequenceSize = CommonSize + 16

const (
	offSeqHead = CommonSize     // i64, -1 = none
	offSeqTail = CommonSize + 8 // i64, -1 = none
)

// InitSequence stamps a freshly allocated Sequence header: common
// fields plus an empty (-1, -1) spine.
func InitSequence(buf []byte, off int64, nowNs int64) {
	InitCommon(buf, off, nowNs)
	atomicmem.StoreI64(buf, int(off)+offSeqHead, -1)
	atomicmem.StoreI64(buf, int(off)+offSeqTail, -1)
}

// HeadOffset returns the offset of the first node, or -1 if empty.
func HeadOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offSeqHead) }

// SetHeadOffset sets the head offset.
func SetHeadOffset(buf []byte, off int64, v int64) { atomicmem.StoreI64(buf, int(off)+offSeqHead, v) }

// TailOffset returns the offset of the last node, or -1 if empty.
func TailOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offSeqTail) }

// SetTailOffset sets the tail offset.
func SetTailOffset(buf []byte, off int64, v int64) { atomicmem.StoreI64(buf, int(off)+offSeqTail, v) }
