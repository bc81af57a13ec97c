// Package bucket implements the Hash Engine's Bucket record (spec.md
// §3.1, §4.5): a fixed-size slot in the bucket array holding an atomic
// chain-head offset and a count, guarded by a per-bucket interprocess
// exclusive mutex scoped to exactly the bucket's own bytes.
//
// The array itself is allocated once at collection-creation time and
// never resized or rehashed (spec.md §4.5 "Load factor": "No automatic
// rehash"), shared identically by the Set and Map engines.
package bucket

import "github.com/arloesch/shmcollect/internal/atomicmem"

// Size is the byte width of one Bucket record.
const Size = 16

const (
	offHead  = 0 // i64, -1 = empty chain
	offCount = 8 // u64, best-effort
)

// Init zero-initializes the bucket at off: empty chain, zero count.
func Init(buf []byte, off int64) {
	atomicmem.StoreI64(buf, int(off)+offHead, -1)
	atomicmem.StoreU64(buf, int(off)+offCount, 0)
}

// HeadOffset returns the offset of the first node in the bucket's chain.
func HeadOffset(buf []byte, off int64) int64 { return atomicmem.LoadI64(buf, int(off)+offHead) }

// SetHeadOffset sets the bucket's chain head.
func SetHeadOffset(buf []byte, off int64, v int64) { atomicmem.StoreI64(buf, int(off)+offHead, v) }

// Count returns the bucket's best-effort entry count.
func Count(buf []byte, off int64) uint64 { return atomicmem.LoadU64(buf, int(off)+offCount) }

// AddCount atomically adjusts the bucket's count by delta (may be negative).
func AddCount(buf []byte, off int64, delta int64) {
	atomicmem.AddU64(buf, int(off)+offCount, uint64(delta))
}

// Offset returns the byte offset of bucket index i within the bucket
// array starting at arrayOff.
func Offset(arrayOff int64, i uint64) int64 { return arrayOff + int64(i)*Size }

// IndexForHash computes bucket_index = hash & (bucketCount - 1)
// (spec.md §4.5 "Bucket selection"; bucketCount is always a power of two).
func IndexForHash(hash uint32, bucketCount uint64) uint64 {
	return uint64(hash) & (bucketCount - 1)
}
