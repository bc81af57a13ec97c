package colheader

import "github.com/arloesch/shmcollect/internal/atomicmem"

// HashSize is the total size of the Hash (Set/Map) header: common
// fields plus bucket_count, load-factor threshold (stored as a
// percent-point integer, e.g. 75 for 0.75) and total_bytes (spec.md
// §3.1 "Hash header adds bucket_count, load-factor threshold, total
// bytes").
const HashSize = CommonSize + 24

const (
	offHashBucketCount   = CommonSize      // u64, power of two
	offHashLoadFactorPct = CommonSize + 8  // u64, e.g. 75 = 0.75
	offHashTotalBytes    = CommonSize + 16 // u64
)

// InitHash stamps a freshly allocated Hash header. The common capacity
// counter is set to bucketCount, since a Hash collection's capacity (in
// the common header's engine-defined sense) is its fixed bucket array
// size: unlike element_count it never changes after creation, matching
// spec.md §4.5 "Load factor": "No automatic rehash."
func InitHash(buf []byte, off int64, nowNs int64, bucketCount uint64, loadFactorPct uint64) {
	InitCommon(buf, off, nowNs)
	SetCapacity(buf, off, bucketCount)
	atomicmem.StoreU64(buf, int(off)+offHashBucketCount, bucketCount)
	atomicmem.StoreU64(buf, int(off)+offHashLoadFactorPct, loadFactorPct)
	atomicmem.StoreU64(buf, int(off)+offHashTotalBytes, 0)
}

// BucketCount returns the fixed bucket count (never changes after
// creation, spec.md §4.5 "Load factor": "No automatic rehash").
func BucketCount(buf []byte, off int64) uint64 {
	return atomicmem.LoadU64(buf, int(off)+offHashBucketCount)
}

// LoadFactorPct returns the configured load-factor threshold as an
// integer percentage, recorded for diagnostics only (spec.md §4.5:
// "Implementations may record a high-load statistic").
func LoadFactorPct(buf []byte, off int64) uint64 {
	return atomicmem.LoadU64(buf, int(off)+offHashLoadFactorPct)
}

// TotalBytes returns the total-bytes diagnostic counter. It changes only
// through [AddTotalBytes]; neither the Set nor the Map engine calls that,
// so on their files the counter stays at its initial zero.
func TotalBytes(buf []byte, off int64) uint64 {
	return atomicmem.LoadU64(buf, int(off)+offHashTotalBytes)
}

// AddTotalBytes atomically adjusts the total-bytes diagnostic counter.
func AddTotalBytes(buf []byte, off int64, delta int64) {
	atomicmem.AddU64(buf, int(off)+offHashTotalBytes, uint64(delta))
}
