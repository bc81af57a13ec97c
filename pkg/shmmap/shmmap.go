// Package shmmap implements the Map half of the Hash Engine (spec.md
// §4.5): a persistent, process-shareable, TTL-aware key→value mapping
// backed by a single memory-mapped file, a fixed-size power-of-two
// bucket array, and per-bucket chains of KeyValue records.
//
// # Concurrency
//
// Writes to a bucket take that bucket's interprocess exclusive lock;
// reads walk the chain without any interprocess lock (holding only the
// segment's in-process read lock), copy the candidate value, then
// re-check the entry's version/state to detect a concurrent same-size
// in-place update and retry a bounded number of times (spec.md §4.5:
// "reference behavior is (b): bucket lock on write, acquire-load of
// state, copy payload, re-check version or state equality; retry up to
// a small bound").
package shmmap

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloesch/shmcollect/internal/bucket"
	"github.com/arloesch/shmcollect/internal/collerr"
	"github.com/arloesch/shmcollect/internal/colheader"
	"github.com/arloesch/shmcollect/internal/segment"
)

// Re-exported sentinel errors, per spec.md §7.
var (
	ErrNotFound        = collerr.ErrNotFound
	ErrAllocFailed     = collerr.ErrAllocFailed
	ErrFileError       = collerr.ErrFileError
	ErrFormat          = collerr.ErrFormat
	ErrInvalidArgument = collerr.ErrInvalidArgument
	ErrClosed          = collerr.ErrClosed
)

const (
	defaultInitialSizeBytes = 64 << 20
	defaultBucketCount      = 1 << 14

	// readMaxRetries bounds the optimistic read-side retry loop against a
	// concurrent same-size in-place value update (spec.md §4.5 "(b)").
	readMaxRetries = 8
)

const (
	headerName  = "header"
	bucketsName = "map_buckets"
)

// Options configures [Open].
type Options struct {
	// Path is the filesystem path of the backing file.
	Path string
	// InitialSizeBytes is the size to create the file at if new. Zero
	// selects the spec.md §6.2 default (64 MiB).
	InitialSizeBytes int64
	// CreateNew truncates/replaces any existing file at Path.
	CreateNew bool
	// BucketCount is the fixed number of hash buckets. Must be a power
	// of two. Zero selects the spec.md §6.2 default (2^14). Ignored when
	// reopening an existing file.
	BucketCount uint64
}

// Stats is the introspection snapshot returned by [Map.Stats].
type Stats struct {
	TotalSize    int64
	BucketCount  uint64
	ElementCount uint64
	CreatedAtNs  int64
	ModifiedAtNs int64
}

// Map is a persistent, process-shareable, TTL-aware key-value store.
type Map struct {
	seg         *segment.Segment
	headerOff   int64
	bucketsOff  int64
	bucketCount uint64
}

func isPowerOfTwo(n uint64) bool { return n != 0 && n&(n-1) == 0 }

// Open opens or creates the Map file at opts.Path.
func Open(opts Options) (*Map, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("shmmap: open: %w: empty path", ErrInvalidArgument)
	}
	bucketCount := opts.BucketCount
	if bucketCount == 0 {
		bucketCount = defaultBucketCount
	}
	if !isPowerOfTwo(bucketCount) {
		return nil, fmt.Errorf("shmmap: open: %w: bucket_count must be a power of two", ErrInvalidArgument)
	}
	size := opts.InitialSizeBytes
	if size == 0 {
		size = defaultInitialSizeBytes
	}

	seg, err := segment.Open(segment.Options{
		Path:        opts.Path,
		InitialSize: size,
		CreateNew:   opts.CreateNew,
	})
	if err != nil {
		return nil, mapSegmentErr(err)
	}

	m := &Map{seg: seg}

	seg.Lock()
	defer seg.Unlock()

	now := nowNs()
	headerOff, err := seg.FindOrConstruct(headerName, colheader.HashSize, func(buf []byte, off int64) {
		colheader.InitHash(buf, off, now, bucketCount, 75)
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmmap: open: %w", ErrAllocFailed)
	}
	if err := colheader.ValidateCommon(seg.Bytes(), headerOff); err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmmap: open: %w", ErrFormat)
	}
	m.headerOff = headerOff
	m.bucketCount = colheader.BucketCount(seg.Bytes(), headerOff)

	bucketsOff, err := seg.FindOrConstruct(bucketsName, uint32(m.bucketCount*bucket.Size), func(buf []byte, off int64) {
		for i := uint64(0); i < m.bucketCount; i++ {
			bucket.Init(buf, bucket.Offset(off, i))
		}
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmmap: open: %w", ErrAllocFailed)
	}
	m.bucketsOff = bucketsOff

	return m, nil
}

// Close flushes and releases the backing file.
func (m *Map) Close() error {
	flushErr := m.seg.Flush()
	if err := m.seg.Close(); err != nil {
		return fmt.Errorf("shmmap: close: %w", ErrFileError)
	}
	if flushErr != nil && !errors.Is(flushErr, segment.ErrClosed) {
		return fmt.Errorf("shmmap: close: %w", ErrFileError)
	}
	return nil
}

// Filename returns the path the map was opened with.
func (m *Map) Filename() string { return m.seg.Path() }

func nowNs() int64 { return time.Now().UnixNano() }

func mapSegmentErr(err error) error {
	switch {
	case errors.Is(err, segment.ErrFormat):
		return fmt.Errorf("shmmap: %w", ErrFormat)
	case errors.Is(err, segment.ErrAlloc):
		return fmt.Errorf("shmmap: %w", ErrAllocFailed)
	default:
		return fmt.Errorf("shmmap: %w", ErrFileError)
	}
}

func (m *Map) bucketOffset(idx uint64) int64 { return bucket.Offset(m.bucketsOff, idx) }
