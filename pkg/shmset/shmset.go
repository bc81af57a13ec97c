// Package shmset implements the Set half of the Hash Engine (spec.md
// §4.5): a persistent, process-shareable, TTL-aware unique-element set
// backed by a single memory-mapped file, a fixed-size power-of-two
// bucket array, and per-bucket chains of Node records.
//
// # Concurrency
//
// Writes to a bucket take that bucket's own interprocess exclusive lock
// (a POSIX byte-range record lock scoped to the bucket's 16 bytes in the
// file); reads walk bucket chains without any interprocess lock, holding
// only the segment's in-process read lock, and make a single pass with no
// retry (spec.md §4.5 "Concurrency").
// A thread holds at most one bucket lock at a time (spec.md §5
// "Locking order").
package shmset

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
	defaultBucketCount      = 1 << 14 // spec.md §6.2 default
)

const (
	headerName  = "header"
	bucketsName = "set_buckets"
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
	// reopening an existing file (the stored value governs).
	BucketCount uint64
}

// Stats is the introspection snapshot returned by [Set.Stats].
type Stats struct {
	TotalSize    int64
	BucketCount  uint64
	ElementCount uint64
	CreatedAtNs  int64
	ModifiedAtNs int64
}

// Set is a persistent, process-shareable, TTL-aware set of unique byte
// payloads.
type Set struct {
	seg         *segment.Segment
	headerOff   int64
	bucketsOff  int64
	bucketCount uint64
}

func isPowerOfTwo(n uint64) bool { return n != 0 && n&(n-1) == 0 }

// Open opens or creates the Set file at opts.Path.
func Open(opts Options) (*Set, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("shmset: open: %w: empty path", ErrInvalidArgument)
	}
	bucketCount := opts.BucketCount
	if bucketCount == 0 {
		bucketCount = defaultBucketCount
	}
	if !isPowerOfTwo(bucketCount) {
		return nil, fmt.Errorf("shmset: open: %w: bucket_count must be a power of two", ErrInvalidArgument)
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

	s := &Set{seg: seg}

	seg.Lock()
	defer seg.Unlock()

	now := nowNs()
	headerOff, err := seg.FindOrConstruct(headerName, colheader.HashSize, func(buf []byte, off int64) {
		colheader.InitHash(buf, off, now, bucketCount, 75)
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmset: open: %w", ErrAllocFailed)
	}
	if err := colheader.ValidateCommon(seg.Bytes(), headerOff); err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmset: open: %w", ErrFormat)
	}
	s.headerOff = headerOff
	s.bucketCount = colheader.BucketCount(seg.Bytes(), headerOff)

	bucketsOff, err := seg.FindOrConstruct(bucketsName, uint32(s.bucketCount*bucket.Size), func(buf []byte, off int64) {
		for i := uint64(0); i < s.bucketCount; i++ {
			bucket.Init(buf, bucket.Offset(off, i))
		}
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmset: open: %w", ErrAllocFailed)
	}
	s.bucketsOff = bucketsOff

	return s, nil
}

// Close flushes and releases the backing file.
func (s *Set) Close() error {
	flushErr := s.seg.Flush()
	if err := s.seg.Close(); err != nil {
		return fmt.Errorf("shmset: close: %w", ErrFileError)
	}
	if flushErr != nil && !errors.Is(flushErr, segment.ErrClosed) {
		return fmt.Errorf("shmset: close: %w", ErrFileError)
	}
	return nil
}

// Filename returns the path the set was opened with.
func (s *Set) Filename() string { return s.seg.Path() }

func nowNs() int64 { return time.Now().UnixNano() }

func mapSegmentErr(err error) error {
	switch {
	case errors.Is(err, segment.ErrFormat):
		return fmt.Errorf("shmset: %w", ErrFormat)
	case errors.Is(err, segment.ErrAlloc):
		return fmt.Errorf("shmset: %w", ErrAllocFailed)
	default:
		return fmt.Errorf("shmset: %w", ErrFileError)
	}
}

func (s *Set) bucketOffset(idx uint64) int64 { return bucket.Offset(s.bucketsOff, idx) }
