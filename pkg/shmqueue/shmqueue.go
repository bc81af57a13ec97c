// Package shmqueue implements the Queue half of the Deque Engine
// (spec.md §4.6.1): a persistent, process-shareable, TTL-aware FIFO
// backed by a single memory-mapped file and a doubly-linked Node spine.
//
// # Concurrency
//
// Every operation takes the collection's interprocess header lock for
// its entire duration (spec.md §4.6.1 "O(1) under header exclusive
// lock"); there is no lock-free read path on this engine. The Stack
// half of the Deque Engine, [github.com/arloesch/shmcollect/pkg/shmstack],
// shares this header format but uses a lock-free CAS protocol instead.
package shmqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloesch/shmcollect/internal/collerr"
	"github.com/arloesch/shmcollect/internal/colheader"
	"github.com/arloesch/shmcollect/internal/entry"
	"github.com/arloesch/shmcollect/internal/segment"
)

// Re-exported sentinel errors, per spec.md §7.
var (
	ErrNotFound        = collerr.ErrNotFound
	ErrEmpty           = collerr.ErrEmpty
	ErrAllocFailed     = collerr.ErrAllocFailed
	ErrFileError       = collerr.ErrFileError
	ErrFormat          = collerr.ErrFormat
	ErrInvalidArgument = collerr.ErrInvalidArgument
	ErrClosed          = collerr.ErrClosed
)

const defaultInitialSizeBytes = 64 << 20

const headerName = "header"

// pollInterval is the polling granularity for [Queue.PollWithTimeout]
// and [Queue.Take] (spec.md §4.6.1: "busy-wait-with-sleep loop polling
// every 1 ms").
const pollInterval = 1 * time.Millisecond

// Options configures [Open].
type Options struct {
	// Path is the filesystem path of the backing file.
	Path string
	// InitialSizeBytes is the size to create the file at if new. Zero
	// selects the spec.md §6.2 default (64 MiB).
	InitialSizeBytes int64
	// CreateNew truncates/replaces any existing file at Path.
	CreateNew bool
}

// Stats is the introspection snapshot returned by [Queue.Stats].
type Stats struct {
	TotalSize    int64
	Used         int64
	Free         int64
	ElementCount uint64
	CreatedAtNs  int64
	ModifiedAtNs int64
}

// Queue is a persistent, process-shareable FIFO of byte payloads, each
// with an optional TTL.
type Queue struct {
	seg       *segment.Segment
	headerOff int64
}

// Open opens or creates the Queue file at opts.Path.
func Open(opts Options) (*Queue, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("shmqueue: open: %w: empty path", ErrInvalidArgument)
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

	q := &Queue{seg: seg}

	seg.Lock()
	defer seg.Unlock()

	now := nowNs()
	headerOff, err := seg.FindOrConstruct(headerName, colheader.DequeSize, func(buf []byte, off int64) {
		colheader.InitDeque(buf, off, now)
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmqueue: open: %w", ErrAllocFailed)
	}
	if err := colheader.ValidateCommon(seg.Bytes(), headerOff); err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmqueue: open: %w", ErrFormat)
	}
	q.headerOff = headerOff
	return q, nil
}

// Close flushes and releases the backing file.
func (q *Queue) Close() error {
	flushErr := q.seg.Flush()
	if err := q.seg.Close(); err != nil {
		return fmt.Errorf("shmqueue: close: %w", ErrFileError)
	}
	if flushErr != nil && !errors.Is(flushErr, segment.ErrClosed) {
		return fmt.Errorf("shmqueue: close: %w", ErrFileError)
	}
	return nil
}

// Filename returns the path the queue was opened with.
func (q *Queue) Filename() string { return q.seg.Path() }

func nowNs() int64 { return time.Now().UnixNano() }

func mapSegmentErr(err error) error {
	switch {
	case errors.Is(err, segment.ErrFormat):
		return fmt.Errorf("shmqueue: %w", ErrFormat)
	case errors.Is(err, segment.ErrAlloc):
		return fmt.Errorf("shmqueue: %w", ErrAllocFailed)
	default:
		return fmt.Errorf("shmqueue: %w", ErrFileError)
	}
}

func (q *Queue) withHeaderLock(fn func() error) error {
	hdr := q.seg.HeaderLock()
	if err := hdr.Lock(); err != nil {
		return fmt.Errorf("shmqueue: %w", ErrFileError)
	}
	defer hdr.Unlock()

	q.seg.Lock()
	defer q.seg.Unlock()

	return fn()
}

func isAlive(buf []byte, off int64, now int64) bool { return entry.IsAlive(buf, off, now) }
