// Package shmseq implements the Sequence Engine (spec.md §4.4): a
// persistent, process-shareable, TTL-aware ordered list backed by a
// single memory-mapped file.
//
// # Basic Usage
//
//	seq, err := shmseq.Open(shmseq.Options{
//	    Path:        "/tmp/my.seq",
//	    CreateNew:   true,
//	})
//	if err != nil {
//	    // handle
//	}
//	defer seq.Close()
//
//	seq.PushTail([]byte("hello"), -1)
//	v, ok, err := seq.GetAt(0)
//
// # Concurrency
//
// Every operation takes the collection's interprocess header lock for
// its entire duration (spec.md §4.4 "Concurrency"); there is no
// lock-free read path on this engine.
package shmseq

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
	ErrOutOfBounds     = collerr.ErrOutOfBounds
	ErrEmpty           = collerr.ErrEmpty
	ErrAllocFailed     = collerr.ErrAllocFailed
	ErrFileError       = collerr.ErrFileError
	ErrFormat          = collerr.ErrFormat
	ErrInvalidArgument = collerr.ErrInvalidArgument
	ErrClosed          = collerr.ErrClosed
)

// defaultInitialSizeBytes matches spec.md §6.2's documented default.
const defaultInitialSizeBytes = 64 << 20

const headerName = "header"

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

// Stats is the introspection snapshot returned by [Sequence.Stats]
// (spec.md §6.4).
type Stats struct {
	TotalSize    int64
	Used         int64
	Free         int64
	ElementCount uint64
	CreatedAtNs  int64
	ModifiedAtNs int64
}

// Sequence is a persistent, process-shareable, doubly-linked ordered
// list of byte payloads, each with an optional TTL.
//
// A *Sequence is safe for concurrent use by multiple goroutines and
// multiple processes holding the same backing file open.
type Sequence struct {
	seg       *segment.Segment
	headerOff int64

	// cursor is the engine-local (non-shared-memory) hint described in
	// spec.md §4.4 "Cursor cache": the last (index, offset) observed by
	// GetAt, so a monotonic scan can continue from the last node instead
	// of restarting at head. Invalidated by any write.
	cursorValid bool
	cursorIdx   int
	cursorOff   int64
}

// Open opens or creates the Sequence file at opts.Path.
func Open(opts Options) (*Sequence, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("shmseq: open: %w: empty path", ErrInvalidArgument)
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

	s := &Sequence{seg: seg}

	seg.Lock()
	defer seg.Unlock()

	now := nowNs()
	headerOff, err := seg.FindOrConstruct(headerName, colheader.SequenceSize, func(buf []byte, off int64) {
		colheader.InitSequence(buf, off, now)
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmseq: open: %w", ErrAllocFailed)
	}
	if err := colheader.ValidateCommon(seg.Bytes(), headerOff); err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmseq: open: %w", ErrFormat)
	}
	s.headerOff = headerOff
	return s, nil
}

// Close flushes and releases the backing file.
func (s *Sequence) Close() error {
	flushErr := s.seg.Flush()
	if err := s.seg.Close(); err != nil {
		return fmt.Errorf("shmseq: close: %w", ErrFileError)
	}
	if flushErr != nil && !errors.Is(flushErr, segment.ErrClosed) {
		return fmt.Errorf("shmseq: close: %w", ErrFileError)
	}
	return nil
}

// Filename returns the path the sequence was opened with.
func (s *Sequence) Filename() string { return s.seg.Path() }

func nowNs() int64 { return time.Now().UnixNano() }

func mapSegmentErr(err error) error {
	switch {
	case errors.Is(err, segment.ErrFormat):
		return fmt.Errorf("shmseq: %w", ErrFormat)
	case errors.Is(err, segment.ErrAlloc):
		return fmt.Errorf("shmseq: %w", ErrAllocFailed)
	default:
		return fmt.Errorf("shmseq: %w", ErrFileError)
	}
}

func (s *Sequence) withHeaderLock(fn func() error) error {
	hdr := s.seg.HeaderLock()
	if err := hdr.Lock(); err != nil {
		return fmt.Errorf("shmseq: %w", ErrFileError)
	}
	defer hdr.Unlock()

	s.seg.Lock()
	defer s.seg.Unlock()

	return fn()
}

// isAlive reports whether the node at off is currently alive (spec.md
// §3.2 "Alive" predicate).
func isAlive(buf []byte, off int64, now int64) bool { return entry.IsAlive(buf, off, now) }

// invalidateCursor drops the engine-local cursor cache; called by every
// mutating operation (spec.md §4.4: "The cache is invalidated by any write").
func (s *Sequence) invalidateCursor() {
	s.cursorValid = false
}

func nodeSize(buf []byte, off int64) uint32 {
	return entry.NodeSize(entry.DataSize(buf, off))
}
