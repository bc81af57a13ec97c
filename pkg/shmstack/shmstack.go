// Package shmstack implements the Stack half of the Deque Engine
// (spec.md §4.6.2): a persistent, process-shareable, TTL-aware LIFO
// backed by a single memory-mapped file, using a lock-free CAS protocol
// over the Deque header's front_offset as the stack top.
//
// # Concurrency
//
// Push and pop never take the header's interprocess lock; they operate
// purely via compare-and-swap on the top-of-stack offset, retrying on
// contention. RemoveSpecific, RemoveExpired, Clear and SetTTL take the
// header exclusive lock (spec.md §4.6.2 "Stack middle ops"); Search,
// Peek, GetTTL and Size scan under the segment's in-process read lock
// only.
//
// # ABA avoidance
//
// A process-wide atomic tag, stored under the "stack_aba_tag" named
// object, is incremented on every successful push/pop CAS. It is not
// part of the CAS operand: the protocol instead tolerates ABA because
// deallocated blocks are not immediately reused by the allocator in the
// common case, and because pop re-verifies state == VALID after
// resolving next_offset and before returning (spec.md §4.6.2 "ABA
// avoidance"). A platform with a double-width CAS could fold the tag
// into the CAS operand for a stronger guarantee; this implementation
// does not.
package shmstack

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloesch/shmcollect/internal/atomicmem"
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

const (
	headerName  = "header"
	abaTagName  = "stack_aba_tag"
	abaTagSize  = 8
	casMaxSpins = 1 << 20 // not consulted: Push and Pop retry their CAS without a bound
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
}

// Stats is the introspection snapshot returned by [Stack.Stats].
type Stats struct {
	TotalSize    int64
	ElementCount uint64
	CreatedAtNs  int64
	ModifiedAtNs int64
	ABATag       uint64
}

// Stack is a persistent, process-shareable, lock-free LIFO of byte
// payloads, each with an optional TTL.
type Stack struct {
	seg       *segment.Segment
	headerOff int64
	abaOff    int64
}

// Open opens or creates the Stack file at opts.Path.
func Open(opts Options) (*Stack, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("shmstack: open: %w: empty path", ErrInvalidArgument)
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

	st := &Stack{seg: seg}

	seg.Lock()
	defer seg.Unlock()

	now := nowNs()
	headerOff, err := seg.FindOrConstruct(headerName, colheader.DequeSize, func(buf []byte, off int64) {
		colheader.InitDeque(buf, off, now)
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmstack: open: %w", ErrAllocFailed)
	}
	if err := colheader.ValidateCommon(seg.Bytes(), headerOff); err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmstack: open: %w", ErrFormat)
	}
	st.headerOff = headerOff

	abaOff, err := seg.FindOrConstruct(abaTagName, abaTagSize, func(buf []byte, off int64) {
		atomicmem.StoreU64(buf, int(off), 0)
	})
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmstack: open: %w", ErrAllocFailed)
	}
	st.abaOff = abaOff

	return st, nil
}

// Close flushes and releases the backing file.
func (st *Stack) Close() error {
	flushErr := st.seg.Flush()
	if err := st.seg.Close(); err != nil {
		return fmt.Errorf("shmstack: close: %w", ErrFileError)
	}
	if flushErr != nil && !errors.Is(flushErr, segment.ErrClosed) {
		return fmt.Errorf("shmstack: close: %w", ErrFileError)
	}
	return nil
}

// Filename returns the path the stack was opened with.
func (st *Stack) Filename() string { return st.seg.Path() }

func nowNs() int64 { return time.Now().UnixNano() }

func mapSegmentErr(err error) error {
	switch {
	case errors.Is(err, segment.ErrFormat):
		return fmt.Errorf("shmstack: %w", ErrFormat)
	case errors.Is(err, segment.ErrAlloc):
		return fmt.Errorf("shmstack: %w", ErrAllocFailed)
	default:
		return fmt.Errorf("shmstack: %w", ErrFileError)
	}
}

func (st *Stack) withHeaderLock(fn func() error) error {
	hdr := st.seg.HeaderLock()
	if err := hdr.Lock(); err != nil {
		return fmt.Errorf("shmstack: %w", ErrFileError)
	}
	defer hdr.Unlock()

	st.seg.Lock()
	defer st.seg.Unlock()

	return fn()
}

func isAlive(buf []byte, off int64, now int64) bool { return entry.IsAlive(buf, off, now) }

func (st *Stack) bumpABATag() uint64 {
	return atomicmem.AddU64(st.seg.Bytes(), int(st.abaOff), 1)
}

func loadABATag(buf []byte, off int64) uint64 { return atomicmem.LoadU64(buf, int(off)) }
