// Package segment implements the Segment Manager component of
// SPEC_FULL.md §3 (spec.md §4.1): it owns a single memory-mapped file,
// a bump+free-list allocator over it, and a small named-object
// directory that the five collection engines use to find their
// variant header, bucket array, and (for the stack) ABA tag.
//
// Offset discipline. Every pointer this package hands out is a plain
// []byte slice into the current mapping; it is only valid for as long as
// the caller holds the Segment's lock (see "Locking" below) and must
// never be retained across a call that might grow the mapping. Stable
// identity across process lifetimes and across growths is carried by
// int64 byte offsets only — never by the slice or its address.
//
// Locking. A Segment serializes all access to its mapping with a single
// in-process [sync.RWMutex]: callers of read-only operations hold RLock
// for the duration of the operation, callers of operations that may
// allocate (and therefore may [Segment.Grow] the mapping) hold Lock for
// the duration. This is reference design (a) from spec.md §5 "Growth
// races", scoped to the Segment rather than to a specific collection
// header, so it composes uniformly across all five engines. Interprocess
// coordination is layered on top by internal/ipclock: a whole-file flock
// (the collection's header RW mutex) and, for the hash engine, per-bucket
// POSIX byte-range record locks.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/arloesch/shmcollect/internal/ipclock"
)

// Sentinel errors. Collection packages wrap these with call-site context
// and callers classify them with errors.Is (spec.md §7).
var (
	ErrFile    = errors.New("segment: file error")
	ErrFormat  = errors.New("segment: format error")
	ErrAlloc   = errors.New("segment: allocation failed")
	ErrClosed  = errors.New("segment: closed")
)

// Options configures [Open].
type Options struct {
	// Path is the filesystem path of the backing file.
	Path string
	// InitialSize is the size to create the file at if it does not
	// exist. Ignored when opening an existing file.
	InitialSize int64
	// CreateNew truncates/replaces any existing file at Path.
	CreateNew bool
}

// Segment is a handle to an open memory-mapped file.
type Segment struct {
	mu sync.RWMutex

	fd   int
	path string

	data []byte // current mapping; guarded by mu

	hdrLock   *ipclock.Header
	allocLock *ipclock.BucketLock

	closed bool
}

// Open acquires a [Segment] for path, creating it if needed. The
// returned Segment must be released with [Segment.Close].
func Open(opts Options) (*Segment, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrFile)
	}
	if opts.CreateNew {
		if err := os.Remove(opts.Path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: remove existing: %w", ErrFile, err)
		}
	}

	existed, err := fileExists(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat: %w", ErrFile, err)
	}

	if !existed {
		size := opts.InitialSize
		if size < int64(FreeListEnd) {
			size = int64(FreeListEnd) + 4096
		}
		if err := createFile(opts.Path, size); err != nil {
			return nil, err
		}
	}

	fd, err := syscall.Open(opts.Path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrFile, err)
	}

	seg, err := mapFD(fd, opts.Path)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}

	if err := seg.validateSuperHeader(); err != nil {
		_ = seg.Close()
		return nil, err
	}

	return seg, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// createFile materializes a brand-new segment file: a zero-filled buffer
// of size bytes with the super-header and an empty directory/free-list
// stamped in, written atomically via temp-file+rename (the same
// crash-safety idiom the teacher's ticket store uses for its markdown
// files, applied here to the initial segment creation step).
func createFile(path string, size int64) error {
	buf := make([]byte, size)
	copy(buf[offMagic:], magicValue)
	binary.LittleEndian.PutUint32(buf[offVersion:], magicVersion)
	binary.LittleEndian.PutUint64(buf[offTotalSize:], uint64(size))
	binary.LittleEndian.PutUint64(buf[offFreeOffset:], uint64(FreeListEnd))
	binary.LittleEndian.PutUint64(buf[offDirectoryOffset:], uint64(DirectoryOffset))
	binary.LittleEndian.PutUint32(buf[offDirectoryCount:], 0)
	binary.LittleEndian.PutUint32(buf[offDirectoryCap:], maxDirectorySlots)

	for i := 0; i < maxDirectorySlots; i++ {
		off := DirectoryOffset + i*dirSlotSize
		binary.LittleEndian.PutUint64(buf[off+dirSlotOffOffset:], 0)
		binary.LittleEndian.PutUint64(buf[off+dirSlotOffLength:], 0)
	}
	for c := 0; c < freeListClasses; c++ {
		off := FreeListOffset + c*freeListSlotSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(sizeClassNone))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %w", ErrFile, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("%w: create: %w", ErrFile, err)
	}
	return nil
}

func mapFD(fd int, path string) (*Segment, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("%w: fstat: %w", ErrFile, err)
	}

	data, err := syscall.Mmap(fd, 0, int(stat.Size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %w", ErrFile, err)
	}

	return &Segment{
		fd:        fd,
		path:      path,
		data:      data,
		hdrLock:   ipclock.NewHeader(fd),
		allocLock: ipclock.NewBucketLock(fd, offFreeOffset, 8),
	}, nil
}

func (s *Segment) validateSuperHeader() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.data) < SuperHeaderSize {
		return fmt.Errorf("%w: file too small for super-header", ErrFormat)
	}
	if string(s.data[offMagic:offMagic+4]) != magicValue {
		return fmt.Errorf("%w: bad magic", ErrFormat)
	}
	if binary.LittleEndian.Uint32(s.data[offVersion:]) != magicVersion {
		return fmt.Errorf("%w: unsupported version", ErrFormat)
	}
	return nil
}

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Lock acquires exclusive (in-process) access for an operation that may
// allocate, deallocate, or grow the mapping.
func (s *Segment) Lock() { s.mu.Lock() }

// Unlock releases a lock acquired with [Segment.Lock].
func (s *Segment) Unlock() { s.mu.Unlock() }

// RLock acquires shared (in-process) access for a read-only operation.
func (s *Segment) RLock() { s.mu.RLock() }

// RUnlock releases a lock acquired with [Segment.RLock].
func (s *Segment) RUnlock() { s.mu.RUnlock() }

// Bytes returns the current mapping. Callers must hold RLock or Lock.
func (s *Segment) Bytes() []byte { return s.data }

// HeaderLock returns the collection-wide interprocess RW mutex for this
// segment (spec.md "Collection Header" attribute).
func (s *Segment) HeaderLock() *ipclock.Header { return s.hdrLock }

// BucketLock returns an interprocess exclusive lock scoped to [off, off+size).
func (s *Segment) BucketLock(off, size int64) *ipclock.BucketLock {
	return ipclock.NewBucketLock(s.fd, off, size)
}

// Flush synchronizes the mapping to disk (spec.md §4.1, §5 "Flush").
// Advisory only: it does not guarantee crash-durability beyond the
// host's msync semantics.
func (s *Segment) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("segment: msync: %w", err)
	}
	return nil
}

// Close unmaps and releases the file descriptor. Idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.data != nil {
		if uerr := syscall.Munmap(s.data); uerr != nil {
			err = fmt.Errorf("segment: munmap: %w", uerr)
		}
		s.data = nil
	}
	if cerr := syscall.Close(s.fd); cerr != nil && err == nil {
		err = fmt.Errorf("segment: close: %w", cerr)
	}
	return err
}

// Closed reports whether the segment has been closed. Callers must hold
// RLock or Lock.
func (s *Segment) Closed() bool { return s.closed }
