package segment

import (
	"fmt"
	"syscall"

	"github.com/arloesch/shmcollect/internal/atomicmem"
)

// TotalSize returns the current file/mapping size recorded in the
// super-header. Callers must hold RLock or Lock.
func (s *Segment) TotalSize() int64 {
	return int64(atomicmem.LoadU64(s.data, offTotalSize))
}

// UsedBytes returns the current bump-allocator watermark: bytes ever
// carved out of the arena, including blocks since deallocated back onto
// a free list (spec.md §6.4 "used" is reported on this basis, since
// tracking reclaimed-but-unreused bytes separately would require a
// second bookkeeping pass over the free lists). Callers must hold
// RLock or Lock.
func (s *Segment) UsedBytes() int64 {
	return int64(atomicmem.LoadU64(s.data, offFreeOffset)) - FreeListEnd
}

// Grow extends the backing file by at least additionalBytes and remaps
// it. Callers must hold Lock (spec.md §5 "Growth races", design (a)):
// Grow is only ever invoked from inside [Segment.Allocate], which is
// itself only ever invoked while the caller holds Lock.
func (s *Segment) Grow(additionalBytes int64) error {
	if s.closed {
		return ErrClosed
	}

	oldSize := int64(len(s.data))
	newSize := oldSize + additionalBytes
	if newSize < oldSize { // overflow guard
		return fmt.Errorf("%w: grow size overflow", ErrAlloc)
	}

	if err := syscall.Munmap(s.data); err != nil {
		return fmt.Errorf("segment: munmap before grow: %w", err)
	}
	s.data = nil

	if err := syscall.Ftruncate(s.fd, newSize); err != nil {
		return fmt.Errorf("segment: ftruncate: %w", err)
	}

	data, err := syscall.Mmap(s.fd, 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("segment: mmap after grow: %w", err)
	}

	s.data = data
	atomicmem.StoreU64(s.data, offTotalSize, uint64(newSize))
	return nil
}

// Allocate reserves a size-byte, 64-byte-aligned block and returns its
// offset. It first tries the matching free-list class, falling back to
// a bump allocation from free_offset, and finally to [Segment.Grow] if
// the mapping is exhausted. Callers must hold Lock (in-process).
//
// Allocation and growth are additionally serialized across processes by
// allocLock, an interprocess byte-range lock scoped to the free_offset
// word (spec.md §5 "Growth races", design (a)): two processes racing to
// allocate in different buckets of the same hash-engine file would
// otherwise both observe free_offset exhausted and both call Grow,
// interleaving their munmap/ftruncate/mmap sequences. Taking allocLock
// around the whole of Allocate (free-list pop included, not just Grow)
// keeps the free-list and bump-pointer mutation atomic across processes
// too: the free-list table and free_offset are separate words, but every
// allocation takes the same lock before touching either.
//
// Possible errors: [ErrAlloc] if even growth cannot satisfy the request.
func (s *Segment) Allocate(size uint32) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if err := s.allocLock.Lock(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	defer s.allocLock.Unlock()

	size = Align64(size)

	if off, ok := s.popFreeList(size); ok {
		return off, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		off, ok := s.bumpAllocate(size)
		if ok {
			return off, nil
		}

		grow := int64(size) * 64
		if grow < 1<<20 {
			grow = 1 << 20
		}
		if err := s.Grow(grow); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrAlloc, err)
		}
	}

	return 0, fmt.Errorf("%w: exhausted after growth", ErrAlloc)
}

// bumpAllocate tries to carve size bytes off the end of the arena.
func (s *Segment) bumpAllocate(size uint32) (int64, bool) {
	cur := int64(atomicmem.LoadU64(s.data, offFreeOffset))
	next := cur + int64(size)
	if next > int64(len(s.data)) {
		return 0, false
	}
	atomicmem.StoreU64(s.data, offFreeOffset, uint64(next))
	return cur, true
}

// popFreeList pops a block off the free chain for size's class. Class 0
// (the catch-all for oversized blocks) is scanned with a bounded
// first-fit walk; spec.md §9 accepts internal fragmentation here since
// this is a throwaway, rebuildable cache rather than a general allocator.
func (s *Segment) popFreeList(size uint32) (int64, bool) {
	class := classForSize(size)
	slot := FreeListOffset + class*freeListSlotSize

	if class != 0 {
		head := atomicmem.LoadI64(s.data, slot)
		if head == sizeClassNone {
			return 0, false
		}
		next := atomicmem.LoadI64(s.data, int(head))
		atomicmem.StoreI64(s.data, slot, next)
		return head, true
	}

	// Catch-all class: bounded first-fit walk of the large-block chain,
	// where each free block stores its own size in the 8 bytes after
	// the next-pointer so a walker can tell whether it fits.
	const maxWalk = 64
	prevOff := int64(slot)
	cur := atomicmem.LoadI64(s.data, slot)
	for i := 0; cur != sizeClassNone && i < maxWalk; i++ {
		blockSize := atomicmem.LoadU64(s.data, int(cur)+8)
		next := atomicmem.LoadI64(s.data, int(cur))
		if uint64(size) <= blockSize {
			atomicmem.StoreI64(s.data, int(prevOff), next)
			return cur, true
		}
		prevOff = cur
		cur = next
	}
	return 0, false
}

// Deallocate returns a size-byte block to the allocator's free list for
// reuse. Callers must hold Lock and must have already transitioned the
// block's entry state to DELETED/EXPIRED so no reader can observe the
// freelist linkage written into its first bytes. Deallocate takes
// allocLock for the same cross-process reason [Segment.Allocate] does:
// it mutates the same free-list slots a concurrent Allocate in another
// process may be popping from.
func (s *Segment) Deallocate(off int64, size uint32) {
	if s.closed {
		return
	}

	if err := s.allocLock.Lock(); err != nil {
		return
	}
	defer s.allocLock.Unlock()

	size = Align64(size)
	class := classForSize(size)
	slot := FreeListOffset + class*freeListSlotSize

	if class != 0 {
		head := atomicmem.LoadI64(s.data, slot)
		atomicmem.StoreI64(s.data, int(off), head)
		atomicmem.StoreI64(s.data, slot, off)
		return
	}

	head := atomicmem.LoadI64(s.data, slot)
	atomicmem.StoreI64(s.data, int(off), head)
	atomicmem.StoreU64(s.data, int(off)+8, uint64(size))
	atomicmem.StoreI64(s.data, slot, off)
}
