package shmseq

import (
	"fmt"

	"github.com/arloesch/shmcollect/internal/colheader"
	"github.com/arloesch/shmcollect/internal/entry"
)

// allocateNode allocates and publishes a new node carrying payload/ttl,
// with both links set to the null sentinel. Caller must hold the
// segment lock and splice the returned offset into the spine.
func (s *Sequence) allocateNode(payload []byte, ttlSeconds int32) (int64, error) {
	off, err := s.seg.Allocate(entry.NodeSize(uint32(len(payload))))
	if err != nil {
		return -1, fmt.Errorf("shmseq: %w", ErrAllocFailed)
	}
	buf := s.seg.Bytes()
	entry.TryBeginWrite(buf, off)
	entry.InitTTL(buf, off, ttlSeconds, nowNs())
	entry.WritePayload(buf, off, payload)
	entry.SetNextOffset(buf, off, -1)
	entry.SetPrevOffset(buf, off, -1)
	entry.Publish(buf, off)
	return off, nil
}

func (s *Sequence) linkTail(off int64) {
	buf := s.seg.Bytes()
	tail := colheader.TailOffset(buf, s.headerOff)
	if tail == -1 {
		colheader.SetHeadOffset(buf, s.headerOff, off)
	} else {
		entry.SetNextOffset(buf, tail, off)
		entry.SetPrevOffset(buf, off, tail)
	}
	colheader.SetTailOffset(buf, s.headerOff, off)
	colheader.AddElementCount(buf, s.headerOff, 1)
	colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
}

func (s *Sequence) linkHead(off int64) {
	buf := s.seg.Bytes()
	head := colheader.HeadOffset(buf, s.headerOff)
	if head == -1 {
		colheader.SetTailOffset(buf, s.headerOff, off)
	} else {
		entry.SetPrevOffset(buf, head, off)
		entry.SetNextOffset(buf, off, head)
	}
	colheader.SetHeadOffset(buf, s.headerOff, off)
	colheader.AddElementCount(buf, s.headerOff, 1)
	colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
}

// PushTail allocates a node for payload and appends it at the tail.
func (s *Sequence) PushTail(payload []byte, ttlSeconds int32) error {
	return s.withHeaderLock(func() error {
		off, err := s.allocateNode(payload, ttlSeconds)
		if err != nil {
			return err
		}
		s.linkTail(off)
		s.invalidateCursor()
		return nil
	})
}

// PushHead allocates a node for payload and prepends it at the head.
func (s *Sequence) PushHead(payload []byte, ttlSeconds int32) error {
	return s.withHeaderLock(func() error {
		off, err := s.allocateNode(payload, ttlSeconds)
		if err != nil {
			return err
		}
		s.linkHead(off)
		s.invalidateCursor()
		return nil
	})
}

// locateInsertionPoint walks the physical spine (skipping non-alive
// nodes without counting them) looking for the node currently at live
// index i. It returns either the physical node that should come right
// after the new node (ok=true, appendTail=false), or appendTail=true if
// i equals the current live size (the new node becomes the new tail).
func (s *Sequence) locateInsertionPoint(buf []byte, now int64, i int) (targetOff int64, appendTail bool, ok bool) {
	if i < 0 {
		return -1, false, false
	}
	liveCount := 0
	cur := colheader.HeadOffset(buf, s.headerOff)
	for cur != -1 {
		if isAlive(buf, cur, now) {
			if liveCount == i {
				return cur, false, true
			}
			liveCount++
		}
		cur = entry.NextOffset(buf, cur)
	}
	if i == liveCount {
		return -1, true, true
	}
	return -1, false, false
}

// InsertAt splices a new node before the node currently at live index i.
// i may equal the current size, in which case it behaves like PushTail.
func (s *Sequence) InsertAt(i int, payload []byte, ttlSeconds int32) error {
	return s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		targetOff, appendTail, ok := s.locateInsertionPoint(buf, now, i)
		if !ok {
			return fmt.Errorf("shmseq: insert_at(%d): %w", i, ErrOutOfBounds)
		}
		if appendTail {
			off, err := s.allocateNode(payload, ttlSeconds)
			if err != nil {
				return err
			}
			s.linkTail(off)
			s.invalidateCursor()
			return nil
		}

		off, err := s.allocateNode(payload, ttlSeconds)
		if err != nil {
			return err
		}
		buf = s.seg.Bytes()
		prevPhys := entry.PrevOffset(buf, targetOff)
		entry.SetNextOffset(buf, off, targetOff)
		entry.SetPrevOffset(buf, off, prevPhys)
		entry.SetPrevOffset(buf, targetOff, off)
		if prevPhys == -1 {
			colheader.SetHeadOffset(buf, s.headerOff, off)
		} else {
			entry.SetNextOffset(buf, prevPhys, off)
		}
		colheader.AddElementCount(buf, s.headerOff, 1)
		colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
		s.invalidateCursor()
		return nil
	})
}

// findLive returns the offset of the node currently at live index i. If
// the cursor cache holds index i-1, it resumes the scan from there
// instead of restarting at head_offset (spec.md §4.4 "Cursor cache":
// "If the next call requests index+1, the engine follows next_offset
// from the cached offset, skipping expired; otherwise it restarts from
// head_offset").
func (s *Sequence) findLive(buf []byte, now int64, i int) (int64, bool) {
	if i < 0 {
		return -1, false
	}

	cur := colheader.HeadOffset(buf, s.headerOff)
	liveCount := 0
	if s.cursorValid && i == s.cursorIdx+1 {
		cur = entry.NextOffset(buf, s.cursorOff)
		liveCount = s.cursorIdx + 1
	}

	for cur != -1 {
		if isAlive(buf, cur, now) {
			if liveCount == i {
				return cur, true
			}
			liveCount++
		}
		cur = entry.NextOffset(buf, cur)
	}
	return -1, false
}

// GetAt returns a copy of the payload at live index i, or ok=false if i
// is out of range (spec.md B1: get_at(-1)/get_at(size()) ⇒ NotFound).
func (s *Sequence) GetAt(i int) ([]byte, bool, error) {
	var result []byte
	var found bool
	err := s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		off, ok := s.findLive(buf, now, i)
		if !ok {
			s.cursorValid = false
			return nil
		}
		found = true
		p := entry.Payload(buf, off)
		result = append([]byte(nil), p...)
		s.cursorValid = true
		s.cursorIdx = i
		s.cursorOff = off
		return nil
	})
	return result, found, err
}

// SetAt replaces the payload at live index i. Same-size payloads update
// in place; differing sizes reallocate and splice (spec.md §4.4).
func (s *Sequence) SetAt(i int, payload []byte, ttlSeconds int32) error {
	return s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		off, ok := s.findLive(buf, now, i)
		if !ok {
			return fmt.Errorf("shmseq: set_at(%d): %w", i, ErrOutOfBounds)
		}
		s.invalidateCursor()

		if entry.DataSize(buf, off) == uint32(len(payload)) {
			entry.WritePayload(buf, off, payload)
			entry.SetTTL(buf, off, ttlSeconds, nowNs())
			entry.BumpVersion(buf, off)
			colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
			return nil
		}

		prevPhys := entry.PrevOffset(buf, off)
		nextPhys := entry.NextOffset(buf, off)
		oldSize := nodeSize(buf, off)

		newOff, err := s.allocateNode(payload, ttlSeconds)
		if err != nil {
			return err
		}
		buf = s.seg.Bytes()
		entry.SetPrevOffset(buf, newOff, prevPhys)
		entry.SetNextOffset(buf, newOff, nextPhys)
		if prevPhys == -1 {
			colheader.SetHeadOffset(buf, s.headerOff, newOff)
		} else {
			entry.SetNextOffset(buf, prevPhys, newOff)
		}
		if nextPhys == -1 {
			colheader.SetTailOffset(buf, s.headerOff, newOff)
		} else {
			entry.SetPrevOffset(buf, nextPhys, newOff)
		}
		entry.SetState(buf, off, entry.StateDeleted)
		s.seg.Deallocate(off, oldSize)
		colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
		return nil
	})
}

// unlinkPhysical removes the node at off from the spine, given its
// already-known physical neighbors, and deallocates it. Caller still
// holds the segment/header locks.
func (s *Sequence) unlinkPhysical(buf []byte, off, prevPhys, nextPhys int64) {
	if prevPhys == -1 {
		colheader.SetHeadOffset(buf, s.headerOff, nextPhys)
	} else {
		entry.SetNextOffset(buf, prevPhys, nextPhys)
	}
	if nextPhys == -1 {
		colheader.SetTailOffset(buf, s.headerOff, prevPhys)
	} else {
		entry.SetPrevOffset(buf, nextPhys, prevPhys)
	}
	size := nodeSize(buf, off)
	entry.SetState(buf, off, entry.StateDeleted)
	s.seg.Deallocate(off, size)
}

// RemoveAt unlinks and returns the payload at live index i.
func (s *Sequence) RemoveAt(i int) ([]byte, bool, error) {
	var result []byte
	var removed bool
	err := s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		off, ok := s.findLive(buf, now, i)
		if !ok {
			return nil
		}
		p := entry.Payload(buf, off)
		result = append([]byte(nil), p...)

		prevPhys := entry.PrevOffset(buf, off)
		nextPhys := entry.NextOffset(buf, off)
		s.unlinkPhysical(buf, off, prevPhys, nextPhys)
		colheader.AddElementCount(buf, s.headerOff, -1)
		colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
		removed = true
		s.invalidateCursor()
		return nil
	})
	return result, removed, err
}

// PopHead removes and returns the first live element, skipping (and
// physically unlinking) any expired nodes encountered at the front
// along the way (spec.md §4.4 "Unlink endpoint, skip expired while unlinking").
func (s *Sequence) PopHead() ([]byte, bool, error) {
	var result []byte
	var found bool
	err := s.withHeaderLock(func() error {
		s.invalidateCursor()
		buf := s.seg.Bytes()
		now := nowNs()
		for {
			head := colheader.HeadOffset(buf, s.headerOff)
			if head == -1 {
				return nil
			}
			next := entry.NextOffset(buf, head)
			if !isAlive(buf, head, now) {
				s.unlinkPhysical(buf, head, -1, next)
				colheader.AddElementCount(buf, s.headerOff, -1)
				continue
			}
			p := entry.Payload(buf, head)
			result = append([]byte(nil), p...)
			s.unlinkPhysical(buf, head, -1, next)
			colheader.AddElementCount(buf, s.headerOff, -1)
			colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
			found = true
			return nil
		}
	})
	return result, found, err
}

// PopTail removes and returns the last live element, skipping (and
// physically unlinking) any expired nodes encountered at the back.
func (s *Sequence) PopTail() ([]byte, bool, error) {
	var result []byte
	var found bool
	err := s.withHeaderLock(func() error {
		s.invalidateCursor()
		buf := s.seg.Bytes()
		now := nowNs()
		for {
			tail := colheader.TailOffset(buf, s.headerOff)
			if tail == -1 {
				return nil
			}
			prev := entry.PrevOffset(buf, tail)
			if !isAlive(buf, tail, now) {
				s.unlinkPhysical(buf, tail, prev, -1)
				colheader.AddElementCount(buf, s.headerOff, -1)
				continue
			}
			p := entry.Payload(buf, tail)
			result = append([]byte(nil), p...)
			s.unlinkPhysical(buf, tail, prev, -1)
			colheader.AddElementCount(buf, s.headerOff, -1)
			colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
			found = true
			return nil
		}
	})
	return result, found, err
}

// IndexOf returns the live index of the first element equal to payload,
// comparing the precomputed hash before falling back to a byte compare
// (spec.md §4.4: "hash-first short-circuits memcmp").
func (s *Sequence) IndexOf(payload []byte) (int, bool, error) {
	var idx int
	var found bool
	err := s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		h := entry.FNV1a32(payload)
		liveCount := 0
		cur := colheader.HeadOffset(buf, s.headerOff)
		for cur != -1 {
			if isAlive(buf, cur, now) {
				if entry.Hash(buf, cur) == h && bytesEqual(entry.Payload(buf, cur), payload) {
					idx = liveCount
					found = true
					return nil
				}
				liveCount++
			}
			cur = entry.NextOffset(buf, cur)
		}
		return nil
	})
	return idx, found, err
}

// Contains reports whether payload is present among the live elements.
func (s *Sequence) Contains(payload []byte) (bool, error) {
	_, found, err := s.IndexOf(payload)
	return found, err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Size returns the live element count (spec.md §3.2: best-effort header
// counter excludes deleted but not expired entries, so the public Size
// scans and skips expired, per spec.md §9 "Open question — size() cost").
func (s *Sequence) Size() (int, error) {
	var count int
	err := s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		cur := colheader.HeadOffset(buf, s.headerOff)
		for cur != -1 {
			if isAlive(buf, cur, now) {
				count++
			}
			cur = entry.NextOffset(buf, cur)
		}
		return nil
	})
	return count, err
}

// IsEmpty reports whether the sequence currently has zero live elements.
func (s *Sequence) IsEmpty() (bool, error) {
	n, err := s.Size()
	return n == 0, err
}

// RemoveExpired sweeps the full spine once, physically unlinking every
// currently-expired node, and returns the count removed.
func (s *Sequence) RemoveExpired() (int, error) {
	var removed int
	err := s.withHeaderLock(func() error {
		s.invalidateCursor()
		buf := s.seg.Bytes()
		now := nowNs()
		cur := colheader.HeadOffset(buf, s.headerOff)
		for cur != -1 {
			next := entry.NextOffset(buf, cur)
			if entry.State(buf, cur) == entry.StateValid && !isAlive(buf, cur, now) {
				prev := entry.PrevOffset(buf, cur)
				s.unlinkPhysical(buf, cur, prev, next)
				colheader.AddElementCount(buf, s.headerOff, -1)
				removed++
			}
			cur = next
		}
		if removed > 0 {
			colheader.TouchModifiedAtNs(buf, s.headerOff, nowNs())
		}
		return nil
	})
	return removed, err
}

// SetTTL updates the TTL of the live element at index i.
func (s *Sequence) SetTTL(i int, ttlSeconds int32) error {
	return s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		off, ok := s.findLive(buf, now, i)
		if !ok {
			return fmt.Errorf("shmseq: set_ttl(%d): %w", i, ErrOutOfBounds)
		}
		entry.SetTTL(buf, off, ttlSeconds, nowNs())
		return nil
	})
}

// GetTTL returns the remaining TTL in seconds for the live element at
// index i: -1 if infinite, 0 if expired or missing, per spec.md §4.3.
func (s *Sequence) GetTTL(i int) (int64, error) {
	var remaining int64
	err := s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		now := nowNs()
		off, ok := s.findLive(buf, now, i)
		if !ok {
			remaining = 0
			return nil
		}
		remaining = entry.RemainingTTLSeconds(buf, off, now)
		return nil
	})
	return remaining, err
}

// Stats returns a snapshot of the backing segment and header.
func (s *Sequence) Stats() (Stats, error) {
	var st Stats
	err := s.withHeaderLock(func() error {
		buf := s.seg.Bytes()
		st = Stats{
			TotalSize:    s.seg.TotalSize(),
			ElementCount: colheader.ElementCount(buf, s.headerOff),
			CreatedAtNs:  colheader.CreatedAtNs(buf, s.headerOff),
			ModifiedAtNs: colheader.ModifiedAtNs(buf, s.headerOff),
		}
		st.Used = s.seg.UsedBytes()
		st.Free = st.TotalSize - st.Used
		return nil
	})
	return st, err
}
