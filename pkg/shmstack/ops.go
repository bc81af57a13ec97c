package shmstack

import (
	"github.com/arloesch/shmcollect/internal/colheader"
	"github.com/arloesch/shmcollect/internal/entry"
)

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

func (st *Stack) deallocateNode(off int64) {
	st.seg.Lock()
	defer st.seg.Unlock()
	buf := st.seg.Bytes()
	size := entry.NodeSize(entry.DataSize(buf, off))
	entry.SetState(buf, off, entry.StateDeleted)
	st.seg.Deallocate(off, size)
}

// Push allocates a node and links it at the top via the CAS protocol
// described in the package doc (spec.md §4.6.2 "Push protocol").
func (st *Stack) Push(payload []byte, ttlSeconds int32) error {
	now := nowNs()

	st.seg.Lock()
	off, err := st.seg.Allocate(entry.NodeSize(uint32(len(payload))))
	if err != nil {
		st.seg.Unlock()
		return ErrAllocFailed
	}
	buf := st.seg.Bytes()
	entry.TryBeginWrite(buf, off)
	entry.InitTTL(buf, off, ttlSeconds, now)
	entry.WritePayload(buf, off, payload)
	entry.Publish(buf, off)
	st.seg.Unlock()

	for {
		st.seg.RLock()
		buf := st.seg.Bytes()
		top := colheader.FrontOffset(buf, st.headerOff)
		entry.SetNextOffset(buf, off, top)
		if !colheader.CASFrontOffset(buf, st.headerOff, top, off) {
			st.seg.RUnlock()
			continue
		}
		if top != -1 {
			entry.SetPrevOffset(buf, top, off)
		}
		entry.SetPrevOffset(buf, off, -1)
		colheader.AddElementCount(buf, st.headerOff, 1)
		colheader.TouchModifiedAtNs(buf, st.headerOff, now)
		st.seg.RUnlock()
		st.bumpABATag()
		return nil
	}
}

// Pop implements the protocol in the package doc (spec.md §4.6.2 "Pop
// protocol"): evicting dead candidates encountered at the top before
// returning the first live payload, or reporting empty.
func (st *Stack) Pop() ([]byte, bool, error) {
	for {
		st.seg.RLock()
		buf := st.seg.Bytes()
		top := colheader.FrontOffset(buf, st.headerOff)
		if top == -1 {
			st.seg.RUnlock()
			return nil, false, nil
		}

		now := nowNs()
		next := entry.NextOffset(buf, top)
		live := entry.State(buf, top) == entry.StateValid && entry.IsAlive(buf, top, now)

		var payload []byte
		if live {
			payload = append([]byte(nil), entry.Payload(buf, top)...)
		}

		ok := colheader.CASFrontOffset(buf, st.headerOff, top, next)
		if ok && next != -1 {
			entry.SetPrevOffset(buf, next, -1)
		}
		if ok {
			colheader.AddElementCount(buf, st.headerOff, -1)
		}
		if ok && live {
			colheader.TouchModifiedAtNs(buf, st.headerOff, now)
		}
		st.seg.RUnlock()

		if !ok {
			continue
		}
		st.deallocateNode(top)
		st.bumpABATag()
		if live {
			return payload, true, nil
		}
		// Evicted a dead candidate; loop to examine the new top.
	}
}

// Peek returns a copy of the topmost live element without removing it,
// walking past (but not evicting) any dead entries above it.
func (st *Stack) Peek() ([]byte, bool, error) {
	st.seg.RLock()
	defer st.seg.RUnlock()

	buf := st.seg.Bytes()
	now := nowNs()
	cur := colheader.FrontOffset(buf, st.headerOff)
	for cur != -1 {
		if isAlive(buf, cur, now) {
			return append([]byte(nil), entry.Payload(buf, cur)...), true, nil
		}
		cur = entry.NextOffset(buf, cur)
	}
	return nil, false, nil
}

// Search returns the 1-based distance from the top of payload's nearest
// live occurrence, counting only live elements, or -1 if absent
// (spec.md §4.6.2 "Stack middle ops").
func (st *Stack) Search(payload []byte) (int, error) {
	st.seg.RLock()
	defer st.seg.RUnlock()

	buf := st.seg.Bytes()
	now := nowNs()
	distance := 0
	cur := colheader.FrontOffset(buf, st.headerOff)
	for cur != -1 {
		if isAlive(buf, cur, now) {
			distance++
			if bytesEqual(entry.Payload(buf, cur), payload) {
				return distance, nil
			}
		}
		cur = entry.NextOffset(buf, cur)
	}
	return -1, nil
}

// RemoveSpecific removes the nearest live occurrence of payload from
// the top. This is not lock-free: it takes the header exclusive lock
// (spec.md §4.6.2 "Stack middle ops").
func (st *Stack) RemoveSpecific(payload []byte) (bool, error) {
	var removed bool
	err := st.withHeaderLock(func() error {
		now := nowNs()
		buf := st.seg.Bytes()
		prev := int64(-1)
		cur := colheader.FrontOffset(buf, st.headerOff)
		for cur != -1 {
			next := entry.NextOffset(buf, cur)
			if isAlive(buf, cur, now) && bytesEqual(entry.Payload(buf, cur), payload) {
				st.unlinkPhysical(buf, cur, prev, next)
				colheader.AddElementCount(buf, st.headerOff, -1)
				colheader.TouchModifiedAtNs(buf, st.headerOff, now)
				removed = true
				return nil
			}
			prev = cur
			cur = next
		}
		return nil
	})
	return removed, err
}

func (st *Stack) unlinkPhysical(buf []byte, off, prev, next int64) {
	if prev == -1 {
		colheader.SetFrontOffset(buf, st.headerOff, next)
	} else {
		entry.SetNextOffset(buf, prev, next)
	}
	if next != -1 {
		entry.SetPrevOffset(buf, next, prev)
	}
	size := entry.NodeSize(entry.DataSize(buf, off))
	entry.SetState(buf, off, entry.StateDeleted)
	st.seg.Deallocate(off, size)
}

// RemoveExpired sweeps the whole stack once under the header exclusive
// lock, returning the number of physically removed expired entries.
func (st *Stack) RemoveExpired() (int, error) {
	total := 0
	err := st.withHeaderLock(func() error {
		now := nowNs()
		buf := st.seg.Bytes()
		prev := int64(-1)
		cur := colheader.FrontOffset(buf, st.headerOff)
		for cur != -1 {
			next := entry.NextOffset(buf, cur)
			if entry.State(buf, cur) == entry.StateValid && !isAlive(buf, cur, now) {
				st.unlinkPhysical(buf, cur, prev, next)
				colheader.AddElementCount(buf, st.headerOff, -1)
				total++
				cur = next
				continue
			}
			prev = cur
			cur = next
		}
		if total > 0 {
			colheader.TouchModifiedAtNs(buf, st.headerOff, now)
		}
		return nil
	})
	return total, err
}

// Clear removes every element, live or expired.
func (st *Stack) Clear() error {
	return st.withHeaderLock(func() error {
		buf := st.seg.Bytes()
		cur := colheader.FrontOffset(buf, st.headerOff)
		for cur != -1 {
			next := entry.NextOffset(buf, cur)
			size := entry.NodeSize(entry.DataSize(buf, cur))
			entry.SetState(buf, cur, entry.StateDeleted)
			st.seg.Deallocate(cur, size)
			colheader.AddElementCount(buf, st.headerOff, -1)
			cur = next
		}
		colheader.SetFrontOffset(buf, st.headerOff, -1)
		colheader.SetBackOffset(buf, st.headerOff, -1)
		return nil
	})
}

// GetTTL returns the remaining TTL in seconds of payload's nearest live
// occurrence, and whether one was found.
func (st *Stack) GetTTL(payload []byte) (int64, bool, error) {
	st.seg.RLock()
	defer st.seg.RUnlock()

	buf := st.seg.Bytes()
	now := nowNs()
	cur := colheader.FrontOffset(buf, st.headerOff)
	for cur != -1 {
		if isAlive(buf, cur, now) && bytesEqual(entry.Payload(buf, cur), payload) {
			return entry.RemainingTTLSeconds(buf, cur, now), true, nil
		}
		cur = entry.NextOffset(buf, cur)
	}
	return 0, false, nil
}

// SetTTL updates the TTL of payload's nearest live occurrence. Not
// lock-free: takes the header exclusive lock.
func (st *Stack) SetTTL(payload []byte, ttlSeconds int32) (bool, error) {
	var updated bool
	err := st.withHeaderLock(func() error {
		now := nowNs()
		buf := st.seg.Bytes()
		cur := colheader.FrontOffset(buf, st.headerOff)
		for cur != -1 {
			if isAlive(buf, cur, now) && bytesEqual(entry.Payload(buf, cur), payload) {
				entry.SetTTL(buf, cur, ttlSeconds, now)
				updated = true
				return nil
			}
			cur = entry.NextOffset(buf, cur)
		}
		return nil
	})
	return updated, err
}

// Size returns the live element count via a full scan.
func (st *Stack) Size() (int, error) {
	st.seg.RLock()
	defer st.seg.RUnlock()

	buf := st.seg.Bytes()
	now := nowNs()
	count := 0
	cur := colheader.FrontOffset(buf, st.headerOff)
	for cur != -1 {
		if isAlive(buf, cur, now) {
			count++
		}
		cur = entry.NextOffset(buf, cur)
	}
	return count, nil
}

// IsEmpty reports whether the stack has no live elements.
func (st *Stack) IsEmpty() (bool, error) {
	n, err := st.Size()
	return n == 0, err
}

// Stats returns a snapshot of the backing segment, header, and ABA tag.
func (st *Stack) Stats() (Stats, error) {
	st.seg.RLock()
	defer st.seg.RUnlock()

	buf := st.seg.Bytes()
	return Stats{
		TotalSize:    st.seg.TotalSize(),
		ElementCount: colheader.ElementCount(buf, st.headerOff),
		CreatedAtNs:  colheader.CreatedAtNs(buf, st.headerOff),
		ModifiedAtNs: colheader.ModifiedAtNs(buf, st.headerOff),
		ABATag:       loadABATag(buf, st.abaOff),
	}, nil
}
