package shmqueue

import (
	"context"
	"time"

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

func (q *Queue) allocateNode(payload []byte, ttlSeconds int32, now int64) (int64, error) {
	off, err := q.seg.Allocate(entry.NodeSize(uint32(len(payload))))
	if err != nil {
		return -1, ErrAllocFailed
	}
	buf := q.seg.Bytes()
	entry.TryBeginWrite(buf, off)
	entry.InitTTL(buf, off, ttlSeconds, now)
	entry.WritePayload(buf, off, payload)
	entry.Publish(buf, off)
	return off, nil
}

// OfferBack appends payload at the back of the queue.
func (q *Queue) OfferBack(payload []byte, ttlSeconds int32) error {
	return q.withHeaderLock(func() error {
		now := nowNs()
		off, err := q.allocateNode(payload, ttlSeconds, now)
		if err != nil {
			return err
		}
		buf := q.seg.Bytes()
		back := colheader.BackOffset(buf, q.headerOff)
		entry.SetPrevOffset(buf, off, back)
		entry.SetNextOffset(buf, off, -1)
		if back == -1 {
			colheader.SetFrontOffset(buf, q.headerOff, off)
		} else {
			entry.SetNextOffset(buf, back, off)
		}
		colheader.SetBackOffset(buf, q.headerOff, off)
		colheader.AddElementCount(buf, q.headerOff, 1)
		colheader.TouchModifiedAtNs(buf, q.headerOff, now)
		return nil
	})
}

// OfferFront prepends payload at the front of the queue.
func (q *Queue) OfferFront(payload []byte, ttlSeconds int32) error {
	return q.withHeaderLock(func() error {
		now := nowNs()
		off, err := q.allocateNode(payload, ttlSeconds, now)
		if err != nil {
			return err
		}
		buf := q.seg.Bytes()
		front := colheader.FrontOffset(buf, q.headerOff)
		entry.SetNextOffset(buf, off, front)
		entry.SetPrevOffset(buf, off, -1)
		if front == -1 {
			colheader.SetBackOffset(buf, q.headerOff, off)
		} else {
			entry.SetPrevOffset(buf, front, off)
		}
		colheader.SetFrontOffset(buf, q.headerOff, off)
		colheader.AddElementCount(buf, q.headerOff, 1)
		colheader.TouchModifiedAtNs(buf, q.headerOff, now)
		return nil
	})
}

// evictFront unlinks and deallocates non-alive nodes from the front
// until a live node or empty is reached (spec.md §4.6.1 "skip expired").
// Caller holds the header lock.
func (q *Queue) evictFront(now int64) {
	buf := q.seg.Bytes()
	for {
		front := colheader.FrontOffset(buf, q.headerOff)
		if front == -1 || isAlive(buf, front, now) {
			return
		}
		q.unlinkPhysical(buf, front)
		colheader.AddElementCount(buf, q.headerOff, -1)
	}
}

// evictBack is the symmetric sweep from the back.
func (q *Queue) evictBack(now int64) {
	buf := q.seg.Bytes()
	for {
		back := colheader.BackOffset(buf, q.headerOff)
		if back == -1 || isAlive(buf, back, now) {
			return
		}
		q.unlinkPhysical(buf, back)
		colheader.AddElementCount(buf, q.headerOff, -1)
	}
}

func (q *Queue) unlinkPhysical(buf []byte, off int64) {
	prev := entry.PrevOffset(buf, off)
	next := entry.NextOffset(buf, off)
	if prev == -1 {
		colheader.SetFrontOffset(buf, q.headerOff, next)
	} else {
		entry.SetNextOffset(buf, prev, next)
	}
	if next == -1 {
		colheader.SetBackOffset(buf, q.headerOff, prev)
	} else {
		entry.SetPrevOffset(buf, next, prev)
	}
	size := entry.NodeSize(entry.DataSize(buf, off))
	entry.SetState(buf, off, entry.StateDeleted)
	q.seg.Deallocate(off, size)
}

// PollFront removes and returns the frontmost live element, skipping
// any expired entries encountered at the front first.
func (q *Queue) PollFront() ([]byte, bool, error) {
	var out []byte
	var found bool
	err := q.withHeaderLock(func() error {
		now := nowNs()
		q.evictFront(now)
		buf := q.seg.Bytes()
		front := colheader.FrontOffset(buf, q.headerOff)
		if front == -1 {
			return nil
		}
		out = append([]byte(nil), entry.Payload(buf, front)...)
		found = true
		q.unlinkPhysical(buf, front)
		colheader.AddElementCount(buf, q.headerOff, -1)
		colheader.TouchModifiedAtNs(buf, q.headerOff, now)
		return nil
	})
	return out, found, err
}

// PollBack removes and returns the backmost live element, skipping any
// expired entries encountered at the back first.
func (q *Queue) PollBack() ([]byte, bool, error) {
	var out []byte
	var found bool
	err := q.withHeaderLock(func() error {
		now := nowNs()
		q.evictBack(now)
		buf := q.seg.Bytes()
		back := colheader.BackOffset(buf, q.headerOff)
		if back == -1 {
			return nil
		}
		out = append([]byte(nil), entry.Payload(buf, back)...)
		found = true
		q.unlinkPhysical(buf, back)
		colheader.AddElementCount(buf, q.headerOff, -1)
		colheader.TouchModifiedAtNs(buf, q.headerOff, now)
		return nil
	})
	return out, found, err
}

// PeekFront returns a copy of the frontmost live element without
// removing it, skipping any expired entries first.
func (q *Queue) PeekFront() ([]byte, bool, error) {
	var out []byte
	var found bool
	err := q.withHeaderLock(func() error {
		now := nowNs()
		q.evictFront(now)
		buf := q.seg.Bytes()
		front := colheader.FrontOffset(buf, q.headerOff)
		if front == -1 {
			return nil
		}
		out = append([]byte(nil), entry.Payload(buf, front)...)
		found = true
		return nil
	})
	return out, found, err
}

// PeekBack returns a copy of the backmost live element without
// removing it, skipping any expired entries first.
func (q *Queue) PeekBack() ([]byte, bool, error) {
	var out []byte
	var found bool
	err := q.withHeaderLock(func() error {
		now := nowNs()
		q.evictBack(now)
		buf := q.seg.Bytes()
		back := colheader.BackOffset(buf, q.headerOff)
		if back == -1 {
			return nil
		}
		out = append([]byte(nil), entry.Payload(buf, back)...)
		found = true
		return nil
	})
	return out, found, err
}

// PollWithTimeout polls the front, retrying every 1ms until an element
// is available or the timeout elapses (spec.md §4.6.1).
func (q *Queue) PollWithTimeout(timeoutMs int64) ([]byte, bool, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		v, found, err := q.PollFront()
		if err != nil || found {
			return v, found, err
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		time.Sleep(pollInterval)
	}
}

// Take blocks, polling the front every 1ms, until an element is
// available. It is uninterruptible except by closing the queue or
// cancelling ctx.
func (q *Queue) Take(ctx context.Context) ([]byte, error) {
	for {
		v, found, err := q.PollFront()
		if err != nil {
			return nil, err
		}
		if found {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Contains reports whether a live element equal to payload is present.
func (q *Queue) Contains(payload []byte) (bool, error) {
	var found bool
	err := q.withHeaderLock(func() error {
		now := nowNs()
		buf := q.seg.Bytes()
		cur := colheader.FrontOffset(buf, q.headerOff)
		for cur != -1 {
			if isAlive(buf, cur, now) && bytesEqual(entry.Payload(buf, cur), payload) {
				found = true
				return nil
			}
			cur = entry.NextOffset(buf, cur)
		}
		return nil
	})
	return found, err
}

// RemoveFirstMatching removes the first live element (scanning from the
// front) equal to payload. Returns true if removed.
func (q *Queue) RemoveFirstMatching(payload []byte) (bool, error) {
	var removed bool
	err := q.withHeaderLock(func() error {
		now := nowNs()
		buf := q.seg.Bytes()
		cur := colheader.FrontOffset(buf, q.headerOff)
		for cur != -1 {
			next := entry.NextOffset(buf, cur)
			if isAlive(buf, cur, now) && bytesEqual(entry.Payload(buf, cur), payload) {
				q.unlinkPhysical(buf, cur)
				colheader.AddElementCount(buf, q.headerOff, -1)
				colheader.TouchModifiedAtNs(buf, q.headerOff, now)
				removed = true
				return nil
			}
			cur = next
		}
		return nil
	})
	return removed, err
}

// DrainInto pops up to max live elements in FIFO order, invoking fn
// with each. It stops early if fn returns false.
func (q *Queue) DrainInto(fn func([]byte) bool, max int) (int, error) {
	drained := 0
	for drained < max {
		v, found, err := q.PollFront()
		if err != nil {
			return drained, err
		}
		if !found {
			break
		}
		drained++
		if !fn(v) {
			break
		}
	}
	return drained, nil
}

// PeekTTL returns the remaining TTL in seconds of the frontmost live
// element, and whether one exists.
func (q *Queue) PeekTTL() (int64, bool, error) {
	var ttl int64
	var found bool
	err := q.withHeaderLock(func() error {
		now := nowNs()
		q.evictFront(now)
		buf := q.seg.Bytes()
		front := colheader.FrontOffset(buf, q.headerOff)
		if front == -1 {
			return nil
		}
		ttl = entry.RemainingTTLSeconds(buf, front, now)
		found = true
		return nil
	})
	return ttl, found, err
}

// RemoveExpired sweeps the whole spine once and returns the count of
// physically removed expired entries.
func (q *Queue) RemoveExpired() (int, error) {
	total := 0
	err := q.withHeaderLock(func() error {
		now := nowNs()
		buf := q.seg.Bytes()
		cur := colheader.FrontOffset(buf, q.headerOff)
		for cur != -1 {
			next := entry.NextOffset(buf, cur)
			if entry.State(buf, cur) == entry.StateValid && !isAlive(buf, cur, now) {
				q.unlinkPhysical(buf, cur)
				colheader.AddElementCount(buf, q.headerOff, -1)
				total++
			}
			cur = next
		}
		if total > 0 {
			colheader.TouchModifiedAtNs(buf, q.headerOff, now)
		}
		return nil
	})
	return total, err
}

// Clear removes every element, live or expired.
func (q *Queue) Clear() error {
	return q.withHeaderLock(func() error {
		buf := q.seg.Bytes()
		cur := colheader.FrontOffset(buf, q.headerOff)
		for cur != -1 {
			next := entry.NextOffset(buf, cur)
			size := entry.NodeSize(entry.DataSize(buf, cur))
			entry.SetState(buf, cur, entry.StateDeleted)
			q.seg.Deallocate(cur, size)
			colheader.AddElementCount(buf, q.headerOff, -1)
			cur = next
		}
		colheader.SetFrontOffset(buf, q.headerOff, -1)
		colheader.SetBackOffset(buf, q.headerOff, -1)
		return nil
	})
}

// Size returns the live element count via a full scan.
func (q *Queue) Size() (int, error) {
	count := 0
	err := q.withHeaderLock(func() error {
		now := nowNs()
		buf := q.seg.Bytes()
		cur := colheader.FrontOffset(buf, q.headerOff)
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

// IsEmpty reports whether the queue has no live elements.
func (q *Queue) IsEmpty() (bool, error) {
	n, err := q.Size()
	return n == 0, err
}

// Stats returns a snapshot of the backing segment and header.
func (q *Queue) Stats() (Stats, error) {
	var st Stats
	err := q.withHeaderLock(func() error {
		buf := q.seg.Bytes()
		st = Stats{
			TotalSize:    q.seg.TotalSize(),
			ElementCount: colheader.ElementCount(buf, q.headerOff),
			CreatedAtNs:  colheader.CreatedAtNs(buf, q.headerOff),
			ModifiedAtNs: colheader.ModifiedAtNs(buf, q.headerOff),
		}
		st.Used = q.seg.UsedBytes()
		st.Free = st.TotalSize - st.Used
		return nil
	})
	return st, err
}
