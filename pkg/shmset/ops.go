package shmset

import (
	"fmt"

	"github.com/arloesch/shmcollect/internal/bucket"
	"github.com/arloesch/shmcollect/internal/colheader"
	"github.com/arloesch/shmcollect/internal/entry"
)

// locateInChain walks bucket bOff's chain looking for a node whose hash
// and payload match. It returns the matching node's offset, the offset
// of its physical predecessor in the chain (-1 if it is the chain
// head), and whether a match (live or not) was found at all.
func locateInChain(buf []byte, bOff int64, h uint32, payload []byte) (nodeOff, prevOff int64, found bool) {
	prevOff = -1
	cur := bucket.HeadOffset(buf, bOff)
	for cur != -1 {
		if entry.Hash(buf, cur) == h && bytesEqual(entry.Payload(buf, cur), payload) {
			return cur, prevOff, true
		}
		prevOff = cur
		cur = entry.NextOffset(buf, cur)
	}
	return -1, -1, false
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

// unlinkFromChain removes the node at nodeOff (whose physical
// predecessor is prevOff, -1 if it is the head) from bOff's chain and
// deallocates it. Caller holds the bucket lock and the segment lock.
func (s *Set) unlinkFromChain(buf []byte, bOff, nodeOff, prevOff int64) {
	next := entry.NextOffset(buf, nodeOff)
	if prevOff == -1 {
		bucket.SetHeadOffset(buf, bOff, next)
	} else {
		entry.SetNextOffset(buf, prevOff, next)
	}
	size := entry.NodeSize(entry.DataSize(buf, nodeOff))
	entry.SetState(buf, nodeOff, entry.StateDeleted)
	s.seg.Deallocate(nodeOff, size)
	bucket.AddCount(buf, bOff, -1)
}

func (s *Set) withBucketWrite(idx uint64, fn func(buf []byte, bOff int64)) {
	bOff := s.bucketOffset(idx)
	bl := s.seg.BucketLock(bOff, bucket.Size)
	bl.Lock()
	defer bl.Unlock()

	s.seg.Lock()
	defer s.seg.Unlock()

	fn(s.seg.Bytes(), bOff)
}

// Add inserts payload with the given TTL if no live element with the
// same bytes exists; if an expired entry is found it is evicted first
// (spec.md §4.5 "Set": "add(x, ttl) is put-if-absent with TTL refresh
// semantics when the prior entry was expired"). Returns true if the
// element was newly added.
func (s *Set) Add(payload []byte, ttlSeconds int32) (bool, error) {
	h := entry.FNV1a32(payload)
	idx := bucket.IndexForHash(h, s.bucketCount)

	var added bool
	var opErr error
	s.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateInChain(buf, bOff, h, payload)
		if found {
			if entry.IsAlive(buf, nodeOff, now) {
				added = false
				return
			}
			s.unlinkFromChain(buf, bOff, nodeOff, prevOff)
			colheader.AddElementCount(buf, s.headerOff, -1)
		}

		newOff, err := s.seg.Allocate(entry.NodeSize(uint32(len(payload))))
		if err != nil {
			added = false
			opErr = fmt.Errorf("shmset: add: %w", ErrAllocFailed)
			return
		}
		buf = s.seg.Bytes()
		entry.TryBeginWrite(buf, newOff)
		entry.InitTTL(buf, newOff, ttlSeconds, now)
		entry.WritePayload(buf, newOff, payload)
		entry.SetPrevOffset(buf, newOff, -1)
		entry.SetNextOffset(buf, newOff, bucket.HeadOffset(buf, bOff))
		entry.Publish(buf, newOff)

		bucket.SetHeadOffset(buf, bOff, newOff)
		bucket.AddCount(buf, bOff, 1)
		colheader.AddElementCount(buf, s.headerOff, 1)
		colheader.TouchModifiedAtNs(buf, s.headerOff, now)
		added = true
	})
	return added, opErr
}

// Contains reports whether a live element equal to payload is present.
// The scan takes no interprocess lock, only the segment's in-process
// read lock, and makes a single pass with no retry.
func (s *Set) Contains(payload []byte) (bool, error) {
	h := entry.FNV1a32(payload)
	idx := bucket.IndexForHash(h, s.bucketCount)

	s.seg.RLock()
	defer s.seg.RUnlock()

	buf := s.seg.Bytes()
	now := nowNs()
	bOff := s.bucketOffset(idx)
	cur := bucket.HeadOffset(buf, bOff)
	for cur != -1 {
		if entry.Hash(buf, cur) == h && entry.IsAlive(buf, cur, now) && bytesEqual(entry.Payload(buf, cur), payload) {
			return true, nil
		}
		cur = entry.NextOffset(buf, cur)
	}
	return false, nil
}

// Remove deletes payload if a live element exists. Returns true if removed.
func (s *Set) Remove(payload []byte) (bool, error) {
	h := entry.FNV1a32(payload)
	idx := bucket.IndexForHash(h, s.bucketCount)

	var removed bool
	s.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateInChain(buf, bOff, h, payload)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return
		}
		s.unlinkFromChain(buf, bOff, nodeOff, prevOff)
		colheader.AddElementCount(buf, s.headerOff, -1)
		colheader.TouchModifiedAtNs(buf, s.headerOff, now)
		removed = true
	})
	return removed, nil
}

// GetTTL returns the remaining TTL in seconds for payload, and whether
// a live element was found (spec.md §4.3 remaining_ttl_seconds semantics).
func (s *Set) GetTTL(payload []byte) (int64, bool, error) {
	h := entry.FNV1a32(payload)
	idx := bucket.IndexForHash(h, s.bucketCount)

	s.seg.RLock()
	defer s.seg.RUnlock()

	buf := s.seg.Bytes()
	now := nowNs()
	nodeOff, _, found := locateInChain(buf, s.bucketOffset(idx), h, payload)
	if !found || !entry.IsAlive(buf, nodeOff, now) {
		return 0, false, nil
	}
	return entry.RemainingTTLSeconds(buf, nodeOff, now), true, nil
}

// SetTTL updates the TTL of a live element equal to payload. Returns
// true if found and updated.
func (s *Set) SetTTL(payload []byte, ttlSeconds int32) (bool, error) {
	h := entry.FNV1a32(payload)
	idx := bucket.IndexForHash(h, s.bucketCount)

	var updated bool
	s.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, _, found := locateInChain(buf, bOff, h, payload)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return
		}
		entry.SetTTL(buf, nodeOff, ttlSeconds, now)
		updated = true
	})
	return updated, nil
}

// RemoveExpired sweeps every bucket, each under its own lock, physically
// unlinking currently-expired nodes, and returns the total removed.
func (s *Set) RemoveExpired() (int, error) {
	total := 0
	for idx := uint64(0); idx < s.bucketCount; idx++ {
		s.withBucketWrite(idx, func(buf []byte, bOff int64) {
			now := nowNs()
			prev := int64(-1)
			cur := bucket.HeadOffset(buf, bOff)
			for cur != -1 {
				next := entry.NextOffset(buf, cur)
				if entry.State(buf, cur) == entry.StateValid && !entry.IsAlive(buf, cur, now) {
					s.unlinkFromChain(buf, bOff, cur, prev)
					colheader.AddElementCount(buf, s.headerOff, -1)
					total++
					cur = next
					continue
				}
				prev = cur
				cur = next
			}
		})
	}
	return total, nil
}

// Size returns the live element count by scanning every bucket
// (spec.md §9 "Open question — size() cost": the public size is
// O(n) and live-accurate).
func (s *Set) Size() (int, error) {
	s.seg.RLock()
	defer s.seg.RUnlock()

	buf := s.seg.Bytes()
	now := nowNs()
	count := 0
	for idx := uint64(0); idx < s.bucketCount; idx++ {
		cur := bucket.HeadOffset(buf, s.bucketOffset(idx))
		for cur != -1 {
			if entry.IsAlive(buf, cur, now) {
				count++
			}
			cur = entry.NextOffset(buf, cur)
		}
	}
	return count, nil
}

// IsEmpty reports whether the set currently has zero live elements.
func (s *Set) IsEmpty() (bool, error) {
	n, err := s.Size()
	return n == 0, err
}

// Clear removes every element from every bucket.
func (s *Set) Clear() error {
	for idx := uint64(0); idx < s.bucketCount; idx++ {
		s.withBucketWrite(idx, func(buf []byte, bOff int64) {
			cur := bucket.HeadOffset(buf, bOff)
			for cur != -1 {
				next := entry.NextOffset(buf, cur)
				size := entry.NodeSize(entry.DataSize(buf, cur))
				entry.SetState(buf, cur, entry.StateDeleted)
				s.seg.Deallocate(cur, size)
				colheader.AddElementCount(buf, s.headerOff, -1)
				cur = next
			}
			bucket.SetHeadOffset(buf, bOff, -1)
			bucket.AddCount(buf, bOff, -int64(bucket.Count(buf, bOff)))
		})
	}
	return nil
}

// Stats returns a snapshot of the backing segment and header.
func (s *Set) Stats() (Stats, error) {
	s.seg.RLock()
	defer s.seg.RUnlock()

	buf := s.seg.Bytes()
	return Stats{
		TotalSize:    s.seg.TotalSize(),
		BucketCount:  s.bucketCount,
		ElementCount: colheader.ElementCount(buf, s.headerOff),
		CreatedAtNs:  colheader.CreatedAtNs(buf, s.headerOff),
		ModifiedAtNs: colheader.ModifiedAtNs(buf, s.headerOff),
	}, nil
}
