package shmmap

import (
	"github.com/arloesch/shmcollect/internal/bucket"
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

// locateKey walks bucket bOff's chain looking for a node whose hash and
// key match. Returns the node's offset, its physical predecessor's
// offset (-1 if head), and whether any match (live or not) was found.
func locateKey(buf []byte, bOff int64, h uint32, key []byte) (nodeOff, prevOff int64, found bool) {
	prevOff = -1
	cur := bucket.HeadOffset(buf, bOff)
	for cur != -1 {
		if entry.Hash(buf, cur) == h && bytesEqual(entry.Key(buf, cur), key) {
			return cur, prevOff, true
		}
		prevOff = cur
		cur = entry.NextOffset(buf, cur)
	}
	return -1, -1, false
}

func (m *Map) unlinkFromChain(buf []byte, bOff, nodeOff, prevOff int64) {
	next := entry.KVNextOffset(buf, nodeOff)
	if prevOff == -1 {
		bucket.SetHeadOffset(buf, bOff, next)
	} else {
		entry.KVSetNextOffset(buf, prevOff, next)
	}
	size := entry.KVSize(entry.KeySize(buf, nodeOff), entry.ValueSize(buf, nodeOff))
	entry.SetState(buf, nodeOff, entry.StateDeleted)
	m.seg.Deallocate(nodeOff, size)
	bucket.AddCount(buf, bOff, -1)
}

func (m *Map) withBucketWrite(idx uint64, fn func(buf []byte, bOff int64)) {
	bOff := m.bucketOffset(idx)
	bl := m.seg.BucketLock(bOff, bucket.Size)
	bl.Lock()
	defer bl.Unlock()

	m.seg.Lock()
	defer m.seg.Unlock()

	fn(m.seg.Bytes(), bOff)
}

func (m *Map) insertNew(buf []byte, bOff int64, key, value []byte, ttlSeconds int32, now int64) ([]byte, error) {
	newOff, err := m.seg.Allocate(entry.KVSize(uint32(len(key)), uint32(len(value))))
	if err != nil {
		return nil, ErrAllocFailed
	}
	buf = m.seg.Bytes()
	entry.TryBeginWrite(buf, newOff)
	entry.InitTTL(buf, newOff, ttlSeconds, now)
	entry.WriteKeyValue(buf, newOff, key, value)
	entry.KVSetPrevOffset(buf, newOff, -1)
	entry.KVSetNextOffset(buf, newOff, bucket.HeadOffset(buf, bOff))
	entry.Publish(buf, newOff)

	bucket.SetHeadOffset(buf, bOff, newOff)
	bucket.AddCount(buf, bOff, 1)
	colheader.AddElementCount(buf, m.headerOff, 1)
	colheader.TouchModifiedAtNs(buf, m.headerOff, now)
	return nil, nil
}

// Put inserts or updates key with value and ttlSeconds. A same-size
// value update happens in place (bucket lock held, version bumped);
// a differing-size update reallocates and splices (spec.md §4.5 "put").
func (m *Map) Put(key, value []byte, ttlSeconds int32) error {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	var opErr error
	m.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateKey(buf, bOff, h, key)
		if found {
			if entry.ValueSize(buf, nodeOff) == uint32(len(value)) {
				entry.WriteValue(buf, nodeOff, value)
				entry.SetTTL(buf, nodeOff, ttlSeconds, now)
				entry.BumpVersion(buf, nodeOff)
				colheader.TouchModifiedAtNs(buf, m.headerOff, now)
				return
			}
			m.unlinkFromChain(buf, bOff, nodeOff, prevOff)
			colheader.AddElementCount(buf, m.headerOff, -1)
		}
		_, opErr = m.insertNew(buf, bOff, key, value, ttlSeconds, now)
	})
	return opErr
}

// PutIfAbsent inserts key/value only if no live entry exists for key,
// first physically evicting an expired entry if present (spec.md §4.5
// "put_if_absent"). Returns true if inserted.
func (m *Map) PutIfAbsent(key, value []byte, ttlSeconds int32) (bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	var inserted bool
	var opErr error
	m.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateKey(buf, bOff, h, key)
		if found {
			if entry.IsAlive(buf, nodeOff, now) {
				inserted = false
				return
			}
			m.unlinkFromChain(buf, bOff, nodeOff, prevOff)
			colheader.AddElementCount(buf, m.headerOff, -1)
		}
		_, opErr = m.insertNew(buf, bOff, key, value, ttlSeconds, now)
		inserted = opErr == nil
	})
	return inserted, opErr
}

// Get performs the read-side optimistic scan described in the package
// doc, returning a copy of the value and whether a live match was found.
func (m *Map) Get(key []byte) ([]byte, bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)
	bOff := m.bucketOffset(idx)

	m.seg.RLock()
	defer m.seg.RUnlock()
	buf := m.seg.Bytes()

	for attempt := 0; attempt < readMaxRetries; attempt++ {
		now := nowNs()
		nodeOff, _, found := locateKey(buf, bOff, h, key)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return nil, false, nil
		}
		v1 := entry.Version(buf, nodeOff)
		value := append([]byte(nil), entry.Value(buf, nodeOff)...)
		v2 := entry.Version(buf, nodeOff)
		if v1 == v2 && entry.State(buf, nodeOff) == entry.StateValid {
			return value, true, nil
		}
		// Version moved mid-copy: a concurrent same-size update raced
		// this read. Retry (spec.md §4.5 "(b)").
	}
	return nil, false, nil
}

// Remove deletes key if a live entry exists. Returns true if removed.
func (m *Map) Remove(key []byte) (bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	var removed bool
	m.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateKey(buf, bOff, h, key)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return
		}
		m.unlinkFromChain(buf, bOff, nodeOff, prevOff)
		colheader.AddElementCount(buf, m.headerOff, -1)
		colheader.TouchModifiedAtNs(buf, m.headerOff, now)
		removed = true
	})
	return removed, nil
}

// RemoveIfValueMatches deletes key only if its current live value
// equals expectedValue. Returns true if removed.
func (m *Map) RemoveIfValueMatches(key, expectedValue []byte) (bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	var removed bool
	m.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateKey(buf, bOff, h, key)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return
		}
		if !bytesEqual(entry.Value(buf, nodeOff), expectedValue) {
			return
		}
		m.unlinkFromChain(buf, bOff, nodeOff, prevOff)
		colheader.AddElementCount(buf, m.headerOff, -1)
		colheader.TouchModifiedAtNs(buf, m.headerOff, now)
		removed = true
	})
	return removed, nil
}

// Replace updates key's value/TTL only if a live entry already exists
// (spec.md §4.5 "replace ... semantics mirror put"). Returns true if replaced.
func (m *Map) Replace(key, value []byte, ttlSeconds int32) (bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	var replaced bool
	var opErr error
	m.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateKey(buf, bOff, h, key)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return
		}
		if entry.ValueSize(buf, nodeOff) == uint32(len(value)) {
			entry.WriteValue(buf, nodeOff, value)
			entry.SetTTL(buf, nodeOff, ttlSeconds, now)
			entry.BumpVersion(buf, nodeOff)
			colheader.TouchModifiedAtNs(buf, m.headerOff, now)
			replaced = true
			return
		}
		m.unlinkFromChain(buf, bOff, nodeOff, prevOff)
		colheader.AddElementCount(buf, m.headerOff, -1)
		_, opErr = m.insertNew(buf, bOff, key, value, ttlSeconds, now)
		replaced = opErr == nil
	})
	return replaced, opErr
}

// ReplaceIfValueMatches replaces key's value only if its current live
// value equals oldValue. Returns true if replaced.
func (m *Map) ReplaceIfValueMatches(key, oldValue, newValue []byte, ttlSeconds int32) (bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	var replaced bool
	var opErr error
	m.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, prevOff, found := locateKey(buf, bOff, h, key)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return
		}
		if !bytesEqual(entry.Value(buf, nodeOff), oldValue) {
			return
		}
		if entry.ValueSize(buf, nodeOff) == uint32(len(newValue)) {
			entry.WriteValue(buf, nodeOff, newValue)
			entry.SetTTL(buf, nodeOff, ttlSeconds, now)
			entry.BumpVersion(buf, nodeOff)
			colheader.TouchModifiedAtNs(buf, m.headerOff, now)
			replaced = true
			return
		}
		m.unlinkFromChain(buf, bOff, nodeOff, prevOff)
		colheader.AddElementCount(buf, m.headerOff, -1)
		_, opErr = m.insertNew(buf, bOff, key, newValue, ttlSeconds, now)
		replaced = opErr == nil
	})
	return replaced, opErr
}

// ContainsKey reports whether a live entry for key exists.
func (m *Map) ContainsKey(key []byte) (bool, error) {
	_, found, err := m.Get(key)
	return found, err
}

// ContainsValue reports whether any live entry has this value. O(n)
// (spec.md §4.5 "contains_value is O(n)").
func (m *Map) ContainsValue(value []byte) (bool, error) {
	m.seg.RLock()
	defer m.seg.RUnlock()

	buf := m.seg.Bytes()
	now := nowNs()
	for idx := uint64(0); idx < m.bucketCount; idx++ {
		cur := bucket.HeadOffset(buf, m.bucketOffset(idx))
		for cur != -1 {
			if entry.IsAlive(buf, cur, now) && bytesEqual(entry.Value(buf, cur), value) {
				return true, nil
			}
			cur = entry.KVNextOffset(buf, cur)
		}
	}
	return false, nil
}

// GetTTL returns the remaining TTL in seconds for key, and whether a
// live entry was found.
func (m *Map) GetTTL(key []byte) (int64, bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	m.seg.RLock()
	defer m.seg.RUnlock()

	buf := m.seg.Bytes()
	now := nowNs()
	nodeOff, _, found := locateKey(buf, m.bucketOffset(idx), h, key)
	if !found || !entry.IsAlive(buf, nodeOff, now) {
		return 0, false, nil
	}
	return entry.RemainingTTLSeconds(buf, nodeOff, now), true, nil
}

// SetTTL updates the TTL of a live entry for key. Returns true if found.
func (m *Map) SetTTL(key []byte, ttlSeconds int32) (bool, error) {
	h := entry.FNV1a32(key)
	idx := bucket.IndexForHash(h, m.bucketCount)

	var updated bool
	m.withBucketWrite(idx, func(buf []byte, bOff int64) {
		now := nowNs()
		nodeOff, _, found := locateKey(buf, bOff, h, key)
		if !found || !entry.IsAlive(buf, nodeOff, now) {
			return
		}
		entry.SetTTL(buf, nodeOff, ttlSeconds, now)
		updated = true
	})
	return updated, nil
}

// RemoveExpired sweeps every bucket, each under its own lock, and
// returns the total number of expired entries physically removed.
func (m *Map) RemoveExpired() (int, error) {
	total := 0
	for idx := uint64(0); idx < m.bucketCount; idx++ {
		m.withBucketWrite(idx, func(buf []byte, bOff int64) {
			now := nowNs()
			prev := int64(-1)
			cur := bucket.HeadOffset(buf, bOff)
			for cur != -1 {
				next := entry.KVNextOffset(buf, cur)
				if entry.State(buf, cur) == entry.StateValid && !entry.IsAlive(buf, cur, now) {
					m.unlinkFromChain(buf, bOff, cur, prev)
					colheader.AddElementCount(buf, m.headerOff, -1)
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

// Size returns the live element count by scanning every bucket.
func (m *Map) Size() (int, error) {
	m.seg.RLock()
	defer m.seg.RUnlock()

	buf := m.seg.Bytes()
	now := nowNs()
	count := 0
	for idx := uint64(0); idx < m.bucketCount; idx++ {
		cur := bucket.HeadOffset(buf, m.bucketOffset(idx))
		for cur != -1 {
			if entry.IsAlive(buf, cur, now) {
				count++
			}
			cur = entry.KVNextOffset(buf, cur)
		}
	}
	return count, nil
}

// IsEmpty reports whether the map currently has zero live entries.
func (m *Map) IsEmpty() (bool, error) {
	n, err := m.Size()
	return n == 0, err
}

// Clear removes every entry from every bucket.
func (m *Map) Clear() error {
	for idx := uint64(0); idx < m.bucketCount; idx++ {
		m.withBucketWrite(idx, func(buf []byte, bOff int64) {
			cur := bucket.HeadOffset(buf, bOff)
			for cur != -1 {
				next := entry.KVNextOffset(buf, cur)
				size := entry.KVSize(entry.KeySize(buf, cur), entry.ValueSize(buf, cur))
				entry.SetState(buf, cur, entry.StateDeleted)
				m.seg.Deallocate(cur, size)
				colheader.AddElementCount(buf, m.headerOff, -1)
				cur = next
			}
			bucket.SetHeadOffset(buf, bOff, -1)
			bucket.AddCount(buf, bOff, -int64(bucket.Count(buf, bOff)))
		})
	}
	return nil
}

// Stats returns a snapshot of the backing segment and header.
func (m *Map) Stats() (Stats, error) {
	m.seg.RLock()
	defer m.seg.RUnlock()

	buf := m.seg.Bytes()
	return Stats{
		TotalSize:    m.seg.TotalSize(),
		BucketCount:  m.bucketCount,
		ElementCount: colheader.ElementCount(buf, m.headerOff),
		CreatedAtNs:  colheader.CreatedAtNs(buf, m.headerOff),
		ModifiedAtNs: colheader.ModifiedAtNs(buf, m.headerOff),
	}, nil
}
