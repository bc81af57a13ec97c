package segment

import (
	"fmt"

	"github.com/arloesch/shmcollect/internal/atomicmem"
)

// FindOrConstruct returns the offset of the named record, allocating and
// running init over a fresh size-byte block on first use (spec.md §4.1).
//
// Precondition: called only during a collection's Open path, before the
// Segment is shared across goroutines, so no locking is performed here.
// This mirrors how the teacher's slotcache stamps its header/bucket
// array once at creation time.
func (s *Segment) FindOrConstruct(name string, size uint32, init func(buf []byte, off int64)) (int64, error) {
	if len(name) == 0 || len(name) > dirNameLen {
		return 0, fmt.Errorf("segment: directory name %q exceeds %d bytes", name, dirNameLen)
	}

	count := int(atomicmem.LoadU32(s.data, offDirectoryCount))
	for i := 0; i < count; i++ {
		slot := DirectoryOffset + i*dirSlotSize
		if directorySlotName(s.data, slot) == name {
			return int64(atomicmem.LoadU64(s.data, slot+dirSlotOffOffset)), nil
		}
	}

	if count >= maxDirectorySlots {
		return 0, fmt.Errorf("segment: directory full (%d slots)", maxDirectorySlots)
	}

	off, err := s.Allocate(size)
	if err != nil {
		return 0, err
	}

	if init != nil {
		init(s.data, off)
	}

	slot := DirectoryOffset + count*dirSlotSize
	copy(s.data[slot+dirSlotOffName:slot+dirSlotOffName+dirNameLen], []byte(name))
	atomicmem.StoreU64(s.data, slot+dirSlotOffOffset, uint64(off))
	atomicmem.StoreU64(s.data, slot+dirSlotOffLength, uint64(size))
	atomicmem.StoreU32(s.data, offDirectoryCount, uint32(count+1))

	return off, nil
}

// Lookup returns the offset and length of an existing named record.
func (s *Segment) Lookup(name string) (off int64, length int64, ok bool) {
	count := int(atomicmem.LoadU32(s.data, offDirectoryCount))
	for i := 0; i < count; i++ {
		slot := DirectoryOffset + i*dirSlotSize
		if directorySlotName(s.data, slot) == name {
			return int64(atomicmem.LoadU64(s.data, slot+dirSlotOffOffset)),
				int64(atomicmem.LoadU64(s.data, slot+dirSlotOffLength)), true
		}
	}
	return 0, 0, false
}

func directorySlotName(buf []byte, slot int) string {
	raw := buf[slot+dirSlotOffName : slot+dirSlotOffName+dirNameLen]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}
