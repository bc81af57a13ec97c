package segment

// Segment super-header layout (SPEC_FULL.md §3). Every collection file
// begins with this 64-byte record, independent of collection kind.
const (
	SuperHeaderSize = 64

	offMagic           = 0x00 // [4]byte "SEG1"
	offVersion         = 0x04 // uint32
	offTotalSize       = 0x08 // uint64 atomic
	offFreeOffset      = 0x10 // uint64 atomic
	offDirectoryOffset = 0x18 // uint64 constant = DirectoryOffset
	offDirectoryCount  = 0x20 // uint32 atomic
	offDirectoryCap    = 0x24 // uint32 constant = maxDirectorySlots
	// 0x28..0x40 reserved.

	magicValue   = "SEG1"
	formatVer    = 1
	magicVersion = formatVer
)

// Named-object directory (SPEC_FULL.md §3).
const (
	DirectoryOffset   = SuperHeaderSize // 64
	maxDirectorySlots = 16
	dirSlotSize       = 40 // name[24] + offset int64 + length int64
	dirNameLen        = 24

	dirSlotOffName   = 0
	dirSlotOffOffset = 24
	dirSlotOffLength = 32
)

// DirectoryEnd is the first byte past the fixed directory table.
const DirectoryEnd = DirectoryOffset + maxDirectorySlots*dirSlotSize // 704

// Free-list table (SPEC_FULL.md §3): one atomic int64 head-of-chain slot
// per 64-byte size class. Class 0 is the catch-all for blocks too large
// to fit the 1..255 per-64-byte classing.
const (
	FreeListOffset = DirectoryEnd // 704
	freeListClasses = 256
	freeListSlotSize = 8
	// FreeListEnd is the first byte of the allocation arena.
	FreeListEnd = FreeListOffset + freeListClasses*freeListSlotSize // 704 + 2048 = 2752

	// AllocClassShift: block sizes are always 64-byte aligned multiples;
	// class index = size/64, clamped to [1, freeListClasses-1] with 0
	// reserved as the large/catch-all class.
	AllocClassShift = 6 // 64 = 1<<6

	sizeClassNone int64 = -1
)

// classForSize returns the free-list class for a 64-byte-aligned size.
// Sizes that don't fit in classes 1..255 fall into the catch-all class 0.
func classForSize(size uint32) int {
	c := int(size >> AllocClassShift)
	if c <= 0 || c >= freeListClasses {
		return 0
	}
	return c
}

// Align64 rounds x up to the next multiple of 64, the record alignment
// every Node/KeyValue/Entry uses (spec.md §3.1, §4.2).
func Align64(x uint32) uint32 { return (x + 63) &^ 63 }
