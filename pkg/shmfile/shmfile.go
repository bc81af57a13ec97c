// Package shmfile provides the file-level utilities and process-wide
// init/teardown pair described in spec.md §6.3-6.4, shared by all five
// collection engines: deleting a collection's backing file, validating
// one without opening it for business, and snapshotting its stats.
package shmfile

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/arloesch/shmcollect/internal/collerr"
	"github.com/arloesch/shmcollect/internal/colheader"
	"github.com/arloesch/shmcollect/internal/segment"
)

// Re-exported sentinel errors, per spec.md §7.
var (
	ErrFileError = collerr.ErrFileError
	ErrFormat    = collerr.ErrFormat
)

const headerName = "header"

// Stats is the snapshot returned by [Stats] (spec.md §6.4).
type Stats struct {
	TotalSize    int64
	Used         int64
	Free         int64
	ElementCount uint64
	CreatedAtNs  int64
	ModifiedAtNs int64
}

var initialized atomic.Bool

// Init marks the library as initialized. Spec.md §6.3: "a library
// init/teardown pair exists but sets only a boolean; no global
// resources beyond the open file." Collections may be opened without
// calling Init; it exists for callers that want an explicit lifecycle
// marker across multiple collections in one process.
func Init() {
	initialized.Store(true)
}

// Teardown clears the flag set by [Init].
func Teardown() {
	initialized.Store(false)
}

// Initialized reports whether [Init] has been called since the last
// [Teardown] (or process start).
func Initialized() bool {
	return initialized.Load()
}

// Delete unlinks path's backing file and associated OS resources.
// It is not an error for the file to already be absent.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmfile: delete: %w: %w", ErrFileError, err)
	}
	return nil
}

// IsValid opens path, checks the stored collection header's magic and
// version, and closes it again, without exposing any collection
// operations (spec.md §6.4 "IsValid(path)").
func IsValid(path string) (bool, error) {
	seg, headerOff, err := openForInspection(path)
	if err != nil {
		return false, nil
	}
	defer seg.Close()

	if err := colheader.ValidateCommon(seg.Bytes(), headerOff); err != nil {
		return false, nil
	}
	return true, nil
}

// Stats opens path read-write just long enough to snapshot its header
// and allocator bookkeeping (spec.md §6.4 "Stats(path)").
func Stats(path string) (Stats, error) {
	seg, headerOff, err := openForInspection(path)
	if err != nil {
		return Stats{}, err
	}
	defer seg.Close()

	seg.RLock()
	defer seg.RUnlock()

	if err := colheader.ValidateCommon(seg.Bytes(), headerOff); err != nil {
		return Stats{}, fmt.Errorf("shmfile: stats: %w", ErrFormat)
	}

	buf := seg.Bytes()
	total := seg.TotalSize()
	used := seg.UsedBytes()
	return Stats{
		TotalSize:    total,
		Used:         used,
		Free:         total - used,
		ElementCount: colheader.ElementCount(buf, headerOff),
		CreatedAtNs:  colheader.CreatedAtNs(buf, headerOff),
		ModifiedAtNs: colheader.ModifiedAtNs(buf, headerOff),
	}, nil
}

func openForInspection(path string) (*segment.Segment, int64, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, 0, fmt.Errorf("shmfile: %w: %w", ErrFileError, err)
	}

	seg, err := segment.Open(segment.Options{Path: path})
	if err != nil {
		return nil, 0, mapSegmentErr(err)
	}

	seg.RLock()
	headerOff, _, ok := seg.Lookup(headerName)
	seg.RUnlock()
	if !ok {
		seg.Close()
		return nil, 0, fmt.Errorf("shmfile: %w: no header record", ErrFormat)
	}
	return seg, headerOff, nil
}

func mapSegmentErr(err error) error {
	switch {
	case errors.Is(err, segment.ErrFormat):
		return fmt.Errorf("shmfile: %w", ErrFormat)
	default:
		return fmt.Errorf("shmfile: %w", ErrFileError)
	}
}
