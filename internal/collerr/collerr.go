// Package collerr holds the sentinel error kinds shared by every
// collection engine package, per spec.md §7 ("Error kinds (semantic,
// not type-named)"). Engines wrap these with fmt.Errorf("...: %w", ...)
// at call sites; callers classify with errors.Is.
package collerr

import "errors"

var (
	// ErrNotFound indicates the requested key/index/element is absent
	// or expired.
	ErrNotFound = errors.New("shmcollect: not found")

	// ErrOutOfBounds indicates a negative index or one beyond the live size.
	ErrOutOfBounds = errors.New("shmcollect: index out of bounds")

	// ErrEmpty indicates an operation that requires a non-empty collection
	// was attempted on an empty one.
	ErrEmpty = errors.New("shmcollect: collection is empty")

	// ErrAllocFailed indicates allocation failed even after growth.
	ErrAllocFailed = errors.New("shmcollect: allocation failed")

	// ErrFileError indicates open/create/grow/flush failed.
	ErrFileError = errors.New("shmcollect: file error")

	// ErrFormat indicates a magic/version mismatch when opening a file.
	ErrFormat = errors.New("shmcollect: format mismatch")

	// ErrInvalidArgument indicates a nil/zero-size buffer where one was required,
	// or an out-of-range configuration value (e.g. a non-power-of-two bucket count).
	ErrInvalidArgument = errors.New("shmcollect: invalid argument")

	// ErrClosed indicates the collection has already been closed.
	ErrClosed = errors.New("shmcollect: closed")
)
