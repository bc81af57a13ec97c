package ipclock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTempFile(t *testing.T) int {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lock.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func TestHeaderExclusiveExcludesShared(t *testing.T) {
	fd := openTempFile(t)
	h := NewHeader(fd)

	require.NoError(t, h.Lock())

	fd2 := dup(t, fd)
	h2 := NewHeader(fd2)
	ok, err := h2.TryLock()
	require.NoError(t, err)
	require.False(t, ok, "exclusive lock must block a second exclusive attempt")

	require.NoError(t, h.Unlock())

	ok, err = h2.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h2.Unlock())
}

func TestHeaderTryLockNonBlocking(t *testing.T) {
	fd := openTempFile(t)
	h := NewHeader(fd)
	require.NoError(t, h.Lock())

	done := make(chan bool, 1)
	go func() {
		fd2 := dup(t, fd)
		h2 := NewHeader(fd2)
		ok, err := h2.TryLock()
		require.NoError(t, err)
		done <- ok
	}()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("TryLock blocked")
	}

	require.NoError(t, h.Unlock())
}

func TestBucketLocksScopedToByteRange(t *testing.T) {
	fd := openTempFile(t)

	lockA := NewBucketLock(fd, 0, 64)
	lockB := NewBucketLock(fd, 64, 64)

	require.NoError(t, lockA.Lock())
	defer lockA.Unlock()

	// A lock on a disjoint byte range must not block. fcntl record locks
	// held by one process never conflict with each other, so within this
	// single test process the check only shows that Lock returns promptly.
	done := make(chan struct{})
	go func() {
		require.NoError(t, lockB.Lock())
		require.NoError(t, lockB.Unlock())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disjoint bucket lock unexpectedly blocked")
	}
}

// dup reopens path to get a distinct open file description over the same
// file. flock(2) locks belong to the open file description, not the
// process, so a second open (even in the same test process) contends
// exactly like a second process would.
func dup(t *testing.T, fd int) int {
	t.Helper()
	path, err := os.Readlink(filepath.Join("/proc/self/fd", itoa(fd)))
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
