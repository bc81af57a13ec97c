package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndValidatesSuperHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.bin")

	seg, err := Open(Options{Path: path, InitialSize: 1 << 16, CreateNew: true})
	require.NoError(t, err)
	defer seg.Close()

	seg.RLock()
	defer seg.RUnlock()

	require.Equal(t, magicValue, string(seg.Bytes()[offMagic:offMagic+4]))
	require.EqualValues(t, magicVersion, seg.Bytes()[offVersion])
}

func TestReopenExistingFilePreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.bin")

	seg, err := Open(Options{Path: path, InitialSize: 1 << 16, CreateNew: true})
	require.NoError(t, err)

	seg.Lock()
	off, err := seg.Allocate(128)
	require.NoError(t, err)
	seg.Bytes()[off] = 0xAB
	seg.Unlock()
	require.NoError(t, seg.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	reopened.RLock()
	defer reopened.RUnlock()
	require.Equal(t, byte(0xAB), reopened.Bytes()[off])
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, createFile(path, int64(FreeListEnd)+4096))

	seg, err := Open(Options{Path: path})
	require.NoError(t, err)
	seg.Lock()
	copy(seg.Bytes()[offMagic:], "XXXX")
	seg.Unlock()
	require.NoError(t, seg.Close())

	_, err = Open(Options{Path: path})
	require.ErrorIs(t, err, ErrFormat)
}

func TestAllocateGrowsWhenExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.bin")
	seg, err := Open(Options{Path: path, InitialSize: int64(FreeListEnd) + 256, CreateNew: true})
	require.NoError(t, err)
	defer seg.Close()

	seg.Lock()
	defer seg.Unlock()

	var last int64
	for i := 0; i < 1000; i++ {
		off, err := seg.Allocate(64)
		require.NoError(t, err)
		last = off
	}
	require.Greater(t, last, int64(FreeListEnd))
	require.Greater(t, seg.TotalSize(), int64(FreeListEnd)+256)
}

func TestAllocateDeallocateReusesFreeList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reuse.bin")
	seg, err := Open(Options{Path: path, InitialSize: 1 << 16, CreateNew: true})
	require.NoError(t, err)
	defer seg.Close()

	seg.Lock()
	defer seg.Unlock()

	a, err := seg.Allocate(128)
	require.NoError(t, err)
	seg.Deallocate(a, 128)

	b, err := seg.Allocate(128)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestFindOrConstructIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.bin")
	seg, err := Open(Options{Path: path, InitialSize: 1 << 16, CreateNew: true})
	require.NoError(t, err)
	defer seg.Close()

	off1, err := seg.FindOrConstruct("header", 64, func(buf []byte, off int64) {
		buf[off] = 0x42
	})
	require.NoError(t, err)

	off2, err := seg.FindOrConstruct("header", 64, func(buf []byte, off int64) {
		t.Fatal("init must not run twice")
	})
	require.NoError(t, err)
	require.Equal(t, off1, off2)

	got, length, ok := seg.Lookup("header")
	require.True(t, ok)
	require.Equal(t, off1, got)
	require.EqualValues(t, 64, length)
}
