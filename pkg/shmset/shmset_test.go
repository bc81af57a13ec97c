package shmset

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Set {
	t.Helper()
	path := filepath.Join(t.TempDir(), "set.bin")
	s, err := Open(Options{Path: path, CreateNew: true, InitialSizeBytes: 1 << 20, BucketCount: 64})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddContainsRemove(t *testing.T) {
	s := open(t)

	added, err := s.Add([]byte("id-1"), -1)
	require.NoError(t, err)
	require.True(t, added)

	ok, err := s.Contains([]byte("id-1"))
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := s.Remove([]byte("id-1"))
	require.NoError(t, err)
	require.True(t, removed)

	ok, err = s.Contains([]byte("id-1"))
	require.NoError(t, err)
	require.False(t, ok)
}

// S5: Set deduplication across TTL expiry.
func TestSetDedupScenario(t *testing.T) {
	s := open(t)

	added, err := s.Add([]byte("id-1"), 1)
	require.NoError(t, err)
	require.True(t, added)

	added, err = s.Add([]byte("id-1"), 1)
	require.NoError(t, err)
	require.False(t, added)

	ok, err := s.Contains([]byte("id-1"))
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	ok, err = s.Contains([]byte("id-1"))
	require.NoError(t, err)
	require.False(t, ok)

	added, err = s.Add([]byte("id-1"), 60)
	require.NoError(t, err)
	require.True(t, added)
}

func TestSetTTLAndGetTTL(t *testing.T) {
	s := open(t)
	_, err := s.Add([]byte("x"), -1)
	require.NoError(t, err)

	ttl, found, err := s.GetTTL([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, -1, ttl)

	ok, err := s.SetTTL([]byte("x"), 30)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, found, err = s.GetTTL([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.LessOrEqual(t, ttl, int64(30))
	require.GreaterOrEqual(t, ttl, int64(29))
}

func TestRemoveExpiredSweepsAllBuckets(t *testing.T) {
	s := open(t)
	for i := 0; i < 50; i++ {
		_, err := s.Add([]byte(fmt.Sprintf("key-%d", i)), 0)
		require.NoError(t, err)
	}
	_, err := s.Add([]byte("permanent"), -1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := s.RemoveExpired()
	require.NoError(t, err)
	require.Equal(t, 50, n)

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestClearEmptiesSet(t *testing.T) {
	s := open(t)
	for i := 0; i < 20; i++ {
		_, err := s.Add([]byte(fmt.Sprintf("k%d", i)), -1)
		require.NoError(t, err)
	}
	require.NoError(t, s.Clear())
	n, err := s.Size()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentAddDifferentKeysNoLostUpdates(t *testing.T) {
	s := open(t)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Add([]byte(fmt.Sprintf("key-%d", i)), -1)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, n, size)
}

func TestRejectsNonPowerOfTwoBucketCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	_, err := Open(Options{Path: path, CreateNew: true, BucketCount: 100})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "set.bin")
	s, err := Open(Options{Path: path, CreateNew: true, BucketCount: 16})
	require.NoError(t, err)
	_, err = s.Add([]byte("a"), -1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	ok, err := reopened.Contains([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
}
