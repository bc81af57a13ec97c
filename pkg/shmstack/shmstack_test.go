package shmstack

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Stack {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.bin")
	st, err := Open(Options{Path: path, CreateNew: true, InitialSizeBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPushPopLIFO(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Push([]byte("a"), -1))
	require.NoError(t, st.Push([]byte("b"), -1))
	require.NoError(t, st.Push([]byte("c"), -1))

	v, found, err := st.Pop()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("c"), v)

	v, found, err = st.Pop()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("b"), v)
}

func TestPopEmptyReturnsNotFound(t *testing.T) {
	st := open(t)
	_, found, err := st.Pop()
	require.NoError(t, err)
	require.False(t, found)
}

func TestPeekDoesNotRemove(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Push([]byte("a"), -1))

	v, found, err := st.Peek()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a"), v)

	size, err := st.Size()
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

// S3: Stack LIFO across restart.
func TestStackPersistenceAcrossReopenScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.bin")
	st, err := Open(Options{Path: path, CreateNew: true})
	require.NoError(t, err)
	require.NoError(t, st.Push([]byte("a"), -1))
	require.NoError(t, st.Push([]byte("b"), -1))
	require.NoError(t, st.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	v, found, err := reopened.Pop()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("b"), v)
}

func TestPopSkipsExpiredAtTop(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Push([]byte("alive"), -1))
	require.NoError(t, st.Push([]byte("expired-1"), 0))
	require.NoError(t, st.Push([]byte("expired-2"), 0))
	time.Sleep(5 * time.Millisecond)

	v, found, err := st.Pop()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("alive"), v)

	_, found, err = st.Pop()
	require.NoError(t, err)
	require.False(t, found)
}

func TestSearch(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Push([]byte("a"), -1))
	require.NoError(t, st.Push([]byte("b"), -1))
	require.NoError(t, st.Push([]byte("c"), -1))

	dist, err := st.Search([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, 1, dist)

	dist, err = st.Search([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, 3, dist)

	dist, err = st.Search([]byte("missing"))
	require.NoError(t, err)
	require.Equal(t, -1, dist)
}

func TestRemoveSpecific(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Push([]byte("a"), -1))
	require.NoError(t, st.Push([]byte("b"), -1))
	require.NoError(t, st.Push([]byte("c"), -1))

	removed, err := st.RemoveSpecific([]byte("b"))
	require.NoError(t, err)
	require.True(t, removed)

	size, err := st.Size()
	require.NoError(t, err)
	require.Equal(t, 2, size)

	dist, err := st.Search([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, -1, dist)
}

func TestGetTTLAndSetTTL(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Push([]byte("x"), -1))

	ttl, found, err := st.GetTTL([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, -1, ttl)

	ok, err := st.SetTTL([]byte("x"), 30)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, found, err = st.GetTTL([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.LessOrEqual(t, ttl, int64(30))
}

func TestRemoveExpiredAndClear(t *testing.T) {
	st := open(t)
	require.NoError(t, st.Push([]byte("a"), 0))
	require.NoError(t, st.Push([]byte("b"), -1))
	time.Sleep(5 * time.Millisecond)

	n, err := st.RemoveExpired()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, st.Clear())
	empty, err := st.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

// I8: concurrent pushes and pops preserve exactly-once delivery.
func TestConcurrentPushPopExactlyOnce(t *testing.T) {
	st := open(t)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, st.Push([]byte(fmt.Sprintf("v-%d", i)), -1))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var mu sync.Mutex
	var popWg sync.WaitGroup
	for i := 0; i < n; i++ {
		popWg.Add(1)
		go func() {
			defer popWg.Done()
			v, found, err := st.Pop()
			require.NoError(t, err)
			require.True(t, found)
			mu.Lock()
			seen[string(v)] = true
			mu.Unlock()
		}()
	}
	popWg.Wait()

	require.Len(t, seen, n)
	_, found, err := st.Pop()
	require.NoError(t, err)
	require.False(t, found)
}
