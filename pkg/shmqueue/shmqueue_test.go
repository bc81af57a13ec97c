package shmqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.bin")
	q, err := Open(Options{Path: path, CreateNew: true, InitialSizeBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestOfferBackPollFrontFIFO(t *testing.T) {
	q := open(t)
	require.NoError(t, q.OfferBack([]byte("a"), -1))
	require.NoError(t, q.OfferBack([]byte("b"), -1))
	require.NoError(t, q.OfferBack([]byte("c"), -1))

	v, found, err := q.PollFront()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a"), v)

	v, found, err = q.PollFront()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("b"), v)
}

func TestOfferFrontOrdering(t *testing.T) {
	q := open(t)
	require.NoError(t, q.OfferBack([]byte("b"), -1))
	require.NoError(t, q.OfferFront([]byte("a"), -1))

	v, _, err := q.PollFront()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)
}

func TestPollBackSymmetric(t *testing.T) {
	q := open(t)
	require.NoError(t, q.OfferBack([]byte("a"), -1))
	require.NoError(t, q.OfferBack([]byte("b"), -1))

	v, found, err := q.PollBack()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("b"), v)
}

func TestPollEmptyReturnsNotFound(t *testing.T) {
	q := open(t)
	_, found, err := q.PollFront()
	require.NoError(t, err)
	require.False(t, found)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := open(t)
	require.NoError(t, q.OfferBack([]byte("a"), -1))

	v, found, err := q.PeekFront()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a"), v)

	size, err := q.Size()
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

// S4: Queue skip-expired front.
func TestQueueSkipsExpiredAtFrontScenario(t *testing.T) {
	q := open(t)
	require.NoError(t, q.OfferBack([]byte("expired-1"), 0))
	require.NoError(t, q.OfferBack([]byte("expired-2"), 0))
	require.NoError(t, q.OfferBack([]byte("alive"), -1))
	time.Sleep(5 * time.Millisecond)

	v, found, err := q.PollFront()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("alive"), v)
}

func TestPollWithTimeoutReturnsFalseOnDeadline(t *testing.T) {
	q := open(t)
	start := time.Now()
	_, found, err := q.PollWithTimeout(20)
	require.NoError(t, err)
	require.False(t, found)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPollWithTimeoutFindsLateArrival(t *testing.T) {
	q := open(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.OfferBack([]byte("late"), -1)
	}()
	v, found, err := q.PollWithTimeout(500)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("late"), v)
}

func TestTakeBlocksUntilOffered(t *testing.T) {
	q := open(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.OfferBack([]byte("x"), -1)
	}()
	v, err := q.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("x"), v)
}

func TestContainsAndRemoveFirstMatching(t *testing.T) {
	q := open(t)
	require.NoError(t, q.OfferBack([]byte("a"), -1))
	require.NoError(t, q.OfferBack([]byte("b"), -1))

	ok, err := q.Contains([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := q.RemoveFirstMatching([]byte("a"))
	require.NoError(t, err)
	require.True(t, removed)

	size, err := q.Size()
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestDrainInto(t *testing.T) {
	q := open(t)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, q.OfferBack([]byte(p), -1))
	}
	var drained [][]byte
	n, err := q.DrainInto(func(b []byte) bool {
		drained = append(drained, b)
		return true
	}, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, drained)
}

func TestRemoveExpiredAndClear(t *testing.T) {
	q := open(t)
	require.NoError(t, q.OfferBack([]byte("a"), 0))
	require.NoError(t, q.OfferBack([]byte("b"), -1))
	time.Sleep(5 * time.Millisecond)

	n, err := q.RemoveExpired()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, q.Clear())
	empty, err := q.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.bin")
	q, err := Open(Options{Path: path, CreateNew: true})
	require.NoError(t, err)
	require.NoError(t, q.OfferBack([]byte("a"), -1))
	require.NoError(t, q.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	v, found, err := reopened.PollFront()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a"), v)
}
