package shmseq

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Sequence {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seq.bin")
	s, err := Open(Options{Path: path, CreateNew: true, InitialSizeBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPushTailGetAt(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("a"), -1))
	require.NoError(t, s.PushTail([]byte("b"), -1))

	v, ok, err := s.GetAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)

	v, ok, err = s.GetAt(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), v)
}

func TestPushHeadOrdering(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushHead([]byte("b"), -1))
	require.NoError(t, s.PushHead([]byte("a"), -1))

	v, ok, err := s.GetAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)
}

// B1: get_at(-1), get_at(size()) ⇒ NotFound (reported as found=false, no error).
func TestGetAtBoundary(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("only"), -1))

	_, ok, err := s.GetAt(-1)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.GetAt(1)
	require.NoError(t, err)
	require.False(t, ok)
}

// R1: add(b); get_at(size-1) == b.
func TestRoundTripPushTailThenGetLast(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("x"), -1))
	require.NoError(t, s.PushTail([]byte("y"), -1))
	require.NoError(t, s.PushTail([]byte("z"), -1))

	n, err := s.Size()
	require.NoError(t, err)
	v, ok, err := s.GetAt(n - 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("z"), v)
}

// R2: add(b); set_ttl(i, t); get_ttl(i) ∈ [t-1, t].
func TestSetTTLThenGetTTL(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("x"), -1))
	require.NoError(t, s.SetTTL(0, 30))

	ttl, err := s.GetTTL(0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, ttl, int64(29))
	require.LessOrEqual(t, ttl, int64(30))
}

// R4: clear (via RemoveAt draining); size == 0.
func TestRemoveAtDrainsToEmpty(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("a"), -1))
	require.NoError(t, s.PushTail([]byte("b"), -1))

	_, removed, err := s.RemoveAt(0)
	require.NoError(t, err)
	require.True(t, removed)
	_, removed, err = s.RemoveAt(0)
	require.NoError(t, err)
	require.True(t, removed)

	n, err := s.Size()
	require.NoError(t, err)
	require.Zero(t, n)

	empty, err := s.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

// R5: remove_expired(); remove_expired() == 0 (second call a no-op).
func TestRemoveExpiredSecondCallNoOp(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("temp"), 0))
	require.NoError(t, s.PushTail([]byte("perm"), -1))
	time.Sleep(5 * time.Millisecond)

	n, err := s.RemoveExpired()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.RemoveExpired()
	require.NoError(t, err)
	require.Zero(t, n)
}

// S1: Sequence TTL expiry.
func TestSequenceTTLExpiryScenario(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("permanent"), -1))
	require.NoError(t, s.PushTail([]byte("temp"), 1))

	n, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	time.Sleep(1100 * time.Millisecond)

	n, err = s.Size()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	v, ok, err := s.GetAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("permanent"), v)

	removed, err := s.RemoveExpired()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestInsertAtMiddle(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("a"), -1))
	require.NoError(t, s.PushTail([]byte("c"), -1))
	require.NoError(t, s.InsertAt(1, []byte("b"), -1))

	for i, want := range []string{"a", "b", "c"} {
		v, ok, err := s.GetAt(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, string(v))
	}
}

func TestInsertAtOutOfBounds(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("a"), -1))
	err := s.InsertAt(5, []byte("x"), -1)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestSetAtSameSizeAndDifferentSize(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("aaa"), -1))

	require.NoError(t, s.SetAt(0, []byte("bbb"), -1))
	v, ok, err := s.GetAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bbb"), v)

	require.NoError(t, s.SetAt(0, []byte("much longer value"), -1))
	v, ok, err = s.GetAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("much longer value"), v)
}

func TestPopHeadPopTail(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("a"), -1))
	require.NoError(t, s.PushTail([]byte("b"), -1))
	require.NoError(t, s.PushTail([]byte("c"), -1))

	v, ok, err := s.PopHead()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)

	v, ok, err = s.PopTail()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("c"), v)

	v, ok, err = s.PopHead()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), v)

	_, ok, err = s.PopHead()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPopHeadSkipsExpired(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("expired"), 0))
	require.NoError(t, s.PushTail([]byte("live"), -1))
	time.Sleep(5 * time.Millisecond)

	v, ok, err := s.PopHead()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("live"), v)
}

func TestIndexOfAndContains(t *testing.T) {
	s := open(t)
	require.NoError(t, s.PushTail([]byte("a"), -1))
	require.NoError(t, s.PushTail([]byte("b"), -1))

	idx, found, err := s.IndexOf([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, idx)

	ok, err := s.Contains([]byte("zzz"))
	require.NoError(t, err)
	require.False(t, ok)
}

// I9: Persistence across close/reopen, TTLs not extended by reopen.
func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.bin")
	s, err := Open(Options{Path: path, CreateNew: true})
	require.NoError(t, err)
	require.NoError(t, s.PushTail([]byte("a"), -1))
	require.NoError(t, s.PushTail([]byte("b"), 2))
	require.NoError(t, s.Close())

	time.Sleep(2100 * time.Millisecond)

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Size()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	v, ok, err := reopened.GetAt(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)
}

func TestCursorCacheMonotonicScan(t *testing.T) {
	s := open(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.PushTail([]byte{byte('a' + i)}, -1))
	}
	for i := 0; i < 5; i++ {
		v, ok, err := s.GetAt(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, byte('a'+i), v[0])
	}
}
