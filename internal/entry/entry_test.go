package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublicationProtocol(t *testing.T) {
	buf := make([]byte, NodeSize(16))
	var off int64 = 0

	require.Equal(t, StateEmpty, State(buf, off))
	require.True(t, TryBeginWrite(buf, off))
	require.False(t, TryBeginWrite(buf, off), "double begin-write must fail")

	now := time.Now().UnixNano()
	InitTTL(buf, off, -1, now)
	WritePayload(buf, off, []byte("hello"))
	Publish(buf, off)

	require.Equal(t, StateValid, State(buf, off))
	require.True(t, IsAlive(buf, off, now))
	require.Equal(t, []byte("hello"), Payload(buf, off))
	require.EqualValues(t, -1, RemainingTTLSeconds(buf, off, now))
}

func TestTTLExpiry(t *testing.T) {
	buf := make([]byte, NodeSize(0))
	now := time.Now().UnixNano()

	require.True(t, TryBeginWrite(buf, 0))
	InitTTL(buf, 0, 1, now)
	Publish(buf, 0)

	require.True(t, IsAlive(buf, 0, now))
	require.False(t, IsAlive(buf, 0, now+2*int64(time.Second)))
	require.True(t, IsExpired(buf, 0, now+2*int64(time.Second)))
	require.EqualValues(t, 0, RemainingTTLSeconds(buf, 0, now+2*int64(time.Second)))
}

func TestSetTTLResetsCreatedAt(t *testing.T) {
	buf := make([]byte, NodeSize(0))
	now := time.Now().UnixNano()
	require.True(t, TryBeginWrite(buf, 0))
	InitTTL(buf, 0, 60, now)
	Publish(buf, 0)

	later := now + int64(30*time.Second)
	SetTTL(buf, 0, 10, later)
	remaining := RemainingTTLSeconds(buf, 0, later)
	require.InDelta(t, 10, remaining, 1)
}

func TestNodePayloadRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox")
	buf := make([]byte, NodeSize(uint32(len(payload))))
	WritePayload(buf, 0, payload)
	require.Equal(t, payload, Payload(buf, 0))
	require.Equal(t, FNV1a32(payload), Hash(buf, 0))
}

func TestKeyValueRoundTrip(t *testing.T) {
	key := []byte("user:1")
	val := []byte("Alice")
	buf := make([]byte, KVSize(uint32(len(key)), uint32(len(val))))
	WriteKeyValue(buf, 0, key, val)

	require.Equal(t, key, Key(buf, 0))
	require.Equal(t, val, Value(buf, 0))

	WriteValue(buf, 0, []byte("Bob"))
	require.Equal(t, []byte("Bob"), Value(buf, 0))
	require.Equal(t, key, Key(buf, 0))
}

func TestAlign64(t *testing.T) {
	require.EqualValues(t, 64, Align64(1))
	require.EqualValues(t, 64, Align64(64))
	require.EqualValues(t, 128, Align64(65))
}
