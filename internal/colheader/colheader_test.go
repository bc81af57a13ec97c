package colheader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommonStampAndValidate(t *testing.T) {
	buf := make([]byte, SequenceSize)
	InitCommon(buf, 0, 1000)
	require.NoError(t, ValidateCommon(buf, 0))
	require.EqualValues(t, 1000, CreatedAtNs(buf, 0))
	require.EqualValues(t, 1000, ModifiedAtNs(buf, 0))
	require.EqualValues(t, 0, ElementCount(buf, 0))
}

func TestValidateRejectsBadMagicAndVersion(t *testing.T) {
	buf := make([]byte, CommonSize)
	InitCommon(buf, 0, 1)
	buf[0] = 0xFF
	require.ErrorIs(t, ValidateCommon(buf, 0), ErrFormat)

	buf2 := make([]byte, CommonSize)
	InitCommon(buf2, 0, 1)
	buf2[4] = 99
	require.ErrorIs(t, ValidateCommon(buf2, 0), ErrVersion)
}

func TestElementCountAddHandlesNegativeDelta(t *testing.T) {
	buf := make([]byte, CommonSize)
	InitCommon(buf, 0, 1)
	AddElementCount(buf, 0, 5)
	AddElementCount(buf, 0, -2)
	require.EqualValues(t, 3, ElementCount(buf, 0))
}

func TestSequenceHeaderSpine(t *testing.T) {
	buf := make([]byte, SequenceSize)
	InitSequence(buf, 0, 1)
	require.EqualValues(t, -1, HeadOffset(buf, 0))
	require.EqualValues(t, -1, TailOffset(buf, 0))
	SetHeadOffset(buf, 0, 64)
	SetTailOffset(buf, 0, 128)
	require.EqualValues(t, 64, HeadOffset(buf, 0))
	require.EqualValues(t, 128, TailOffset(buf, 0))
}

func TestHashHeaderFields(t *testing.T) {
	buf := make([]byte, HashSize)
	InitHash(buf, 0, 1, 16384, 75)
	require.EqualValues(t, 16384, BucketCount(buf, 0))
	require.EqualValues(t, 75, LoadFactorPct(buf, 0))
	AddTotalBytes(buf, 0, 100)
	require.EqualValues(t, 100, TotalBytes(buf, 0))
}

func TestDequeHeaderCAS(t *testing.T) {
	buf := make([]byte, DequeSize)
	InitDeque(buf, 0, 1)
	require.True(t, CASFrontOffset(buf, 0, -1, 64))
	require.False(t, CASFrontOffset(buf, 0, -1, 128))
	require.EqualValues(t, 64, FrontOffset(buf, 0))
}
