package pbuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/lightos/bufpool"
	"github.com/yanet-platform/lightos/internal/xerror"
)

func TestFromPoolUsesWholeChunkAsPayload(t *testing.T) {
	pool := bufpool.New(64)
	require.NoError(t, pool.Populate(make([]byte, 64*2), false))

	b, err := FromPool(pool)
	require.NoError(t, err)
	require.Equal(t, 64, b.Len())
	require.Equal(t, 0, b.Headroom())
	b.Drop()
}

func TestFromPoolWithHeadroomReservesFront(t *testing.T) {
	pool := bufpool.New(64)
	require.NoError(t, pool.Populate(make([]byte, 64*2), false))

	b, err := FromPoolWithHeadroom(pool, 14)
	require.NoError(t, err)
	require.Equal(t, 14, b.Headroom())
	require.Equal(t, 50, b.Len())
	require.NoError(t, b.Prepend(14))
	require.Equal(t, 64, b.Len())
	b.Drop()
}

func TestNewHasNoHeadroom(t *testing.T) {
	b := New(128)
	require.Equal(t, 128, b.Len())
	require.Equal(t, 0, b.Headroom())
	require.True(t, b.IsDirect())
	require.Equal(t, 128, b.PacketLen())
	require.Equal(t, 1, b.NumSegments())
}

func TestNewWithHeadroomPrependRoundTrip(t *testing.T) {
	b := NewWithHeadroom(100, 14)
	require.Equal(t, 100, b.Len())
	require.Equal(t, 14, b.Headroom())

	require.NoError(t, b.Prepend(14))
	require.Equal(t, 114, b.Len())
	require.Equal(t, 0, b.Headroom())

	require.ErrorIs(t, b.Prepend(1), ErrNoHeadroom)
}

func TestAdjustPrependIsNoOpOnBytes(t *testing.T) {
	b := xerror.Unwrap(FromSlice([]byte("hello, world")))

	before := append([]byte(nil), b.Bytes()...)

	require.NoError(t, b.Adjust(5))
	require.NoError(t, b.Prepend(5))

	require.Equal(t, before, b.Bytes())
}

func TestSplitBackRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	for k := 0; k <= len(payload); k++ {
		b := xerror.Unwrap(FromSlice(payload))

		clone := b.Clone()
		front, err := clone.SplitBack(k)
		require.NoError(t, err)

		got := append(append([]byte(nil), front.Bytes()...), clone.Bytes()...)
		require.Equal(t, payload, got)

		front.Drop()
		clone.Drop()
		b.Drop()
	}
}

func TestSplitFrontRejectsChains(t *testing.T) {
	b := New(10)
	b.nbSegs = 2
	b.next = New(10)
	_, err := b.SplitFront(1)
	require.ErrorIs(t, err, ErrChained)
}

func TestCloneThenDropFreesPoolBackedChunk(t *testing.T) {
	pool := bufpool.New(64)
	require.NoError(t, pool.Populate(make([]byte, 64*4), false))

	b, err := FromPool(pool)
	require.NoError(t, err)
	require.Equal(t, 3, pool.Available())

	clone := b.Clone()
	sibling, err := clone.SplitBack(10)
	require.NoError(t, err)

	// Three handles now reference the one pool chunk: the original,
	// and the two split siblings produced from its clone.
	b.Drop()
	require.Equal(t, 3, pool.Available(), "chunk must stay allocated while siblings hold it")

	sibling.Drop()
	require.Equal(t, 3, pool.Available())

	clone.Drop()
	require.Equal(t, 4, pool.Available(), "chunk returns to the pool once every handle has dropped")
}

func TestFromSliceRejectsOversizedPayload(t *testing.T) {
	_, err := FromSlice(make([]byte, 0x10000))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestIntoRawFromRawRoundTrip(t *testing.T) {
	b := New(16)
	ptr := IntoRaw(b)
	got := FromRaw(ptr)
	require.Same(t, b, got)
}

func TestTrimRemovesFromLastSegment(t *testing.T) {
	head := New(10)
	tail := New(20)
	head.next = tail
	head.nbSegs = 2
	head.pktLen = 30

	require.NoError(t, head.Trim(5))
	require.Equal(t, 10, head.Len())
	require.Equal(t, 15, tail.Len())
	require.Equal(t, 25, head.PacketLen())

	require.ErrorIs(t, head.Trim(100), ErrShortSegment)
}
