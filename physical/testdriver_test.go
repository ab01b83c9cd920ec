package physical

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestDriverTransmitRecordsSentFrames(t *testing.T) {
	d, err := NewTestDriver(256, 4, 8)
	require.NoError(t, err)

	pb, err := d.Allocate(10)
	require.NoError(t, err)
	copy(pb.Bytes(), bytes.Repeat([]byte{0xAB}, 10))
	require.NoError(t, d.Transmit(pb))

	sent := d.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 10), sent[0])
}

func TestTestDriverReceiveRespectsBurstSize(t *testing.T) {
	d, err := NewTestDriver(256, 4, 2)
	require.NoError(t, err)

	d.Inject([]byte("one"))
	d.Inject([]byte("two"))
	d.Inject([]byte("three"))

	batch, err := d.Receive()
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "one", string(batch[0].Bytes()))
	require.Equal(t, "two", string(batch[1].Bytes()))

	batch, err = d.Receive()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "three", string(batch[0].Bytes()))
}

func TestTestDriverReceiveEmptyIsNotError(t *testing.T) {
	d, err := NewTestDriver(256, 4, 8)
	require.NoError(t, err)

	batch, err := d.Receive()
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestTestDriverAllocateTrimsToRequestedSize(t *testing.T) {
	d, err := NewTestDriver(256, 4, 8)
	require.NoError(t, err)

	pb, err := d.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, 64, pb.Len())
	pb.Drop()
}

func TestTestDriverAllocateReservesTransmitHeadroom(t *testing.T) {
	d, err := NewTestDriver(256, 4, 8)
	require.NoError(t, err)

	pb, err := d.Allocate(20)
	require.NoError(t, err)
	require.Equal(t, TransmitHeadroom, pb.Headroom())
	require.NoError(t, pb.Prepend(TransmitHeadroom))
	require.Equal(t, 20+TransmitHeadroom, pb.Len())
	pb.Drop()
}

func TestTestDriverClosedRejectsOperations(t *testing.T) {
	d, err := NewTestDriver(256, 4, 8)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = d.Receive()
	require.Error(t, err)

	pb, err := d.Allocate(10)
	require.NoError(t, err)
	require.Error(t, d.Transmit(pb))
}
