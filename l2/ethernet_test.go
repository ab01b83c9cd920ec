package l2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/lightos/pbuf"
)

var (
	local  = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	remote = MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func frame(t *testing.T, dst, src MAC, ethertype EtherType, payload []byte) *pbuf.Buf {
	t.Helper()
	pb := pbuf.NewWithHeadroom(len(payload), HeaderLen)
	copy(pb.Bytes(), payload)
	ep := NewEndpoint(src)
	require.NoError(t, ep.Prepend(pb, dst, ethertype))
	return pb
}

func TestReceiveStripsHeaderAndReturnsEtherType(t *testing.T) {
	pb := frame(t, local, remote, EtherTypeIPv4, []byte("payload"))
	ep := NewEndpoint(local)

	ethertype, err := ep.Receive(pb)
	require.NoError(t, err)
	require.Equal(t, EtherTypeIPv4, ethertype)
	require.Equal(t, "payload", string(pb.Bytes()))
}

func TestReceiveAcceptsBroadcast(t *testing.T) {
	pb := frame(t, Broadcast, remote, EtherTypeARP, []byte("who-has"))
	ep := NewEndpoint(local)

	_, err := ep.Receive(pb)
	require.NoError(t, err)
}

func TestReceiveRejectsForeignUnicast(t *testing.T) {
	other := MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	pb := frame(t, other, remote, EtherTypeIPv4, []byte("payload"))
	ep := NewEndpoint(local)

	_, err := ep.Receive(pb)
	require.Error(t, err)
}

func TestReceiveRejectsShortFrame(t *testing.T) {
	ep := NewEndpoint(local)
	pb := pbuf.New(4)
	_, err := ep.Receive(pb)
	require.Error(t, err)
}

func TestPrependRoundTrip(t *testing.T) {
	ep := NewEndpoint(local)
	pb := pbuf.NewWithHeadroom(4, HeaderLen)
	copy(pb.Bytes(), []byte("data"))

	require.NoError(t, ep.Prepend(pb, remote, EtherTypeIPv4))
	require.Equal(t, HeaderLen+4, pb.Len())

	other := NewEndpoint(remote)
	ethertype, err := other.Receive(pb)
	require.NoError(t, err)
	require.Equal(t, EtherTypeIPv4, ethertype)
	require.Equal(t, "data", string(pb.Bytes()))
}
