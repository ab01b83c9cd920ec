package pcaptap_test

import (
	"bytes"
	"testing"

	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/physical"
	"github.com/yanet-platform/lightos/physical/pcaptap"
)

func TestCaptureTransmitAndReceive(t *testing.T) {
	inner, err := physical.NewTestDriver(256, 4, 4)
	require.NoError(t, err)

	var out bytes.Buffer
	d, err := pcaptap.New(inner, &out)
	require.NoError(t, err)

	pb, err := pbuf.FromSlice([]byte("hello wire"))
	require.NoError(t, err)
	require.NoError(t, d.Transmit(pb))

	inner.Inject([]byte("inbound frame"))
	batch, err := d.Receive()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, []byte("inbound frame"), batch[0].Bytes())
	batch[0].Drop()

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)

	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	require.Equal(t, []byte("hello wire"), data)

	data, _, err = r.ReadPacketData()
	require.NoError(t, err)
	require.Equal(t, []byte("inbound frame"), data)
}
