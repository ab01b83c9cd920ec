package ipv4_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/lightos/l2"
	"github.com/yanet-platform/lightos/l3/arp"
	"github.com/yanet-platform/lightos/l3/ipv4"
	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/physical"
	"github.com/yanet-platform/lightos/runtime"
)

// recordingHandler captures every payload demuxed to it.
type recordingHandler struct {
	headers  []ipv4.Header
	payloads [][]byte
}

func (h *recordingHandler) Receive(hdr ipv4.Header, payload *pbuf.Buf) error {
	defer payload.Drop()
	h.headers = append(h.headers, hdr)
	h.payloads = append(h.payloads, append([]byte(nil), payload.Bytes()...))
	return nil
}

func newPeer(t *testing.T, localIP netip.Addr, opts ...ipv4.Option) *ipv4.Peer {
	t.Helper()
	driver, err := physical.NewTestDriver(512, 32, 16)
	require.NoError(t, err)

	mac := l2.MAC{0x02, 0, 0, 0, 0, 0x01}
	ep := l2.NewEndpoint(mac)
	arpPeer := arp.NewPeer(localIP, mac, ep, driver, runtime.NewClock(),
		arp.WithRetry(5*time.Millisecond, 40))
	return ipv4.NewPeer(localIP, ep, arpPeer, driver, opts...)
}

// datagram marshals a header for payload addressed src -> dst and
// returns the wire bytes.
func datagram(src, dst netip.Addr, proto ipv4.Protocol, payload []byte) []byte {
	buf := make([]byte, ipv4.HeaderLen+len(payload))
	ipv4.Header{
		TotalLen: uint16(len(buf)),
		TTL:      64,
		Protocol: proto,
		Src:      src,
		Dst:      dst,
	}.Marshal(buf)
	copy(buf[ipv4.HeaderLen:], payload)
	return buf
}

func TestReceiveDemuxesToRegisteredHandler(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.1")
	peer := newPeer(t, local)

	h := &recordingHandler{}
	peer.RegisterHandler(ipv4.ProtocolUDP, h)

	src := netip.MustParseAddr("10.0.0.9")
	pb, err := pbuf.FromSlice(datagram(src, local, ipv4.ProtocolUDP, []byte("payload")))
	require.NoError(t, err)
	require.NoError(t, peer.Receive(pb))

	require.Len(t, h.payloads, 1)
	require.Equal(t, []byte("payload"), h.payloads[0])
	require.Equal(t, src, h.headers[0].Src)
	require.Equal(t, ipv4.ProtocolUDP, h.headers[0].Protocol)
}

func TestReceiveRejectsForeignDestination(t *testing.T) {
	peer := newPeer(t, netip.MustParseAddr("10.0.0.1"))

	h := &recordingHandler{}
	peer.RegisterHandler(ipv4.ProtocolUDP, h)

	pb, err := pbuf.FromSlice(datagram(
		netip.MustParseAddr("10.0.0.9"),
		netip.MustParseAddr("10.0.0.2"),
		ipv4.ProtocolUDP, []byte("x")))
	require.NoError(t, err)
	require.Error(t, peer.Receive(pb))
	require.Empty(t, h.payloads)
}

func TestReceiveAcceptsLimitedBroadcast(t *testing.T) {
	peer := newPeer(t, netip.MustParseAddr("10.0.0.1"))

	h := &recordingHandler{}
	peer.RegisterHandler(ipv4.ProtocolUDP, h)

	pb, err := pbuf.FromSlice(datagram(
		netip.MustParseAddr("10.0.0.9"),
		netip.MustParseAddr("255.255.255.255"),
		ipv4.ProtocolUDP, []byte("x")))
	require.NoError(t, err)
	require.NoError(t, peer.Receive(pb))
	require.Len(t, h.payloads, 1)
}

func TestReceiveAcceptsDirectedBroadcastWithPrefix(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.1")
	directed := netip.MustParseAddr("10.0.0.255")
	src := netip.MustParseAddr("10.0.0.9")

	without := newPeer(t, local)
	h1 := &recordingHandler{}
	without.RegisterHandler(ipv4.ProtocolUDP, h1)
	pb, err := pbuf.FromSlice(datagram(src, directed, ipv4.ProtocolUDP, []byte("x")))
	require.NoError(t, err)
	require.Error(t, without.Receive(pb), "directed broadcast needs a configured prefix")

	with := newPeer(t, local, ipv4.WithPrefix(netip.MustParsePrefix("10.0.0.0/24")))
	h2 := &recordingHandler{}
	with.RegisterHandler(ipv4.ProtocolUDP, h2)
	pb, err = pbuf.FromSlice(datagram(src, directed, ipv4.ProtocolUDP, []byte("x")))
	require.NoError(t, err)
	require.NoError(t, with.Receive(pb))
	require.Len(t, h2.payloads, 1)
}

func TestReceiveRejectsUnhandledProtocol(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.1")
	peer := newPeer(t, local)

	pb, err := pbuf.FromSlice(datagram(
		netip.MustParseAddr("10.0.0.9"), local, ipv4.Protocol(89), nil))
	require.NoError(t, err)
	require.Error(t, peer.Receive(pb))
}

func TestParseHeaderRejectsCorruptChecksum(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.1")
	buf := datagram(netip.MustParseAddr("10.0.0.9"), local, ipv4.ProtocolUDP, nil)
	buf[10] ^= 0xff

	_, err := ipv4.ParseHeader(buf)
	require.Error(t, err)
}
