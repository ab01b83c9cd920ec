package udp_test

import (
	"bytes"
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
	"github.com/yanet-platform/lightos/scheduler"
	"github.com/yanet-platform/lightos/udp"
)

type node struct {
	mac      l2.MAC
	ip       netip.Addr
	driver   *physical.TestDriver
	ep       *l2.Endpoint
	arp      *arp.Peer
	ipv4     *ipv4.Peer
	udp      *udp.Stack
	sentSeen int
}

func newNode(t *testing.T, mac l2.MAC, ip netip.Addr, clock *runtime.Clock) *node {
	t.Helper()
	driver, err := physical.NewTestDriver(512, 64, 32)
	require.NoError(t, err)

	ep := l2.NewEndpoint(mac)
	arpPeer := arp.NewPeer(ip, mac, ep, driver, clock, arp.WithRetry(5*time.Millisecond, 40))
	ipv4Peer := ipv4.NewPeer(ip, ep, arpPeer, driver)
	udpStack := udp.NewStack(ipv4Peer)

	return &node{mac: mac, ip: ip, driver: driver, ep: ep, arp: arpPeer, ipv4: ipv4Peer, udp: udpStack}
}

func deliver(t *testing.T, src, dst *node) {
	t.Helper()
	sent := src.driver.Sent()
	for _, frame := range sent[src.sentSeen:] {
		pb, err := pbuf.FromSlice(frame)
		require.NoError(t, err)

		ethertype, err := dst.ep.Receive(pb)
		if err != nil {
			pb.Drop()
			continue
		}
		switch ethertype {
		case l2.EtherTypeARP:
			require.NoError(t, dst.arp.Receive(pb))
		case l2.EtherTypeIPv4:
			require.NoError(t, dst.ipv4.Receive(pb))
		default:
			pb.Drop()
		}
	}
	src.sentSeen = len(sent)
}

// pumpUntil polls g and shuttles frames between a and b until done
// reports every slot it watches is complete, or the deadline elapses.
func pumpUntil(t *testing.T, g *scheduler.Group, a, b *node, deadline time.Duration, done func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		g.Poll(scheduler.PollUntilIdle)
		deliver(t, a, b)
		deliver(t, b, a)
		if done() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("deadline exceeded waiting for completion")
}

func TestUDPPingPong(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()

	client := newNode(t, l2.MAC{0x02, 0, 0, 0, 0, 0x01}, netip.MustParseAddr("10.0.0.1"), clock)
	server := newNode(t, l2.MAC{0x02, 0, 0, 0, 0, 0x02}, netip.MustParseAddr("10.0.0.2"), clock)

	clientSock := client.udp.Socket()
	require.NoError(t, clientSock.Bind(4000))
	serverSock := server.udp.Socket()
	require.NoError(t, serverSock.Bind(4000))

	serverAddr := netip.AddrPortFrom(server.ip, 4000)
	clientAddr := netip.AddrPortFrom(client.ip, 4000)

	const n = 64
	payload := bytes.Repeat([]byte{0x65}, 64)

	g := scheduler.NewGroup()

	for i := 0; i < n; i++ {
		pb, err := client.ipv4.Allocate(len(payload))
		require.NoError(t, err)
		copy(pb.Bytes(), payload)

		pushSlot := g.Insert("client-push", clientSock.Push(serverAddr, pb))
		pumpUntil(t, g, client, server, 2*time.Second, func() bool { return g.Completed(pushSlot) })
		result := g.Drain(pushSlot)
		require.Nil(t, result, "push %d failed: %v", i, result)

		popSlot := g.Insert("server-pop", serverSock.Pop(-1))
		pumpUntil(t, g, client, server, 2*time.Second, func() bool { return g.Completed(popSlot) })
		received := g.Drain(popSlot)
		dg, ok := received.(udp.Datagram)
		require.True(t, ok, "unexpected pop result: %v", received)
		require.Equal(t, clientAddr, dg.Remote)
		require.Equal(t, payload, dg.Payload)

		echoPB, err := server.ipv4.Allocate(len(dg.Payload))
		require.NoError(t, err)
		copy(echoPB.Bytes(), dg.Payload)
		echoSlot := g.Insert("server-echo", serverSock.Push(dg.Remote, echoPB))
		pumpUntil(t, g, client, server, 2*time.Second, func() bool { return g.Completed(echoSlot) })
		require.Nil(t, g.Drain(echoSlot))

		recvSlot := g.Insert("client-recv", clientSock.Pop(-1))
		pumpUntil(t, g, client, server, 2*time.Second, func() bool { return g.Completed(recvSlot) })
		echoed := g.Drain(recvSlot)
		echoDg, ok := echoed.(udp.Datagram)
		require.True(t, ok, "unexpected echo result: %v", echoed)
		require.Equal(t, payload, echoDg.Payload)
	}
}

func TestPushRequiresBoundSocket(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()
	n := newNode(t, l2.MAC{0x02, 0, 0, 0, 0, 0x05}, netip.MustParseAddr("10.0.0.5"), clock)

	sock := n.udp.Socket()
	pb, err := n.ipv4.Allocate(4)
	require.NoError(t, err)

	g := scheduler.NewGroup()
	slot := g.Insert("push", sock.Push(netip.AddrPortFrom(netip.MustParseAddr("10.0.0.6"), 4000), pb))
	g.Poll(scheduler.PollOnce)
	require.True(t, g.Completed(slot))
	require.Error(t, g.Drain(slot).(error))
}

func TestBindThenCloseFreesPort(t *testing.T) {
	clock := runtime.NewClock()
	clock.Freeze()
	n := newNode(t, l2.MAC{0x02, 0, 0, 0, 0, 0x06}, netip.MustParseAddr("10.0.0.7"), clock)

	a := n.udp.Socket()
	require.NoError(t, a.Bind(9000))
	require.NoError(t, a.Close())
	require.Error(t, a.Close(), "closing twice must fail")

	b := n.udp.Socket()
	require.NoError(t, b.Bind(9000), "port must be free after Close")
}
