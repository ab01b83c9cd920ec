package arp

import (
	"encoding/binary"
	"net/netip"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/l2"
	"github.com/yanet-platform/lightos/pbuf"
)

// PacketLen is the wire size of an Ethernet/IPv4 ARP packet: hardware
// type, protocol type, hlen, plen, opcode, then sender/target
// MAC+IP pairs.
const PacketLen = 28

const (
	opRequest uint16 = 1
	opReply   uint16 = 2
)

type packet struct {
	op         uint16
	senderMAC  l2.MAC
	senderIP   netip.Addr
	targetMAC  l2.MAC
	targetIP   netip.Addr
}

func parsePacket(data []byte) (packet, error) {
	if len(data) < PacketLen {
		return packet{}, errno.Wrap(errno.EINVAL, "arp: packet shorter than 28 bytes")
	}
	if binary.BigEndian.Uint16(data[0:2]) != 1 { // Ethernet
		return packet{}, errno.Wrap(errno.EINVAL, "arp: unsupported hardware type")
	}
	if binary.BigEndian.Uint16(data[2:4]) != 0x0800 { // IPv4
		return packet{}, errno.Wrap(errno.EINVAL, "arp: unsupported protocol type")
	}

	var p packet
	p.op = binary.BigEndian.Uint16(data[6:8])
	copy(p.senderMAC[:], data[8:14])
	p.senderIP = netip.AddrFrom4([4]byte(data[14:18]))
	copy(p.targetMAC[:], data[18:24])
	p.targetIP = netip.AddrFrom4([4]byte(data[24:28]))
	return p, nil
}

func (p packet) marshal(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], 1)
	binary.BigEndian.PutUint16(dst[2:4], 0x0800)
	dst[4] = 6
	dst[5] = 4
	binary.BigEndian.PutUint16(dst[6:8], p.op)
	copy(dst[8:14], p.senderMAC[:])
	senderIP4 := p.senderIP.As4()
	copy(dst[14:18], senderIP4[:])
	copy(dst[18:24], p.targetMAC[:])
	targetIP4 := p.targetIP.As4()
	copy(dst[24:28], targetIP4[:])
}

// Receive handles an incoming ARP frame (already stripped of its
// Ethernet header by the caller): it updates the cache and signals
// waiters on a reply, and answers a request for the local address
// synchronously.
func (p *Peer) Receive(pb *pbuf.Buf) error {
	defer pb.Drop()

	pkt, err := parsePacket(pb.Bytes())
	if err != nil {
		return err
	}

	switch pkt.op {
	case opReply:
		p.store(pkt.senderIP, pkt.senderMAC)
	case opRequest:
		if pkt.targetIP != p.localIP {
			return nil
		}
		return p.reply(pkt.senderMAC, pkt.senderIP)
	}
	return nil
}

func (p *Peer) reply(toMAC l2.MAC, toIP netip.Addr) error {
	reply := packet{
		op:        opReply,
		senderMAC: p.localMAC,
		senderIP:  p.localIP,
		targetMAC: toMAC,
		targetIP:  toIP,
	}
	return p.transmit(reply, toMAC)
}

func (p *Peer) transmitRequest(ip netip.Addr) error {
	req := packet{
		op:        opRequest,
		senderMAC: p.localMAC,
		senderIP:  p.localIP,
		targetMAC: l2.MAC{},
		targetIP:  ip,
	}
	return p.transmit(req, l2.Broadcast)
}

func (p *Peer) transmit(pkt packet, dstMAC l2.MAC) error {
	pb, err := p.driver.Allocate(PacketLen)
	if err != nil {
		return err
	}
	pkt.marshal(pb.Bytes())
	if err := p.ep.Prepend(pb, dstMAC, l2.EtherTypeARP); err != nil {
		pb.Drop()
		return err
	}
	return p.driver.Transmit(pb)
}
