// Package l2 implements the Ethernet framing layer: parsing and
// stripping the header on ingress, prepending it on egress, and
// filtering frames that aren't addressed to this endpoint.
package l2

import (
	"encoding/binary"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/pbuf"
)

// HeaderLen is the fixed size of an Ethernet II header: destination MAC,
// source MAC, EtherType.
const HeaderLen = 14

// MAC is a 6-byte hardware address.
type MAC [6]byte

// Broadcast is the all-ones MAC address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether m is the broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == Broadcast
}

// IsMulticast reports whether m has the multicast bit set in its first
// octet, per the standard Ethernet addressing convention.
func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// EtherType names the payload protocol carried after the header.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

// Endpoint strips and prepends Ethernet headers for one local MAC
// address, caching it for egress so every Transmit call doesn't need
// the caller to supply it.
type Endpoint struct {
	localMAC MAC
}

// NewEndpoint constructs an Endpoint bound to localMAC.
func NewEndpoint(localMAC MAC) *Endpoint {
	return &Endpoint{localMAC: localMAC}
}

// LocalMAC returns the endpoint's cached local address.
func (e *Endpoint) LocalMAC() MAC {
	return e.localMAC
}

// Receive parses pb's Ethernet header, drops it if the destination MAC
// is neither local, broadcast, nor multicast, and strips the header in
// place. On success it returns the frame's EtherType and pb.Adjust(14)
// has already been applied, so pb's payload is what follows the header.
func (e *Endpoint) Receive(pb *pbuf.Buf) (EtherType, error) {
	if pb.Len() < HeaderLen {
		return 0, errno.Wrap(errno.EINVAL, "l2: frame shorter than an Ethernet header")
	}

	header := pb.Bytes()[:HeaderLen]
	var dst MAC
	copy(dst[:], header[0:6])

	if dst != e.localMAC && !dst.IsBroadcast() && !dst.IsMulticast() {
		return 0, errno.Wrap(errno.EINVAL, "l2: frame not addressed to this endpoint")
	}

	ethertype := EtherType(binary.BigEndian.Uint16(header[12:14]))

	if err := pb.Adjust(HeaderLen); err != nil {
		return 0, err
	}
	return ethertype, nil
}

// Prepend reserves and fills in an Ethernet header in front of pb's
// current payload, addressed from the endpoint's local MAC to remote.
func (e *Endpoint) Prepend(pb *pbuf.Buf, remote MAC, ethertype EtherType) error {
	if err := pb.Prepend(HeaderLen); err != nil {
		return err
	}
	header := pb.Bytes()[:HeaderLen]
	copy(header[0:6], remote[:])
	copy(header[6:12], e.localMAC[:])
	binary.BigEndian.PutUint16(header[12:14], uint16(ethertype))
	return nil
}
