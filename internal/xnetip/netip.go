// Package xnetip holds small net/netip helpers shared across the
// datapath. IPv6 is out of scope (see Non-goals), so only the IPv4 half
// of the original helper survives here.
package xnetip

import (
	"encoding/binary"
	"net/netip"
)

// BroadcastAddr returns the directed broadcast address of an IPv4 prefix,
// i.e. the address with every host bit set.
func BroadcastAddr(prefix netip.Prefix) netip.Addr {
	v4b := prefix.Addr().As4()
	addrBits := binary.BigEndian.Uint32(v4b[:])
	wildcardBits := uint32(1<<(32-prefix.Bits()) - 1)
	binary.BigEndian.PutUint32(v4b[:], addrBits|wildcardBits)
	return netip.AddrFrom4(v4b)
}
