package tcp

import (
	"net/netip"

	"github.com/yanet-platform/lightos/internal/inetchecksum"
)

// pseudoChecksum computes the RFC 793 TCP checksum over the IPv4
// pseudo-header (src, dst, zero, protocol=6, length) followed by
// segment, which must include the TCP header with its checksum field
// zeroed.
func pseudoChecksum(src, dst netip.Addr, segment []byte) uint16 {
	var pseudo [12]byte
	s4, d4 := src.As4(), dst.As4()
	copy(pseudo[0:4], s4[:])
	copy(pseudo[4:8], d4[:])
	pseudo[9] = 6 // protocol: TCP
	pseudo[10] = byte(len(segment) >> 8)
	pseudo[11] = byte(len(segment))

	acc := inetchecksum.Add(0, pseudo[:])
	acc = inetchecksum.Add(acc, segment)
	return inetchecksum.Finish(acc)
}
