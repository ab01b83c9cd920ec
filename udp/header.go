// Package udp implements the UDP socket layer: a per-port demux
// stack in front of any number of bound sockets, each with its own
// receive queue of (remote address, payload) datagrams.
package udp

import (
	"encoding/binary"
	"net/netip"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/internal/inetchecksum"
)

// HeaderLen is the fixed UDP header size: source port, destination
// port, length, checksum.
const HeaderLen = 8

// Header is a parsed UDP header.
type Header struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// ParseHeader validates and parses the first HeaderLen bytes of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, errno.Wrap(errno.EINVAL, "udp: header shorter than 8 bytes")
	}
	length := binary.BigEndian.Uint16(data[4:6])
	if int(length) > len(data) {
		return Header{}, errno.Wrap(errno.EINVAL, "udp: length exceeds datagram")
	}
	return Header{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Length:  length,
	}, nil
}

// Marshal writes h as an 8-byte header into dst, leaving the checksum
// field zero; callers fill it in with pseudoChecksum once the full
// datagram bytes are in place.
func (h Header) Marshal(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DstPort)
	binary.BigEndian.PutUint16(dst[4:6], h.Length)
	dst[6] = 0
	dst[7] = 0
}

// pseudoChecksum computes the UDP checksum over the IPv4 pseudo-header
// (RFC 768) followed by datagram, the header and payload together.
func pseudoChecksum(src, dst netip.Addr, datagram []byte) uint16 {
	srcBytes := src.As4()
	dstBytes := dst.As4()
	pseudo := make([]byte, 12)
	copy(pseudo[0:4], srcBytes[:])
	copy(pseudo[4:8], dstBytes[:])
	pseudo[8] = 0
	pseudo[9] = 17 // IPPROTO_UDP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(datagram)))

	acc := inetchecksum.Add(0, pseudo)
	acc = inetchecksum.Add(acc, datagram)
	sum := inetchecksum.Finish(acc)
	if sum == 0 {
		// RFC 768: a computed checksum of zero is transmitted as all
		// ones, since zero means "no checksum" on the wire.
		return 0xffff
	}
	return sum
}
