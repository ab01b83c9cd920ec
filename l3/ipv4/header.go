// Package ipv4 implements the IPv4 peer: header parse/serialize and
// demux to the upper-layer protocol registered for each IP protocol
// number.
package ipv4

import (
	"encoding/binary"
	"net/netip"

	"github.com/yanet-platform/lightos/errno"
	"github.com/yanet-platform/lightos/internal/inetchecksum"
)

// HeaderLen is the length of a header with no options, the only form
// this stack parses or emits.
const HeaderLen = 20

// Protocol names an IP protocol number relevant to this stack.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

// Header is a parsed IPv4 header, options stripped.
type Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	Flags    uint8
	FragOff  uint16
	TTL      uint8
	Protocol Protocol
	Src      netip.Addr
	Dst      netip.Addr
}

// ParseHeader validates and parses the first HeaderLen bytes of data:
// version must be 4, IHL must be 5 (no options), the header checksum
// must be valid, and TotalLen must not exceed len(data).
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, errno.Wrap(errno.EINVAL, "ipv4: header shorter than 20 bytes")
	}

	versionIHL := data[0]
	version := versionIHL >> 4
	ihl := versionIHL & 0x0f
	if version != 4 {
		return Header{}, errno.Wrap(errno.EINVAL, "ipv4: not an IPv4 header")
	}
	if ihl != 5 {
		return Header{}, errno.Wrap(errno.EINVAL, "ipv4: options not supported")
	}

	if inetchecksum.Compute(data[:HeaderLen]) != 0 {
		return Header{}, errno.Wrap(errno.EINVAL, "ipv4: header checksum mismatch")
	}

	totalLen := binary.BigEndian.Uint16(data[2:4])
	if int(totalLen) > len(data) {
		return Header{}, errno.Wrap(errno.EINVAL, "ipv4: total length exceeds frame")
	}

	flagsFrag := binary.BigEndian.Uint16(data[6:8])

	h := Header{
		TOS:      data[1],
		TotalLen: totalLen,
		ID:       binary.BigEndian.Uint16(data[4:6]),
		Flags:    uint8(flagsFrag >> 13),
		FragOff:  flagsFrag & 0x1fff,
		TTL:      data[8],
		Protocol: Protocol(data[9]),
		Src:      netip.AddrFrom4([4]byte(data[12:16])),
		Dst:      netip.AddrFrom4([4]byte(data[16:20])),
	}
	return h, nil
}

// Marshal writes h as a 20-byte header into dst, computing and filling
// in the header checksum. dst must be at least HeaderLen bytes.
func (h Header) Marshal(dst []byte) {
	dst[0] = 0x45 // version 4, IHL 5
	dst[1] = h.TOS
	binary.BigEndian.PutUint16(dst[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(dst[4:6], h.ID)
	binary.BigEndian.PutUint16(dst[6:8], uint16(h.Flags)<<13|h.FragOff)
	dst[8] = h.TTL
	dst[9] = byte(h.Protocol)
	dst[10] = 0
	dst[11] = 0
	src4 := h.Src.As4()
	dstAddr4 := h.Dst.As4()
	copy(dst[12:16], src4[:])
	copy(dst[16:20], dstAddr4[:])

	sum := inetchecksum.Compute(dst[:HeaderLen])
	dst[10] = byte(sum >> 8)
	dst[11] = byte(sum)
}
