// Package tcp implements the TCP established-connection engine:
// per-connection sender, receiver, retransmit timer, congestion
// control, and the FIN-shutdown state machine, plus the minimal
// three-way handshake needed to reach Established in the first place.
package tcp

import (
	"encoding/binary"

	"github.com/yanet-platform/lightos/errno"
)

// minHeaderLen is the fixed TCP header size with no options.
const minHeaderLen = 20

// Flag is one bit of the TCP control-flags octet.
type Flag uint8

const (
	FlagFIN Flag = 1 << 0
	FlagSYN Flag = 1 << 1
	FlagRST Flag = 1 << 2
	FlagPSH Flag = 1 << 3
	FlagACK Flag = 1 << 4
	FlagURG Flag = 1 << 5
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Window scale (RFC 1323) and MSS are the only TCP options this stack
// parses or emits; SACK, timestamps, and ECN are not implemented.
const (
	optKindEnd         = 0
	optKindNop         = 1
	optKindMSS         = 2
	optKindWindowScale = 3
)

// Header is a parsed TCP segment header (options stripped into Scale).
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	DataOff  uint8 // header length in 32-bit words, including options
	Flags    Flag
	Window   uint16
	Checksum uint16
	Urgent   uint16

	MSS   uint16 // 0 if absent
	Scale uint8  // 0 if absent (and if present with value 0)
	HasMSS, HasScale bool
}

// ParseHeader validates and parses a TCP segment header, including the
// window-scale and MSS options if present. It returns the header and
// the number of bytes the header (with options) occupied.
func ParseHeader(data []byte) (Header, int, error) {
	if len(data) < minHeaderLen {
		return Header{}, 0, errno.Wrap(errno.EINVAL, "tcp: header shorter than 20 bytes")
	}
	dataOff := data[12] >> 4
	headerLen := int(dataOff) * 4
	if headerLen < minHeaderLen || headerLen > len(data) {
		return Header{}, 0, errno.Wrap(errno.EINVAL, "tcp: invalid data offset")
	}

	h := Header{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Seq:      binary.BigEndian.Uint32(data[4:8]),
		Ack:      binary.BigEndian.Uint32(data[8:12]),
		DataOff:  dataOff,
		Flags:    Flag(data[13]),
		Window:   binary.BigEndian.Uint16(data[14:16]),
		Checksum: binary.BigEndian.Uint16(data[16:18]),
		Urgent:   binary.BigEndian.Uint16(data[18:20]),
	}

	opts := data[minHeaderLen:headerLen]
	for len(opts) > 0 {
		switch opts[0] {
		case optKindEnd:
			opts = nil
		case optKindNop:
			opts = opts[1:]
		case optKindMSS:
			if len(opts) < 4 {
				opts = nil
				break
			}
			h.MSS = binary.BigEndian.Uint16(opts[2:4])
			h.HasMSS = true
			opts = opts[4:]
		case optKindWindowScale:
			if len(opts) < 3 {
				opts = nil
				break
			}
			h.Scale = opts[2]
			h.HasScale = true
			opts = opts[3:]
		default:
			if len(opts) < 2 || int(opts[1]) == 0 || int(opts[1]) > len(opts) {
				opts = nil
				break
			}
			opts = opts[opts[1]:]
		}
	}

	return h, headerLen, nil
}

// MarshaledLen returns the header length in bytes h.Marshal will write,
// rounded up to a 4-byte boundary to include any requested options.
func (h Header) MarshaledLen() int {
	n := minHeaderLen
	if h.HasMSS {
		n += 4
	}
	if h.HasScale {
		n += 3
	}
	// pad to a 4-byte boundary with NOPs
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return n
}

// Marshal writes h into dst, which must be at least MarshaledLen bytes,
// leaving the checksum field zero for the caller to fill in afterward.
func (h Header) Marshal(dst []byte) {
	headerLen := h.MarshaledLen()
	binary.BigEndian.PutUint16(dst[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DstPort)
	binary.BigEndian.PutUint32(dst[4:8], h.Seq)
	binary.BigEndian.PutUint32(dst[8:12], h.Ack)
	dst[12] = byte(headerLen/4) << 4
	dst[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(dst[14:16], h.Window)
	dst[16], dst[17] = 0, 0
	binary.BigEndian.PutUint16(dst[18:20], h.Urgent)

	off := minHeaderLen
	if h.HasMSS {
		dst[off] = optKindMSS
		dst[off+1] = 4
		binary.BigEndian.PutUint16(dst[off+2:off+4], h.MSS)
		off += 4
	}
	if h.HasScale {
		dst[off] = optKindWindowScale
		dst[off+1] = 3
		dst[off+2] = h.Scale
		off += 3
	}
	for off < headerLen {
		dst[off] = optKindNop
		off++
	}
}
