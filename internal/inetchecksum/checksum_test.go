package inetchecksum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestComputeKnownIPv4Header uses the worked example from RFC 1071 §3.
func TestComputeKnownIPv4Header(t *testing.T) {
	header := []byte{
		0x45, 0x00, 0x00, 0x3c,
		0x1c, 0x46, 0x40, 0x00,
		0x40, 0x06, 0x00, 0x00,
		0xac, 0x10, 0x0a, 0x63,
		0xac, 0x10, 0x0a, 0x0c,
	}
	sum := Compute(header)

	// Verifying checksum: re-embed it and the complemented total must be
	// 0, the standard validity check for a correct checksum.
	header[10] = byte(sum >> 8)
	header[11] = byte(sum)
	require.Equal(t, uint16(0), Finish(Add(0, header)))
}

func TestAddFinishMatchesCompute(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	require.Equal(t, Compute(data), Finish(Add(0, data)))
}

func TestComputeOddLength(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	// 0x0102 + 0x0300 = 0x0402, complemented.
	require.Equal(t, ^uint16(0x0102+0x0300), Compute(data))
}
