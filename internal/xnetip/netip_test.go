package xnetip

import (
	"net/netip"
	"testing"
)

func TestBroadcastAddr(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		expected string
	}{
		{name: "/0 entire IPv4 space", prefix: "0.0.0.0/0", expected: "255.255.255.255"},
		{name: "/8 class A", prefix: "10.0.0.0/8", expected: "10.255.255.255"},
		{name: "/16 class B", prefix: "192.168.0.0/16", expected: "192.168.255.255"},
		{name: "/24 class C", prefix: "192.168.1.0/24", expected: "192.168.1.255"},
		{name: "/25 subnet", prefix: "192.168.1.0/25", expected: "192.168.1.127"},
		{name: "/30 point-to-point", prefix: "192.168.1.0/30", expected: "192.168.1.3"},
		{name: "/31 RFC 3021", prefix: "192.168.1.0/31", expected: "192.168.1.1"},
		{name: "/32 host", prefix: "192.168.1.1/32", expected: "192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix := netip.MustParsePrefix(tt.prefix)
			expected := netip.MustParseAddr(tt.expected)

			if got := BroadcastAddr(prefix); got != expected {
				t.Errorf("BroadcastAddr(%s) = %s, want %s", tt.prefix, got, expected)
			}
		})
	}
}

func TestBroadcastAddrContainedInPrefix(t *testing.T) {
	for _, s := range []string{"192.168.1.0/24", "10.0.0.0/16", "172.16.4.8/30"} {
		prefix := netip.MustParsePrefix(s)
		if !prefix.Contains(BroadcastAddr(prefix)) {
			t.Errorf("BroadcastAddr(%s) not contained in prefix", s)
		}
	}
}
