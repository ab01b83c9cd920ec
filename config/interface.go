package config

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/yanet-platform/lightos/l2"
)

// ResolvedInterface is what Resolve reads off the named NIC to fill in
// whatever LocalAddr/LocalMAC/MTU the config left unset: ifindex, MAC,
// MTU, and its first IPv4 address.
type ResolvedInterface struct {
	Index  int
	MAC    l2.MAC
	MTU    int
	Addr   netip.Addr
	Prefix netip.Prefix
}

// Resolve looks up the interface named ifaceName via netlink, the same way
// modules/route/internal/discovery/link does for route-owned NICs, and
// returns what was found. It mutates no Config; callers apply overrides
// explicitly via ApplyResolved.
func Resolve(ifaceName string) (ResolvedInterface, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return ResolvedInterface{}, fmt.Errorf("config: resolving interface %q: %w", ifaceName, err)
	}
	attrs := link.Attrs()

	var mac l2.MAC
	if len(attrs.HardwareAddr) != len(mac) {
		return ResolvedInterface{}, fmt.Errorf("config: interface %q has non-Ethernet hardware address %v", ifaceName, attrs.HardwareAddr)
	}
	copy(mac[:], attrs.HardwareAddr)

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return ResolvedInterface{}, fmt.Errorf("config: listing addresses for %q: %w", ifaceName, err)
	}

	resolved := ResolvedInterface{
		Index: attrs.Index,
		MAC:   mac,
		MTU:   attrs.MTU,
	}
	if len(addrs) > 0 {
		if addr, ok := netip.AddrFromSlice(addrs[0].IP.To4()); ok {
			resolved.Addr = addr
			ones, _ := addrs[0].Mask.Size()
			resolved.Prefix = netip.PrefixFrom(addr, ones)
		}
	}
	return resolved, nil
}

// ApplyResolved fills any of LocalAddr, LocalMAC, and MTU that the
// config left unset from a Resolve result, and leaves explicit overrides
// untouched.
func (c *Config) ApplyResolved(r ResolvedInterface) {
	if !c.LocalAddr.IsValid() {
		c.LocalAddr = r.Addr
	}
	if !c.LocalPrefix.IsValid() {
		c.LocalPrefix = r.Prefix
	}
	if c.LocalMAC == (l2.MAC{}) {
		c.LocalMAC = r.MAC
	}
	if c.MTU == 0 {
		c.MTU = r.MTU
	}
}
