// Package config loads the single environment object that parameterizes
// a libos instance: local addressing, ring/buffer sizing, checksum and
// jumbo-frame flags, ARP and TCP timing knobs, and congestion-controller
// choice.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/lightos/internal/logging"
	"github.com/yanet-platform/lightos/l2"
)

// Config is the environment object a libos instance is constructed from.
type Config struct {
	// Interface names the NIC the rawsocket driver binds to. Local IPv4
	// address and MAC are resolved from it at startup unless overridden
	// below.
	Interface string `yaml:"interface"`
	// LocalAddr is the local IPv4 address. Left unset, it is taken from
	// the resolved interface's first address.
	LocalAddr netip.Addr `yaml:"local_addr,omitempty"`
	// LocalPrefix is the interface's IPv4 prefix. Left unset, it is
	// taken from the resolved interface; without one, only unicast and
	// limited-broadcast datagrams are accepted on ingress.
	LocalPrefix netip.Prefix `yaml:"local_prefix,omitempty"`
	// LocalMAC overrides the interface's hardware address. Left unset,
	// it is taken from the resolved interface.
	LocalMAC l2.MAC `yaml:"local_mac,omitempty"`
	// MTU is the interface's maximum transmission unit. JumboFrames
	// raises the accepted ceiling beyond the standard 1500.
	MTU         int  `yaml:"mtu"`
	JumboFrames bool `yaml:"jumbo_frames"`

	// RxRingSize and TxRingSize are the SPSC ring capacities, each a
	// power of two.
	RxRingSize int `yaml:"rx_ring_size"`
	TxRingSize int `yaml:"tx_ring_size"`
	// BufferSize is the size of one pool-allocated packet buffer.
	// BufferCount is how many buffers the pool holds.
	BufferSize  datasize.ByteSize `yaml:"buffer_size"`
	BufferCount int               `yaml:"buffer_count"`

	// TCPChecksumOffload and UDPChecksumOffload skip software checksum
	// computation on egress, trusting the driver/NIC to fill it in.
	TCPChecksumOffload bool `yaml:"tcp_checksum_offload"`
	UDPChecksumOffload bool `yaml:"udp_checksum_offload"`

	// CohostPorts and CohostReservation let this instance coexist with
	// the kernel network stack on the same NIC: CohostPorts lists the
	// local ports the kernel still owns, and CohostReservation picks
	// how collisions with libos-bound ports are resolved.
	CohostPorts       []uint16          `yaml:"cohost_ports,omitempty"`
	CohostReservation CohostReservation `yaml:"cohost_reservation,omitempty"`

	// ARPCacheTTL is how long a resolved MAC stays valid.
	ARPCacheTTL time.Duration `yaml:"arp_cache_ttl"`

	// TCP holds the established-state timing and linger knobs.
	TCP TCPConfig `yaml:"tcp"`

	Logging logging.Config `yaml:"logging"`
}

// CohostReservation picks how a bound port colliding with the kernel's
// own socket table is resolved.
type CohostReservation string

const (
	// CohostReservationFail refuses to bind a port the kernel also owns.
	CohostReservationFail CohostReservation = "fail"
	// CohostReservationSteal binds anyway, intercepting the NIC's
	// traffic for that port ahead of the kernel stack.
	CohostReservationSteal CohostReservation = "steal"
)

// TCPConfig holds the established-connection timing parameters and the
// congestion-controller choice.
type TCPConfig struct {
	// RetransmitMinRTO and RetransmitMaxRTO bound the Jacobson/Karn RTO
	// estimate.
	RetransmitMinRTO time.Duration `yaml:"retransmit_min_rto"`
	RetransmitMaxRTO time.Duration `yaml:"retransmit_max_rto"`
	// DelayedACKTimeout is how long the receiver waits to piggyback an
	// ACK before sending one standalone.
	DelayedACKTimeout time.Duration `yaml:"delayed_ack_timeout"`
	// Linger is how long a closed connection stays in TimeWait before
	// its control block is freed.
	Linger time.Duration `yaml:"linger"`
	// CongestionController names the registered tcp/cc algorithm to use
	// for new connections (default "reno").
	CongestionController string `yaml:"congestion_controller"`
}

// Default returns a Config with conservative ring sizes, a standard
// MTU, and reno congestion control; Load applies the YAML document on
// top of it.
func Default() *Config {
	return &Config{
		MTU:                1500,
		RxRingSize:         1024,
		TxRingSize:         1024,
		BufferSize:         2 * datasize.KB,
		BufferCount:        4096,
		ARPCacheTTL:        20 * time.Minute,
		CohostReservation:  CohostReservationFail,
		TCP: TCPConfig{
			RetransmitMinRTO:      200 * time.Millisecond,
			RetransmitMaxRTO:      60 * time.Second,
			DelayedACKTimeout:     40 * time.Millisecond,
			Linger:                2 * time.Minute,
			CongestionController: "reno",
		},
	}
}

// UnmarshalYAML fills c from a YAML mapping, leaving any absent field
// at its current (usually Default) value. The address, MAC, byte-size
// and duration fields arrive as plain scalars — yaml.v3 never consults
// encoding.TextUnmarshaler — so each is parsed explicitly here.
func (c *Config) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Interface          *string         `yaml:"interface"`
		LocalAddr          *string         `yaml:"local_addr"`
		LocalPrefix        *string         `yaml:"local_prefix"`
		LocalMAC           *string         `yaml:"local_mac"`
		MTU                *int            `yaml:"mtu"`
		JumboFrames        *bool           `yaml:"jumbo_frames"`
		RxRingSize         *int            `yaml:"rx_ring_size"`
		TxRingSize         *int            `yaml:"tx_ring_size"`
		BufferSize         *string         `yaml:"buffer_size"`
		BufferCount        *int            `yaml:"buffer_count"`
		TCPChecksumOffload *bool           `yaml:"tcp_checksum_offload"`
		UDPChecksumOffload *bool           `yaml:"udp_checksum_offload"`
		CohostPorts        []uint16        `yaml:"cohost_ports"`
		CohostReservation  *string         `yaml:"cohost_reservation"`
		ARPCacheTTL        *string         `yaml:"arp_cache_ttl"`
		TCP                *TCPConfig      `yaml:"tcp"`
		Logging            *logging.Config `yaml:"logging"`
	}
	raw.TCP = &c.TCP
	if err := n.Decode(&raw); err != nil {
		return err
	}

	if raw.Interface != nil {
		c.Interface = *raw.Interface
	}
	if raw.LocalAddr != nil {
		addr, err := netip.ParseAddr(*raw.LocalAddr)
		if err != nil {
			return fmt.Errorf("config: local_addr: %w", err)
		}
		c.LocalAddr = addr
	}
	if raw.LocalPrefix != nil {
		prefix, err := netip.ParsePrefix(*raw.LocalPrefix)
		if err != nil {
			return fmt.Errorf("config: local_prefix: %w", err)
		}
		c.LocalPrefix = prefix
	}
	if raw.LocalMAC != nil {
		hw, err := net.ParseMAC(*raw.LocalMAC)
		if err != nil {
			return fmt.Errorf("config: local_mac: %w", err)
		}
		if len(hw) != len(c.LocalMAC) {
			return fmt.Errorf("config: local_mac %q is not an Ethernet address", *raw.LocalMAC)
		}
		copy(c.LocalMAC[:], hw)
	}
	if raw.MTU != nil {
		c.MTU = *raw.MTU
	}
	if raw.JumboFrames != nil {
		c.JumboFrames = *raw.JumboFrames
	}
	if raw.RxRingSize != nil {
		c.RxRingSize = *raw.RxRingSize
	}
	if raw.TxRingSize != nil {
		c.TxRingSize = *raw.TxRingSize
	}
	if raw.BufferSize != nil {
		if err := c.BufferSize.UnmarshalText([]byte(*raw.BufferSize)); err != nil {
			return fmt.Errorf("config: buffer_size: %w", err)
		}
	}
	if raw.BufferCount != nil {
		c.BufferCount = *raw.BufferCount
	}
	if raw.TCPChecksumOffload != nil {
		c.TCPChecksumOffload = *raw.TCPChecksumOffload
	}
	if raw.UDPChecksumOffload != nil {
		c.UDPChecksumOffload = *raw.UDPChecksumOffload
	}
	if raw.CohostPorts != nil {
		c.CohostPorts = raw.CohostPorts
	}
	if raw.CohostReservation != nil {
		c.CohostReservation = CohostReservation(*raw.CohostReservation)
	}
	if raw.ARPCacheTTL != nil {
		ttl, err := time.ParseDuration(*raw.ARPCacheTTL)
		if err != nil {
			return fmt.Errorf("config: arp_cache_ttl: %w", err)
		}
		c.ARPCacheTTL = ttl
	}
	if raw.Logging != nil {
		c.Logging = *raw.Logging
	}
	return nil
}

// UnmarshalYAML fills t from a YAML mapping, parsing the duration
// fields from their usual "200ms"-style text form.
func (t *TCPConfig) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		RetransmitMinRTO     *string `yaml:"retransmit_min_rto"`
		RetransmitMaxRTO     *string `yaml:"retransmit_max_rto"`
		DelayedACKTimeout    *string `yaml:"delayed_ack_timeout"`
		Linger               *string `yaml:"linger"`
		CongestionController *string `yaml:"congestion_controller"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}

	parse := func(field string, src *string, dst *time.Duration) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("config: tcp.%s: %w", field, err)
		}
		*dst = d
		return nil
	}
	if err := parse("retransmit_min_rto", raw.RetransmitMinRTO, &t.RetransmitMinRTO); err != nil {
		return err
	}
	if err := parse("retransmit_max_rto", raw.RetransmitMaxRTO, &t.RetransmitMaxRTO); err != nil {
		return err
	}
	if err := parse("delayed_ack_timeout", raw.DelayedACKTimeout, &t.DelayedACKTimeout); err != nil {
		return err
	}
	if err := parse("linger", raw.Linger, &t.Linger); err != nil {
		return err
	}
	if raw.CongestionController != nil {
		t.CongestionController = *raw.CongestionController
	}
	return nil
}

// Load reads and unmarshals the YAML configuration at path on top of
// Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the stack assumes:
// power-of-two ring sizes and an MTU consistent with JumboFrames.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: interface is required")
	}
	if err := validatePowerOfTwo("rx_ring_size", c.RxRingSize); err != nil {
		return err
	}
	if err := validatePowerOfTwo("tx_ring_size", c.TxRingSize); err != nil {
		return err
	}
	if !c.JumboFrames && c.MTU > 1500 {
		return fmt.Errorf("config: mtu %d exceeds 1500 and jumbo_frames is not set", c.MTU)
	}
	return nil
}

func validatePowerOfTwo(field string, n int) error {
	if n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("config: %s must be a positive power of two, got %d", field, n)
	}
	return nil
}
