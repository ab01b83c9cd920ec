// Package pcaptap wraps a physical.Driver and mirrors every frame it
// transmits or receives into a pcap capture stream, for debugging a
// libOS instance the way a developer would tail tcpdump against a real
// NIC. It is purely an observability shim: it never mutates a frame,
// and a write error to the capture stream never fails the underlying
// Transmit/Receive call.
package pcaptap

import (
	"io"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/yanet-platform/lightos/pbuf"
	"github.com/yanet-platform/lightos/physical"
)

// Driver wraps a physical.Driver, writing a copy of every transmitted
// and received frame to an underlying pcap writer before passing the
// call through unchanged.
type Driver struct {
	physical.Driver

	w   *pcapgo.Writer
	log *zap.SugaredLogger
}

// Option configures a Driver at construction.
type Option func(*Driver)

// WithLog attaches a logger used to report capture-stream write
// failures, which are otherwise swallowed.
func WithLog(log *zap.SugaredLogger) Option {
	return func(d *Driver) { d.log = log }
}

// New wraps inner, writing every frame it sees to out in pcap format.
// out is typically an *os.File opened for the lifetime of the libOS
// instance; New writes the pcap global header immediately.
func New(inner physical.Driver, out io.Writer, opts ...Option) (*Driver, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}

	d := &Driver{
		Driver: inner,
		w:      w,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Transmit passes pb to the wrapped driver after capturing a copy of
// its bytes. Ownership of pb itself is unaffected: this call does not
// take an extra reference.
func (d *Driver) Transmit(pb *pbuf.Buf) error {
	d.capture(pb)
	return d.Driver.Transmit(pb)
}

// Receive drains the wrapped driver and captures a copy of each frame
// before returning the batch to the caller.
func (d *Driver) Receive() ([]*pbuf.Buf, error) {
	batch, err := d.Driver.Receive()
	for _, pb := range batch {
		d.capture(pb)
	}
	return batch, err
}

func (d *Driver) capture(pb *pbuf.Buf) {
	data := flatten(pb)
	if err := d.w.WritePacket(captureInfo(len(data)), data); err != nil {
		d.log.Warnw("pcaptap: failed to write capture record", "error", err)
	}
}

// flatten copies a (possibly chained) buffer's bytes into one
// contiguous slice for the capture record; pcap has no notion of
// segmented frames.
func flatten(pb *pbuf.Buf) []byte {
	if pb.Next() == nil {
		out := make([]byte, pb.Len())
		copy(out, pb.Bytes())
		return out
	}
	out := make([]byte, 0, pb.PacketLen())
	for seg := pb; seg != nil; seg = seg.Next() {
		out = append(out, seg.Bytes()...)
	}
	return out
}

func captureInfo(n int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: n,
		Length:        n,
	}
}
