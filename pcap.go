//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package urp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapRecord is a captured datagram awaiting serialization.
type pcapRecord struct {
	// data is a copy of the raw segment datagram.
	data []byte

	// dir is the direction the datagram traveled.
	dir Direction
}

// PCAPTrace captures the datagrams crossing a [*Link] into a PCAP file.
//
// Segments have no network or transport header of their own, so each
// captured datagram is wrapped in synthesized IPv4 and UDP headers, with
// the flow addresses chosen by direction. This makes the capture
// readable by standard tools such as wireshark and tcpdump.
//
// Capturing is asynchronous: Dump enqueues to a background goroutine
// that serializes and writes packets, and drops the datagram when the
// queue is full rather than stalling the event loop.
//
// Construct using [NewPCAPTrace].
type PCAPTrace struct {
	// cancel interrupts the background goroutine.
	cancel context.CancelFunc

	// dropped is the number of datagrams dropped.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// once provides "once" semantics for Close.
	once sync.Once

	// receiverPort is the UDP port synthesized for the receiver side.
	receiverPort uint16

	// records contains the datagrams awaiting serialization.
	records chan pcapRecord

	// senderPort is the UDP port synthesized for the sender side.
	senderPort uint16

	// snaplen is the maximum number of bytes to capture per packet.
	snaplen uint32

	// wc is the open writer we're using.
	wc io.WriteCloser
}

// PCAPTraceOption is an option for [NewPCAPTrace].
type PCAPTraceOption func(cfg *pcapConfig)

// pcapConfig is the internal type modified by [PCAPTraceOption].
type pcapConfig struct {
	buffer       int
	receiverPort uint16
	senderPort   uint16
	snaplen      uint32
}

// DefaultPCAPSnaplen is the default capture size per packet, large
// enough to never truncate a maximum-size segment.
const DefaultPCAPSnaplen = 65535

// DefaultPCAPBuffer is the default number of datagrams buffered between
// the event loop and the goroutine writing the capture.
const DefaultPCAPBuffer = 4096

// PCAPTraceOptionSnaplen sets the capture size per packet.
//
// The default is [DefaultPCAPSnaplen]. Packets larger than the snaplen
// are truncated in the capture, with their original length preserved.
func PCAPTraceOptionSnaplen(snaplen uint32) PCAPTraceOption {
	return func(cfg *pcapConfig) {
		cfg.snaplen = snaplen
	}
}

// PCAPTraceOptionBuffer sets the number of buffered datagrams.
//
// The default is [DefaultPCAPBuffer]. When the buffer is full,
// additional datagrams are silently dropped and counted by
// [*PCAPTrace.Dropped].
func PCAPTraceOptionBuffer(buffer int) PCAPTraceOption {
	return func(cfg *pcapConfig) {
		cfg.buffer = buffer
	}
}

// PCAPTraceOptionFlow sets the UDP ports synthesized for the sender and
// the receiver side of the flow, typically the real ports in use.
//
// The defaults are 50000 and 50001.
func PCAPTraceOptionFlow(senderPort, receiverPort uint16) PCAPTraceOption {
	return func(cfg *pcapConfig) {
		cfg.senderPort = senderPort
		cfg.receiverPort = receiverPort
	}
}

// NewPCAPTrace creates a new [*PCAPTrace] writing to wc.
func NewPCAPTrace(wc io.WriteCloser, options ...PCAPTraceOption) *PCAPTrace {
	// 1. apply the options
	cfg := &pcapConfig{
		buffer:       DefaultPCAPBuffer,
		receiverPort: 50001,
		senderPort:   50000,
		snaplen:      DefaultPCAPSnaplen,
	}
	for _, opt := range options {
		opt(cfg)
	}

	// 2. initialize the trace struct
	ctx, cancel := context.WithCancel(context.Background())
	tr := &PCAPTrace{
		cancel:       cancel,
		dropped:      atomic.Uint64{},
		errch:        make(chan error, 1),
		once:         sync.Once{},
		receiverPort: cfg.receiverPort,
		records:      make(chan pcapRecord, cfg.buffer),
		senderPort:   cfg.senderPort,
		snaplen:      cfg.snaplen,
		wc:           wc,
	}

	// 3. start the worker and return
	go tr.saveLoop(ctx)
	return tr
}

// Dump captures the given raw segment datagram traveling in the given
// direction. The datagram is copied, so the caller may reuse it.
func (tr *PCAPTrace) Dump(dir Direction, datagram []byte) {
	data := make([]byte, len(datagram))
	copy(data, datagram)
	select {
	case tr.records <- pcapRecord{data: data, dir: dir}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of datagrams dropped due to buffer overflow.
//
// Datagrams are dropped when Dump is called but the internal buffer is
// full. This happens when disk I/O cannot keep up with the capture rate.
func (tr *PCAPTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// saveLoop is the loop that serializes and writes packets.
func (tr *PCAPTrace) saveLoop(ctx context.Context) {
	// Write the PCAP header
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(tr.snaplen, layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}

	// Loop until we're done and write each entry.
	//
	// Make sure we drain the buffer on exit.
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-tr.records:
					if err := tr.savePacket(w, rec); err != nil {
						tr.errch <- err
						return
					}
				default:
					tr.errch <- nil
					return
				}
			}

		case rec := <-tr.records:
			if err := tr.savePacket(w, rec); err != nil {
				tr.errch <- err
				return
			}
		}
	}
}

// savePacket encapsulates and writes a single captured datagram.
func (tr *PCAPTrace) savePacket(w *pcapgo.Writer, rec pcapRecord) error {
	// 1. wrap the raw segment into IPv4 and UDP
	pkt, err := tr.encapsulate(rec)
	if err != nil {
		return err
	}

	// 2. truncate to the snaplen, preserving the original length
	data := pkt
	if len(data) > int(tr.snaplen) {
		data = data[:tr.snaplen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  len(data),
		Length:         len(pkt),
		InterfaceIndex: 0,
		AncillaryData:  []any{},
	}
	return w.WritePacket(ci, data)
}

// Addresses synthesized for the two sides of the captured flow.
var (
	pcapSenderAddr   = net.IPv4(10, 0, 0, 1)
	pcapReceiverAddr = net.IPv4(10, 0, 0, 2)
)

// encapsulate wraps a raw segment datagram into IPv4 and UDP headers
// matching the direction it traveled.
func (tr *PCAPTrace) encapsulate(rec pcapRecord) ([]byte, error) {
	// 1. choose the flow endpoints by direction
	srcIP, dstIP := pcapSenderAddr, pcapReceiverAddr
	srcPort, dstPort := tr.senderPort, tr.receiverPort
	if rec.dir == DirReverse {
		srcIP, dstIP = dstIP, srcIP
		srcPort, dstPort = dstPort, srcPort
	}

	// 2. build the headers and let the serializer fill in the
	// lengths and the checksums
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(rec.data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close interrupts the background goroutine and waits for it to join
// before closing the packet capture file.
func (tr *PCAPTrace) Close() (err error) {
	tr.once.Do(func() {
		// notify the background goroutine to terminate
		tr.cancel()

		// wait for the goroutine to terminate
		err1 := <-tr.errch

		// close the open capture file
		err2 := tr.wc.Close()

		// assemble a common error (nil on success)
		err = errors.Join(err1, err2)
	})
	return
}
