// SPDX-License-Identifier: GPL-3.0-or-later

package urp_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bassosimone/iotest"
	"github.com/bassosimone/urp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCAPTraceRoundTrip(t *testing.T) {
	// create a trace writing into an in-memory buffer
	buf := &bytes.Buffer{}
	wc := &iotest.FuncWriteCloser{
		WriteFunc: buf.Write,
		CloseFunc: func() error {
			return nil
		},
	}
	trace := urp.NewPCAPTrace(wc, urp.PCAPTraceOptionFlow(42001, 42002))

	// capture a data segment and an ack traveling in opposite directions
	data := urp.Segment{
		Flags:   urp.FlagDATA,
		Seq:     1000,
		Ack:     0,
		Payload: []byte("0xdeadbeef"),
	}
	ack := urp.Segment{
		Flags: urp.FlagACK,
		Seq:   0,
		Ack:   2000,
	}
	trace.Dump(urp.DirForward, urp.EncodeSegment(data))
	trace.Dump(urp.DirReverse, urp.EncodeSegment(ack))
	require.NoError(t, trace.Close())

	// open the capture and check the link type
	reader, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, reader.LinkType())

	// each captured packet must carry the synthesized flow matching
	// its direction and decode back to the original segment
	expect := []struct {
		seg     urp.Segment
		srcIP   string
		dstIP   string
		srcPort uint16
		dstPort uint16
	}{
		{data, "10.0.0.1", "10.0.0.2", 42001, 42002},
		{ack, "10.0.0.2", "10.0.0.1", 42002, 42001},
	}
	for _, want := range expect {
		raw, _, err := reader.ReadPacketData()
		require.NoError(t, err)
		pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)

		ip, good := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, good)
		assert.Equal(t, want.srcIP, ip.SrcIP.String())
		assert.Equal(t, want.dstIP, ip.DstIP.String())

		udp, good := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.True(t, good)
		assert.EqualValues(t, want.srcPort, udp.SrcPort)
		assert.EqualValues(t, want.dstPort, udp.DstPort)

		seg, err := urp.DecodeSegment(udp.Payload)
		require.NoError(t, err)
		assert.Equal(t, want.seg, seg)
	}

	// there must be nothing else in the capture
	_, _, err = reader.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPCAPTraceSnaplenTruncation(t *testing.T) {
	buf := &bytes.Buffer{}
	wc := &iotest.FuncWriteCloser{
		WriteFunc: buf.Write,
		CloseFunc: func() error {
			return nil
		},
	}
	trace := urp.NewPCAPTrace(wc, urp.PCAPTraceOptionSnaplen(40))

	// a 1000 bytes payload plus IPv4 and UDP headers is way above the snaplen
	seg := urp.Segment{
		Flags:   urp.FlagDATA,
		Payload: bytes.Repeat([]byte{0xaa}, 1000),
	}
	raw := urp.EncodeSegment(seg)
	trace.Dump(urp.DirForward, raw)
	require.NoError(t, trace.Close())

	reader, err := pcapgo.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	data, ci, err := reader.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, 40, ci.CaptureLength)
	assert.Equal(t, len(raw)+28, ci.Length) // 20 bytes IPv4 + 8 bytes UDP
	assert.Len(t, data, 40)
}

func TestPCAPTraceCloseHeaderWriteError(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func([]byte) (int, error) {
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}
	trace := urp.NewPCAPTrace(wc)
	err := trace.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, writeErr))
	assert.True(t, errors.Is(err, closeErr))

	// closing again is a no-op
	assert.NoError(t, trace.Close())
}

func TestPCAPTraceDroppedWhenBufferFull(t *testing.T) {
	// the gated write blocks the worker on the file header, so
	// nothing drains the records buffer in the meanwhile
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := urp.NewPCAPTrace(wc, urp.PCAPTraceOptionBuffer(1))
	trace.Dump(urp.DirForward, []byte{0x00})
	trace.Dump(urp.DirReverse, []byte{0x01})
	assert.Equal(t, uint64(1), trace.Dropped())
	close(gate)
	require.NoError(t, trace.Close())
}

func TestPCAPTraceFirstPacketWriteFails(t *testing.T) {
	// prepare the mock for failing during the first packet write,
	// which is the second write overall after the file header
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	var countWrites uint32
	packetWrite := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			if atomic.AddUint32(&countWrites, 1) == 1 {
				return len(b), nil
			}
			close(packetWrite)
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}

	// create the trace and dump the packet whose write should fail
	trace := urp.NewPCAPTrace(wc)
	trace.Dump(urp.DirForward, []byte{0x00})

	// wait for the failing write to happen before continuing
	<-packetWrite

	// close the trace and check we see both errors
	err := trace.Close()
	t.Log(err)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), writeErr.Error()))
	assert.True(t, errors.Is(err, closeErr))
}
