// SPDX-License-Identifier: GPL-3.0-or-later

package urp_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/urp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runTransferWithTrace moves a small payload across the given links
// with the sender recording its timeline to trace.
func runTransferWithTrace(t *testing.T, slink, rlink *urp.Link, trace urp.TraceSink) {
	t.Helper()

	sender, err := urp.NewSender(urp.SenderConfig{
		Input:     bytes.NewReader(makeTransferInput(1500)),
		InputSize: 1500,
		Link:      slink,
		MaxWindow: 1000,
		MSS:       1000,
		RTO:       time.Second,
		Trace:     trace,
	})
	require.NoError(t, err)

	receiver, err := urp.NewReceiver(urp.ReceiverConfig{
		Output: &bytes.Buffer{},
		Link:   rlink,
		Linger: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	wg := &sync.WaitGroup{}
	wg.Go(func() {
		_, serr := sender.Run(context.Background())
		assert.NoError(t, serr)
	})
	wg.Go(func() {
		_, rerr := receiver.Run(context.Background())
		assert.NoError(t, rerr)
	})
	wg.Wait()
}

func TestRunLogRecord(t *testing.T) {
	var sb strings.Builder
	rl := urp.NewRunLog(&sb)

	rl.Record(urp.Entry{
		Event:   urp.TraceSend,
		Verdict: urp.VerdictPass,
		Elapsed: 420 * time.Microsecond,
		Flags:   urp.FlagDATA,
		Seq:     1000,
		Ack:     0,
		Length:  1000,
	})
	rl.Record(urp.Entry{
		Event:   urp.TraceRecv,
		Verdict: urp.VerdictPass,
		Elapsed: 1070 * time.Microsecond,
		Flags:   urp.FlagACK,
		Seq:     0,
		Ack:     2000,
		Length:  0,
	})
	rl.Record(urp.Entry{
		Event:   urp.TraceSend,
		Verdict: urp.VerdictDrop,
		Elapsed: 2 * time.Millisecond,
		Flags:   urp.FlagSYN,
		Seq:     0,
		Ack:     0,
		Length:  0,
	})

	expected := "snd  ok         0.42  DATA                1000           0    1000\n" +
		"rcv  ok         1.07  ACK                    0        2000       0\n" +
		"snd  drp        2.00  SYN                    0           0       0\n"
	assert.Equal(t, expected, sb.String())
}

func TestWriteSenderSummary(t *testing.T) {
	var sb strings.Builder
	err := urp.WriteSenderSummary(&sb, urp.SenderStats{
		OriginalDataBytes:          1,
		OriginalDataSegments:       2,
		TotalDataBytes:             3,
		TotalSegmentsSent:          4,
		TimeoutRetransmissions:     5,
		FastRetransmissions:        6,
		DuplicateAcksReceived:      7,
		CorruptedSegmentsDiscarded: 8,
		ProtocolViolations:         9,
		ForwardDropped:             10,
		ForwardCorrupted:           11,
		ReverseDropped:             12,
		ReverseCorrupted:           13,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.Len(t, lines, 13)

	// the first row locks the column layout
	assert.Equal(t, "Original data bytes:                        1", lines[0])

	// the remaining rows follow the same layout in a fixed order
	rows := []struct {
		label string
		value uint64
	}{
		{"Original data bytes:", 1},
		{"Original data segments:", 2},
		{"Total data bytes sent:", 3},
		{"Total segments sent:", 4},
		{"Timeout retransmissions:", 5},
		{"Fast retransmissions:", 6},
		{"Duplicate acks received:", 7},
		{"Corrupted segments discarded:", 8},
		{"Protocol violations:", 9},
		{"Forward segments dropped:", 10},
		{"Forward segments corrupted:", 11},
		{"Reverse segments dropped:", 12},
		{"Reverse segments corrupted:", 13},
	}
	for idx, row := range rows {
		assert.Equal(t, fmt.Sprintf("%-34s %10d", row.label, row.value), lines[idx])
	}
}

func TestWriteReceiverSummary(t *testing.T) {
	var sb strings.Builder
	err := urp.WriteReceiverSummary(&sb, urp.ReceiverStats{
		OriginalDataBytes:          1,
		OriginalDataSegments:       2,
		TotalDataBytes:             3,
		TotalDataSegments:          4,
		TotalSegmentsReceived:      5,
		TotalAcksSent:              6,
		DuplicateAcksSent:          7,
		DuplicateDataSegments:      8,
		OutOfOrderDataSegments:     9,
		CorruptedSegmentsDiscarded: 10,
		ProtocolViolations:         11,
		ForwardDropped:             12,
		ForwardCorrupted:           13,
		ReverseDropped:             14,
		ReverseCorrupted:           15,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.Len(t, lines, 15)

	rows := []struct {
		label string
		value uint64
	}{
		{"Original data bytes received:", 1},
		{"Original data segments received:", 2},
		{"Total data bytes received:", 3},
		{"Total data segments received:", 4},
		{"Total segments received:", 5},
		{"Total acks sent:", 6},
		{"Duplicate acks sent:", 7},
		{"Duplicate data segments:", 8},
		{"Out-of-order data segments:", 9},
		{"Corrupted segments discarded:", 10},
		{"Protocol violations:", 11},
		{"Forward segments dropped:", 12},
		{"Forward segments corrupted:", 13},
		{"Reverse segments dropped:", 14},
		{"Reverse segments corrupted:", 15},
	}
	for idx, row := range rows {
		assert.Equal(t, fmt.Sprintf("%-34s %10d", row.label, row.value), lines[idx])
	}
}

func TestTransferWritesRunLog(t *testing.T) {
	// feed a sender-side run log through a whole transfer
	var sb strings.Builder
	wire := urp.NewWire()
	spc, rpc := wire.Endpoints()
	slink := urp.NewLink(spc, rpc.LocalAddr(), urp.DirForward)
	rlink := urp.NewLink(rpc, spc.LocalAddr(), urp.DirReverse)
	defer slink.Close()
	defer rlink.Close()

	runTransferWithTrace(t, slink, rlink, urp.NewRunLog(&sb))

	// the timeline starts with the SYN and mentions the whole lifecycle
	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "snd"))
	assert.Contains(t, lines[0], "SYN")
	assert.Contains(t, sb.String(), "DATA")
	assert.Contains(t, sb.String(), "SYN|ACK")
	assert.Contains(t, sb.String(), "FIN|ACK")
}
