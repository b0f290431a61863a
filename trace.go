// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"fmt"
	"io"
	"time"
)

// TraceEvent distinguishes sends from receives in an [Entry].
type TraceEvent int

const (
	// TraceSend is a segment handed to the link for transmission.
	TraceSend = TraceEvent(iota)

	// TraceRecv is a segment arriving from the link.
	TraceRecv
)

// String implements [fmt.Stringer].
func (ev TraceEvent) String() string {
	switch ev {
	case TraceSend:
		return "snd"
	case TraceRecv:
		return "rcv"
	default:
		return fmt.Sprintf("event(%d)", int(ev))
	}
}

// Entry is a single per-segment trace record.
type Entry struct {
	// Event says whether the segment was sent or received.
	Event TraceEvent

	// Verdict is what the emulated channel did to the segment.
	Verdict Verdict

	// Elapsed is the time since the endpoint started running.
	Elapsed time.Duration

	// Flags contains the segment flags.
	Flags Flags

	// Seq is the segment sequence offset.
	Seq uint32

	// Ack is the segment acknowledgment offset.
	Ack uint32

	// Length is the segment payload size in bytes.
	Length int
}

// TraceSink consumes per-segment trace entries.
//
// An endpoint's event loop invokes Record one call at a time, so
// implementations need not be safe for concurrent use.
type TraceSink interface {
	Record(e Entry)
}

// RunLog is a [TraceSink] writing a columnar per-segment timeline to
// the given writer, one line per entry:
//
//	snd  ok         0.42  DATA                1000           0    1000
//	rcv  ok         1.07  ACK                    0        2000       0
//
// The columns are event, channel verdict, elapsed milliseconds, flags,
// sequence offset, acknowledgment offset, and payload length.
//
// Construct using [NewRunLog].
type RunLog struct {
	// w is where log lines are written.
	w io.Writer
}

// NewRunLog creates a new [*RunLog] writing to w.
func NewRunLog(w io.Writer) *RunLog {
	return &RunLog{w: w}
}

// Ensure that [*RunLog] implements [TraceSink].
var _ TraceSink = &RunLog{}

// Record implements [TraceSink].
func (rl *RunLog) Record(e Entry) {
	elapsed := float64(e.Elapsed) / float64(time.Millisecond)
	fmt.Fprintf(
		rl.w, "%-3s  %-3s  %10.2f  %-12s  %10d  %10d  %6d\n",
		e.Event, e.Verdict, elapsed, e.Flags, e.Seq, e.Ack, e.Length,
	)
}

// WriteSenderSummary writes the end-of-run summary block for a sender.
func WriteSenderSummary(w io.Writer, st SenderStats) error {
	return writeSummary(w, []summaryRow{
		{"Original data bytes:", st.OriginalDataBytes},
		{"Original data segments:", st.OriginalDataSegments},
		{"Total data bytes sent:", st.TotalDataBytes},
		{"Total segments sent:", st.TotalSegmentsSent},
		{"Timeout retransmissions:", st.TimeoutRetransmissions},
		{"Fast retransmissions:", st.FastRetransmissions},
		{"Duplicate acks received:", st.DuplicateAcksReceived},
		{"Corrupted segments discarded:", st.CorruptedSegmentsDiscarded},
		{"Protocol violations:", st.ProtocolViolations},
		{"Forward segments dropped:", st.ForwardDropped},
		{"Forward segments corrupted:", st.ForwardCorrupted},
		{"Reverse segments dropped:", st.ReverseDropped},
		{"Reverse segments corrupted:", st.ReverseCorrupted},
	})
}

// WriteReceiverSummary writes the end-of-run summary block for a receiver.
func WriteReceiverSummary(w io.Writer, st ReceiverStats) error {
	return writeSummary(w, []summaryRow{
		{"Original data bytes received:", st.OriginalDataBytes},
		{"Original data segments received:", st.OriginalDataSegments},
		{"Total data bytes received:", st.TotalDataBytes},
		{"Total data segments received:", st.TotalDataSegments},
		{"Total segments received:", st.TotalSegmentsReceived},
		{"Total acks sent:", st.TotalAcksSent},
		{"Duplicate acks sent:", st.DuplicateAcksSent},
		{"Duplicate data segments:", st.DuplicateDataSegments},
		{"Out-of-order data segments:", st.OutOfOrderDataSegments},
		{"Corrupted segments discarded:", st.CorruptedSegmentsDiscarded},
		{"Protocol violations:", st.ProtocolViolations},
		{"Forward segments dropped:", st.ForwardDropped},
		{"Forward segments corrupted:", st.ForwardCorrupted},
		{"Reverse segments dropped:", st.ReverseDropped},
		{"Reverse segments corrupted:", st.ReverseCorrupted},
	})
}

// summaryRow is one label/value pair of a summary block.
type summaryRow struct {
	label string
	value uint64
}

// writeSummary writes the rows in a fixed-width layout.
func writeSummary(w io.Writer, rows []summaryRow) error {
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-34s %10d\n", row.label, row.value); err != nil {
			return err
		}
	}
	return nil
}
