// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// DefaultLinger is the default time a [*Receiver] waits after
// acknowledging a FIN before concluding the close handshake succeeded.
const DefaultLinger = 2 * time.Second

// ReceiverConfig contains the configuration for [NewReceiver].
type ReceiverConfig struct {
	// Output receives the payload bytes, in order and exactly once.
	Output io.Writer

	// Link is the fault-injecting boundary to the sender.
	Link *Link

	// MaxWindow is the peer's window bound in bytes, used to size the
	// inbound buffering. Zero means a reasonable default.
	MaxWindow int

	// MSS is the largest payload size the peer may send, at most
	// [MaxMSS]. Zero means [DefaultMSS].
	MSS int

	// Linger is how long to keep answering retransmitted FINs after
	// acknowledging the close handshake. Zero means [DefaultLinger].
	Linger time.Duration

	// Trace optionally receives per-segment trace entries.
	Trace TraceSink
}

// Receiver accepts a byte stream from a [*Sender] across an unreliable
// datagram channel and appends it, in order and exactly once, to the
// configured output.
//
// Construct using [NewReceiver].
type Receiver struct {
	// linger is how long to keep answering retransmitted FINs.
	linger time.Duration

	// link is the fault-injecting datagram boundary.
	link *Link

	// mach is the protocol state machine.
	mach *receiverMachine

	// maxWin is the peer's window bound in bytes.
	maxWin int

	// mss is the largest payload size the peer may send.
	mss int

	// ran tells whether Run was already invoked.
	ran atomic.Bool

	// start is when Run started, the base for trace timestamps.
	start time.Time

	// stats accumulates the run counters.
	stats *ReceiverStats

	// trace optionally receives per-segment trace entries.
	trace TraceSink
}

// NewReceiver creates a new [*Receiver] instance.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Output == nil {
		return nil, errors.New("urp: receiver: no output")
	}
	if cfg.Link == nil {
		return nil, errors.New("urp: receiver: no link")
	}
	if cfg.MaxWindow < 0 {
		return nil, fmt.Errorf("urp: receiver: negative max window %d", cfg.MaxWindow)
	}
	mss := cfg.MSS
	if mss == 0 {
		mss = DefaultMSS
	}
	if mss < 1 || mss > MaxMSS {
		return nil, fmt.Errorf("urp: receiver: MSS %d outside [1, %d]", cfg.MSS, MaxMSS)
	}
	linger := cfg.Linger
	if linger == 0 {
		linger = DefaultLinger
	}
	if linger < 0 {
		return nil, fmt.Errorf("urp: receiver: negative linger %s", cfg.Linger)
	}

	stats := &ReceiverStats{}
	r := &Receiver{
		linger: linger,
		link:   cfg.Link,
		mach:   newReceiverMachine(cfg.Output, stats),
		maxWin: cfg.MaxWindow,
		mss:    mss,
		ran:    atomic.Bool{},
		start:  time.Time{},
		stats:  stats,
		trace:  cfg.Trace,
	}
	return r, nil
}

// Run accepts a single transfer and returns the final counters. It
// blocks until the close handshake and the subsequent linger complete,
// writing to the output fails, reading from the link fails, or the
// context is canceled, whichever comes first.
//
// Run does not close the link: after it returns, the caller must close
// the link to release the goroutine reading datagrams.
//
// Run must be invoked at most once.
func (r *Receiver) Run(ctx context.Context) (ReceiverStats, error) {
	if !r.ran.CompareAndSwap(false, true) {
		return ReceiverStats{}, errors.New("urp: receiver: already ran")
	}
	r.start = time.Now()
	loop := &eventLoop{
		backlog:  inboundBacklog(r.maxWin, r.mss),
		engine:   r.mach,
		link:     r.link,
		observer: r,
		timeout:  r.linger,
	}
	err := loop.run(ctx)
	stats := *r.stats
	stats.mergeLink(r.link)
	return stats, err
}

// Ensure that [*Receiver] implements [loopObserver].
var _ loopObserver = &Receiver{}

// observeSent implements [loopObserver].
func (r *Receiver) observeSent(seg Segment, verdict Verdict) {
	r.record(TraceSend, verdict, seg)
}

// observeRecv implements [loopObserver].
func (r *Receiver) observeRecv(seg Segment, verdict Verdict) {
	r.stats.TotalSegmentsReceived++
	r.record(TraceRecv, verdict, seg)
}

// observeGarbage implements [loopObserver].
func (r *Receiver) observeGarbage(raw []byte) {
	r.stats.CorruptedSegmentsDiscarded++
	if seg, ok := decodeSegmentLoose(raw); ok {
		r.record(TraceRecv, VerdictCorrupt, seg)
	}
}

// record emits a trace entry when tracing is enabled.
func (r *Receiver) record(ev TraceEvent, verdict Verdict, seg Segment) {
	if r.trace != nil {
		r.trace.Record(Entry{
			Event:   ev,
			Verdict: verdict,
			Elapsed: time.Since(r.start),
			Flags:   seg.Flags,
			Seq:     seg.Seq,
			Ack:     seg.Ack,
			Length:  len(seg.Payload),
		})
	}
}

// receiverState enumerates the receiver lifecycle states.
type receiverState int

const (
	// receiverListen means no connection was opened yet.
	receiverListen = receiverState(iota)

	// receiverEstablished means payload transfer is in progress.
	receiverEstablished

	// receiverClosing means the close handshake was acknowledged and
	// the receiver lingers answering retransmitted FINs.
	receiverClosing

	// receiverClosed is the terminal state.
	receiverClosed
)

// String implements [fmt.Stringer].
func (st receiverState) String() string {
	switch st {
	case receiverListen:
		return "LISTEN"
	case receiverEstablished:
		return "ESTABLISHED"
	case receiverClosing:
		return "CLOSING"
	case receiverClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("receiverState(%d)", int(st))
	}
}

// receiverMachine is the receiver's protocol state machine. Transitions
// are pure: they mutate only machine state and return the segments to
// transmit plus a timer command, while the event loop performs the I/O.
//
// The machine has no reordering buffer: a data segment is either the
// next in-order stretch of the stream, in which case it is appended to
// the output and acknowledged, or it is discarded and the current
// cumulative acknowledgment is restated. The output thus receives every
// byte in order and exactly once.
type receiverMachine struct {
	// complete tells whether the transfer succeeded.
	complete bool

	// err is the terminal failure, nil while running.
	err error

	// expected is the byte offset the stream cursor is at.
	expected uint32

	// output receives the in-order payload bytes.
	output io.Writer

	// state is the current lifecycle state.
	state receiverState

	// stats counts the protocol-level events.
	stats *ReceiverStats
}

// newReceiverMachine creates a new [*receiverMachine] instance.
func newReceiverMachine(output io.Writer, stats *ReceiverStats) *receiverMachine {
	return &receiverMachine{
		complete: false,
		err:      nil,
		expected: 0,
		output:   output,
		state:    receiverListen,
		stats:    stats,
	}
}

// Ensure that [*receiverMachine] implements [machine].
var _ machine = &receiverMachine{}

// start implements [machine].
func (rm *receiverMachine) start() ([]Segment, timerCmd) {
	rm.state = receiverListen
	return nil, timerNone
}

// onSegment implements [machine].
func (rm *receiverMachine) onSegment(seg Segment) ([]Segment, timerCmd) {
	switch rm.state {
	case receiverListen:
		return rm.onSegmentListen(seg)
	case receiverEstablished:
		return rm.onSegmentEstablished(seg)
	case receiverClosing:
		return rm.onSegmentClosing(seg)
	default:
		return nil, timerNone
	}
}

// onSegmentListen handles a segment while waiting for a connection.
func (rm *receiverMachine) onSegmentListen(seg Segment) ([]Segment, timerCmd) {
	if seg.Flags != FlagSYN {
		rm.stats.ProtocolViolations++
		return nil, timerNone
	}

	// the SYN sequence is the offset of the first payload byte
	rm.expected = seg.Seq
	rm.state = receiverEstablished
	return rm.ack(FlagSYN | FlagACK), timerNone
}

// onSegmentEstablished handles a segment while transferring payload.
func (rm *receiverMachine) onSegmentEstablished(seg Segment) ([]Segment, timerCmd) {
	switch seg.Flags {
	// a retransmitted SYN means our SYN+ACK was lost
	case FlagSYN:
		return rm.ack(FlagSYN | FlagACK), timerNone

	case FlagDATA:
		return rm.onData(seg)

	case FlagFIN:
		// a FIN not covering the whole stream we have seen so far
		// would silently truncate the transfer
		if seg.Seq != rm.expected {
			rm.stats.ProtocolViolations++
			return nil, timerNone
		}
		rm.state = receiverClosing
		return rm.ack(FlagFIN | FlagACK), timerArm

	default:
		rm.stats.ProtocolViolations++
		return nil, timerNone
	}
}

// onSegmentClosing handles a segment while lingering after the close.
func (rm *receiverMachine) onSegmentClosing(seg Segment) ([]Segment, timerCmd) {
	// a retransmitted FIN means our FIN+ACK was lost: answer it
	// again and restart the linger period
	if seg.Flags == FlagFIN && seg.Seq == rm.expected {
		return rm.ack(FlagFIN | FlagACK), timerArm
	}
	rm.stats.ProtocolViolations++
	return nil, timerNone
}

// onData handles a data segment while transferring payload.
func (rm *receiverMachine) onData(seg Segment) ([]Segment, timerCmd) {
	rm.stats.TotalDataSegments++
	rm.stats.TotalDataBytes += uint64(len(seg.Payload))

	// the segment at the cursor extends the stream: deliver it
	if seg.Seq == rm.expected {
		if _, err := rm.output.Write(seg.Payload); err != nil {
			rm.fail(fmt.Errorf("urp: writing output at offset %d: %w", seg.Seq, err))
			return nil, timerStop
		}
		rm.expected += uint32(len(seg.Payload))
		rm.stats.OriginalDataSegments++
		rm.stats.OriginalDataBytes += uint64(len(seg.Payload))
		return rm.ack(FlagACK), timerNone
	}

	// anywhere else: discard the payload and restate the cumulative
	// acknowledgment so the sender learns where the stream stands
	if seg.Seq < rm.expected {
		rm.stats.DuplicateDataSegments++
	} else {
		rm.stats.OutOfOrderDataSegments++
	}
	rm.stats.DuplicateAcksSent++
	return rm.ack(FlagACK), timerNone
}

// onTimer implements [machine]. The timer is the linger period: once it
// expires without further FINs, the close handshake is over.
func (rm *receiverMachine) onTimer() ([]Segment, timerCmd) {
	if rm.state == receiverClosing {
		rm.state = receiverClosed
		rm.complete = true
	}
	return nil, timerStop
}

// done implements [machine].
func (rm *receiverMachine) done() bool {
	return rm.complete || rm.err != nil
}

// failure implements [machine].
func (rm *receiverMachine) failure() error {
	return rm.err
}

// ack builds an acknowledgment restating the current cursor.
func (rm *receiverMachine) ack(flags Flags) []Segment {
	rm.stats.TotalAcksSent++
	return []Segment{{Flags: flags, Seq: 0, Ack: rm.expected, Payload: nil}}
}

// fail records the terminal failure and halts the machine.
func (rm *receiverMachine) fail(err error) {
	if rm.err == nil {
		rm.err = err
	}
	rm.state = receiverClosed
}
