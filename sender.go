// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"
)

// Defaults for [SenderConfig].
const (
	// DefaultRTO is the default retransmission timeout.
	DefaultRTO = 100 * time.Millisecond

	// DefaultMaxRetries is the default retry budget.
	DefaultMaxRetries = 10
)

// MaxTransferSize is the largest input size a [*Sender] can transfer,
// bounded by the 32-bit sequence offset space.
const MaxTransferSize = math.MaxUint32

// dupAckThreshold is the number of consecutive duplicate acknowledgments
// that triggers a fast retransmission.
const dupAckThreshold = 3

// ErrMaxRetries indicates that the retransmission timer expired too many
// consecutive times without the transfer making progress, which usually
// means the peer is unreachable or the channel is unusable.
var ErrMaxRetries = errors.New("urp: too many retransmissions without progress")

// SenderConfig contains the configuration for [NewSender].
type SenderConfig struct {
	// Input provides the payload bytes to transfer. Retransmission
	// re-reads already-sent windows, hence the [io.ReaderAt].
	Input io.ReaderAt

	// InputSize is the total number of payload bytes to transfer. It
	// must not exceed [MaxTransferSize].
	InputSize int64

	// Link is the fault-injecting boundary to the receiver.
	Link *Link

	// MaxWindow bounds the number of unacknowledged payload bytes in
	// flight. It must be positive. Values smaller than the MSS degrade
	// the sender to stop-and-wait.
	MaxWindow int

	// MSS is the maximum payload size of a single segment, at most
	// [MaxMSS]. Zero means [DefaultMSS].
	MSS int

	// RTO is the retransmission timeout. Zero means [DefaultRTO].
	RTO time.Duration

	// MaxRetries bounds the consecutive expiries of the retransmission
	// timer without progress before the run fails with [ErrMaxRetries].
	// Zero means [DefaultMaxRetries].
	MaxRetries int

	// Trace optionally receives per-segment trace entries.
	Trace TraceSink
}

// Sender transfers a byte stream, reliably and in order, to a
// [*Receiver] across an unreliable datagram channel.
//
// Construct using [NewSender].
type Sender struct {
	// link is the fault-injecting datagram boundary.
	link *Link

	// mach is the protocol state machine.
	mach *senderMachine

	// mss is the maximum payload size of a single segment.
	mss int

	// maxWin bounds the unacknowledged bytes in flight.
	maxWin int

	// ran tells whether Run was already invoked.
	ran atomic.Bool

	// rto is the retransmission timeout.
	rto time.Duration

	// start is when Run started, the base for trace timestamps.
	start time.Time

	// stats accumulates the run counters.
	stats *SenderStats

	// trace optionally receives per-segment trace entries.
	trace TraceSink
}

// NewSender creates a new [*Sender] instance.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Input == nil {
		return nil, errors.New("urp: sender: no input")
	}
	if cfg.InputSize < 0 || cfg.InputSize > MaxTransferSize {
		return nil, fmt.Errorf("urp: sender: input size %d outside [0, %d]", cfg.InputSize, uint64(MaxTransferSize))
	}
	if cfg.Link == nil {
		return nil, errors.New("urp: sender: no link")
	}
	if cfg.MaxWindow < 1 {
		return nil, fmt.Errorf("urp: sender: max window %d is not positive", cfg.MaxWindow)
	}
	mss := cfg.MSS
	if mss == 0 {
		mss = DefaultMSS
	}
	if mss < 1 || mss > MaxMSS {
		return nil, fmt.Errorf("urp: sender: MSS %d outside [1, %d]", cfg.MSS, MaxMSS)
	}
	rto := cfg.RTO
	if rto == 0 {
		rto = DefaultRTO
	}
	if rto < 0 {
		return nil, fmt.Errorf("urp: sender: negative RTO %s", cfg.RTO)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("urp: sender: negative max retries %d", cfg.MaxRetries)
	}

	stats := &SenderStats{}
	s := &Sender{
		link:   cfg.Link,
		mach:   newSenderMachine(cfg.Input, uint32(cfg.InputSize), uint32(cfg.MaxWindow), uint32(mss), maxRetries, stats),
		mss:    mss,
		maxWin: cfg.MaxWindow,
		ran:    atomic.Bool{},
		rto:    rto,
		start:  time.Time{},
		stats:  stats,
		trace:  cfg.Trace,
	}
	return s, nil
}

// Run performs the transfer and returns the final counters. It blocks
// until the whole input is transferred and acknowledged, the retry
// budget is exhausted, reading from the link fails, or the context is
// canceled, whichever comes first.
//
// Run does not close the link: after it returns, the caller must close
// the link to release the goroutine reading datagrams.
//
// Run must be invoked at most once.
func (s *Sender) Run(ctx context.Context) (SenderStats, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return SenderStats{}, errors.New("urp: sender: already ran")
	}
	s.start = time.Now()
	loop := &eventLoop{
		backlog:  inboundBacklog(s.maxWin, s.mss),
		engine:   s.mach,
		link:     s.link,
		observer: s,
		timeout:  s.rto,
	}
	err := loop.run(ctx)
	stats := *s.stats
	stats.mergeLink(s.link)
	return stats, err
}

// Ensure that [*Sender] implements [loopObserver].
var _ loopObserver = &Sender{}

// observeSent implements [loopObserver].
func (s *Sender) observeSent(seg Segment, verdict Verdict) {
	if verdict != VerdictDrop {
		s.stats.TotalSegmentsSent++
		if seg.Flags.Has(FlagDATA) {
			s.stats.TotalDataBytes += uint64(len(seg.Payload))
		}
	}
	s.record(TraceSend, verdict, seg)
}

// observeRecv implements [loopObserver].
func (s *Sender) observeRecv(seg Segment, verdict Verdict) {
	s.record(TraceRecv, verdict, seg)
}

// observeGarbage implements [loopObserver].
func (s *Sender) observeGarbage(raw []byte) {
	s.stats.CorruptedSegmentsDiscarded++
	if seg, ok := decodeSegmentLoose(raw); ok {
		s.record(TraceRecv, VerdictCorrupt, seg)
	}
}

// record emits a trace entry when tracing is enabled.
func (s *Sender) record(ev TraceEvent, verdict Verdict, seg Segment) {
	if s.trace != nil {
		s.trace.Record(Entry{
			Event:   ev,
			Verdict: verdict,
			Elapsed: time.Since(s.start),
			Flags:   seg.Flags,
			Seq:     seg.Seq,
			Ack:     seg.Ack,
			Length:  len(seg.Payload),
		})
	}
}

// senderState enumerates the sender lifecycle states.
type senderState int

const (
	// senderClosed is both the initial and the terminal state.
	senderClosed = senderState(iota)

	// senderSynSent means the opening SYN awaits its acknowledgment.
	senderSynSent

	// senderEstablished means payload transfer is in progress.
	senderEstablished

	// senderClosing means the closing FIN awaits its acknowledgment.
	senderClosing
)

// String implements [fmt.Stringer].
func (st senderState) String() string {
	switch st {
	case senderClosed:
		return "CLOSED"
	case senderSynSent:
		return "SYN_SENT"
	case senderEstablished:
		return "ESTABLISHED"
	case senderClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("senderState(%d)", int(st))
	}
}

// span is a sent, not-yet-acknowledged stretch of payload bytes.
type span struct {
	// off is the byte offset of the first byte.
	off uint32

	// size is the number of bytes.
	size uint32
}

// senderMachine is the sender's protocol state machine. Transitions are
// pure: they mutate only machine state and return the segments to
// transmit plus a timer command, while the event loop performs the I/O.
//
// The machine tracks the transfer through three byte offsets: base is
// the lowest unacknowledged offset, next is the lowest unsent offset,
// and total is the input size. The window invariant next-base <= maxWin
// holds after every transition.
type senderMachine struct {
	// base is the lowest unacknowledged byte offset.
	base uint32

	// complete tells whether the transfer succeeded.
	complete bool

	// dupAcks counts consecutive duplicate acknowledgments of base.
	dupAcks int

	// err is the terminal failure, nil while running.
	err error

	// inflight lists the outstanding segments, oldest first. The spans
	// preserve the original segmentation so that retransmissions resend
	// exactly the segments the receiver may have partially seen.
	inflight []span

	// input provides the payload bytes.
	input io.ReaderAt

	// maxRetries bounds consecutive timer expiries without progress.
	maxRetries int

	// maxWin bounds next-base.
	maxWin uint32

	// mss bounds the payload size of a single segment.
	mss uint32

	// next is the lowest unsent byte offset.
	next uint32

	// retries counts consecutive timer expiries without progress.
	retries int

	// state is the current lifecycle state.
	state senderState

	// stats counts the protocol-level events.
	stats *SenderStats

	// total is the input size in bytes.
	total uint32
}

// newSenderMachine creates a new [*senderMachine] instance.
func newSenderMachine(input io.ReaderAt, total, maxWin, mss uint32, maxRetries int, stats *SenderStats) *senderMachine {
	return &senderMachine{
		base:       0,
		complete:   false,
		dupAcks:    0,
		err:        nil,
		inflight:   nil,
		input:      input,
		maxRetries: maxRetries,
		maxWin:     maxWin,
		mss:        mss,
		next:       0,
		retries:    0,
		state:      senderClosed,
		stats:      stats,
		total:      total,
	}
}

// Ensure that [*senderMachine] implements [machine].
var _ machine = &senderMachine{}

// start implements [machine].
func (sm *senderMachine) start() ([]Segment, timerCmd) {
	sm.state = senderSynSent
	return []Segment{sm.synSegment()}, timerArm
}

// onSegment implements [machine].
func (sm *senderMachine) onSegment(seg Segment) ([]Segment, timerCmd) {
	switch sm.state {
	case senderSynSent:
		return sm.onSegmentSynSent(seg)
	case senderEstablished:
		return sm.onSegmentEstablished(seg)
	case senderClosing:
		return sm.onSegmentClosing(seg)
	default:
		return nil, timerNone
	}
}

// onSegmentSynSent handles a segment while the opening SYN is pending.
func (sm *senderMachine) onSegmentSynSent(seg Segment) ([]Segment, timerCmd) {
	// only a SYN+ACK acknowledging our initial offset opens the stream
	if !seg.Flags.Has(FlagSYN|FlagACK) || seg.Ack != sm.base {
		sm.stats.ProtocolViolations++
		return nil, timerNone
	}
	sm.state = senderEstablished
	sm.retries = 0
	return sm.pump(), timerArm
}

// onSegmentEstablished handles a segment while transferring payload.
func (sm *senderMachine) onSegmentEstablished(seg Segment) ([]Segment, timerCmd) {
	// a late duplicate SYN+ACK is a benign handshake leftover
	if seg.Flags.Has(FlagSYN) {
		return nil, timerNone
	}

	// nothing but acknowledgments may reach the sender
	if seg.Flags != FlagACK {
		sm.stats.ProtocolViolations++
		return nil, timerNone
	}
	return sm.onAck(seg.Ack)
}

// onAck handles a cumulative acknowledgment while transferring payload.
func (sm *senderMachine) onAck(ack uint32) ([]Segment, timerCmd) {
	switch {
	// acknowledging bytes never sent is impossible
	case ack > sm.next:
		sm.stats.ProtocolViolations++
		return nil, timerNone

	// stale acknowledgment of bytes already acknowledged
	case ack < sm.base:
		return nil, timerNone

	// duplicate acknowledgment: fast-retransmit on the third in a row
	case ack == sm.base:
		if sm.next == sm.base {
			return nil, timerNone
		}
		sm.stats.DuplicateAcksReceived++
		sm.dupAcks++

		// fire exactly on the third duplicate: later duplicates of the
		// same acknowledgment must not retrigger the retransmission
		if sm.dupAcks != dupAckThreshold {
			return nil, timerNone
		}
		seg, ok := sm.readSegment(sm.inflight[0])
		if !ok {
			return nil, timerStop
		}
		sm.stats.FastRetransmissions++
		return []Segment{seg}, timerNone

	// progress: slide the window and transmit what it now admits
	default:
		sm.advance(ack)
		return sm.pump(), timerArm
	}
}

// onSegmentClosing handles a segment while the closing FIN is pending.
func (sm *senderMachine) onSegmentClosing(seg Segment) ([]Segment, timerCmd) {
	// the close handshake completes with a FIN+ACK covering the
	// whole transfer
	if seg.Flags.Has(FlagFIN|FlagACK) && seg.Ack == sm.total {
		sm.state = senderClosed
		sm.complete = true
		return nil, timerStop
	}

	// late duplicates of the final data acknowledgment are benign
	if seg.Flags == FlagACK {
		return nil, timerNone
	}
	sm.stats.ProtocolViolations++
	return nil, timerNone
}

// onTimer implements [machine].
func (sm *senderMachine) onTimer() ([]Segment, timerCmd) {
	switch sm.state {
	case senderSynSent:
		if !sm.budget("handshake") {
			return nil, timerStop
		}
		sm.stats.TimeoutRetransmissions++
		return []Segment{sm.synSegment()}, timerArm

	case senderEstablished:
		// a fire with nothing outstanding is stale
		if len(sm.inflight) <= 0 {
			return nil, timerStop
		}
		if !sm.budget(fmt.Sprintf("data at offset %d", sm.base)) {
			return nil, timerStop
		}

		// go-back-N: resend every outstanding segment, oldest first
		outs := make([]Segment, 0, len(sm.inflight))
		for _, sp := range sm.inflight {
			seg, ok := sm.readSegment(sp)
			if !ok {
				return nil, timerStop
			}
			outs = append(outs, seg)
		}
		sm.stats.TimeoutRetransmissions += uint64(len(outs))
		return outs, timerArm

	case senderClosing:
		if !sm.budget("close handshake") {
			return nil, timerStop
		}
		sm.stats.TimeoutRetransmissions++
		return []Segment{sm.finSegment()}, timerArm

	default:
		return nil, timerStop
	}
}

// done implements [machine].
func (sm *senderMachine) done() bool {
	return sm.complete || sm.err != nil
}

// failure implements [machine].
func (sm *senderMachine) failure() error {
	return sm.err
}

// pump carves and returns as many new data segments as the window
// admits, then closes the stream once everything is acknowledged.
func (sm *senderMachine) pump() []Segment {
	var outs []Segment
	for sm.next < sm.total && sm.next-sm.base < sm.maxWin {
		size := min(sm.mss, sm.total-sm.next, sm.maxWin-(sm.next-sm.base))
		sp := span{off: sm.next, size: size}
		seg, ok := sm.readSegment(sp)
		if !ok {
			return outs
		}
		sm.inflight = append(sm.inflight, sp)
		sm.next += size
		sm.stats.OriginalDataSegments++
		sm.stats.OriginalDataBytes += uint64(size)
		outs = append(outs, seg)
	}

	// everything sent and acknowledged: begin the close handshake
	if sm.base == sm.total && sm.next == sm.total && sm.state == senderEstablished {
		sm.state = senderClosing
		sm.retries = 0
		outs = append(outs, sm.finSegment())
	}
	return outs
}

// advance slides the window base to the given cumulative acknowledgment
// and resets the duplicate-acknowledgment and retry counters.
func (sm *senderMachine) advance(ack uint32) {
	sm.base = ack
	sm.dupAcks = 0
	sm.retries = 0

	// retire fully acknowledged segments and clip a partially
	// acknowledged head so retransmissions never resend acked bytes
	for len(sm.inflight) > 0 {
		head := sm.inflight[0]
		if head.off+head.size <= ack {
			sm.inflight = sm.inflight[1:]
			continue
		}
		if head.off < ack {
			head.size -= ack - head.off
			head.off = ack
			sm.inflight[0] = head
		}
		break
	}
}

// budget consumes one retry from the retransmission budget, failing the
// machine when the budget is exhausted. The budget resets whenever the
// transfer makes progress.
func (sm *senderMachine) budget(what string) bool {
	sm.retries++
	if sm.retries > sm.maxRetries {
		sm.fail(fmt.Errorf("%w: %s", ErrMaxRetries, what))
		return false
	}
	return true
}

// readSegment rebuilds the data segment covering the given span by
// reading its payload from the input. Failing to read is a terminal
// error: the input is gone and the transfer cannot be completed.
func (sm *senderMachine) readSegment(sp span) (Segment, bool) {
	payload := make([]byte, sp.size)
	n, err := sm.input.ReadAt(payload, int64(sp.off))

	// a full read that also reports EOF ended exactly at the input
	// boundary and is not an error
	if n < len(payload) {
		sm.fail(fmt.Errorf("urp: reading input at offset %d: %w", sp.off, err))
		return Segment{}, false
	}
	return Segment{Flags: FlagDATA, Seq: sp.off, Ack: 0, Payload: payload}, true
}

// synSegment builds the segment opening the connection.
func (sm *senderMachine) synSegment() Segment {
	return Segment{Flags: FlagSYN, Seq: sm.base, Ack: 0, Payload: nil}
}

// finSegment builds the segment closing the connection.
func (sm *senderMachine) finSegment() Segment {
	return Segment{Flags: FlagFIN, Seq: sm.total, Ack: 0, Payload: nil}
}

// fail records the terminal failure and halts the machine.
func (sm *senderMachine) fail(err error) {
	if sm.err == nil {
		sm.err = err
	}
	sm.state = senderClosed
}

// window returns the number of bytes currently in flight.
func (sm *senderMachine) window() uint32 {
	return sm.next - sm.base
}
