// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"context"
	"fmt"
	"time"
)

// timerCmd tells the event loop what to do with its timer after a
// machine transition.
type timerCmd int

const (
	// timerNone leaves the timer alone.
	timerNone = timerCmd(iota)

	// timerArm arms the timer for a full interval, restarting it when
	// it is already running.
	timerArm

	// timerStop cancels the timer.
	timerStop
)

// machine is the protocol engine driven by an [*eventLoop]. Each method
// is a pure transition: it mutates only engine state and returns the
// segments to transmit plus a timer command, performing no I/O itself.
type machine interface {
	// start runs the initial transition.
	start() ([]Segment, timerCmd)

	// onSegment reacts to a valid inbound segment.
	onSegment(seg Segment) ([]Segment, timerCmd)

	// onTimer reacts to the timer expiring.
	onTimer() ([]Segment, timerCmd)

	// done returns whether a terminal state was reached.
	done() bool

	// failure returns the terminal error, nil on success.
	failure() error
}

// loopObserver receives wire-level notifications from an [*eventLoop].
type loopObserver interface {
	// observeSent is invoked after a segment is submitted to the link.
	observeSent(seg Segment, verdict Verdict)

	// observeRecv is invoked for each valid inbound segment, before the
	// machine processes it.
	observeRecv(seg Segment, verdict Verdict)

	// observeGarbage is invoked for inbound datagrams failing validation.
	observeGarbage(raw []byte)
}

// eventLoop serializes every input of a protocol engine, whether an
// inbound datagram or a timer expiry, onto a single goroutine that runs
// the corresponding [machine] transition and performs the resulting I/O.
type eventLoop struct {
	// backlog is the inbound datagram channel capacity.
	backlog int

	// engine is the protocol machine to drive.
	engine machine

	// link is the fault-injecting datagram boundary.
	link *Link

	// observer receives wire-level notifications.
	observer loopObserver

	// timeout is the interval used when arming the timer.
	timeout time.Duration
}

// run drives the machine until it reaches a terminal state, the context
// is canceled, or reading from the link fails.
//
// The loop does not close the link: after run returns, the caller must
// close it to release the goroutine reading datagrams.
func (lp *eventLoop) run(ctx context.Context) error {
	// 1. create the timer disarmed; Stop and Reset flush a pending
	// fire under the go1.23 timer semantics, so a stale expiry can
	// never be observed after the machine rearms or cancels
	timer := time.NewTimer(lp.timeout)
	timer.Stop()
	defer timer.Stop()

	// apply performs the I/O decided by a machine transition
	apply := func(outs []Segment, cmd timerCmd) error {
		for _, seg := range outs {
			verdict, err := lp.link.Send(seg)
			if err != nil {
				return fmt.Errorf("urp: sending segment: %w", err)
			}
			lp.observer.observeSent(seg, verdict)
		}
		switch cmd {
		case timerArm:
			timer.Reset(lp.timeout)
		case timerStop:
			timer.Stop()
		}
		return nil
	}

	// 2. spawn the goroutine reading datagrams from the link
	datagrams := make(chan []byte, lp.backlog)
	readerrs := make(chan error, 1)
	go lp.readLoop(datagrams, readerrs)

	// 3. run the machine's initial transition
	if err := apply(lp.engine.start()); err != nil {
		return err
	}

	// 4. process events until the machine terminates
	for !lp.engine.done() {
		// drain pending datagrams before honoring a timer fire: an
		// acknowledgment that already arrived must cancel the
		// retransmission it would otherwise race with
		select {
		case raw := <-datagrams:
			if err := lp.dispatch(raw, apply); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case raw := <-datagrams:
			if err := lp.dispatch(raw, apply); err != nil {
				return err
			}

		case <-timer.C:
			if err := apply(lp.engine.onTimer()); err != nil {
				return err
			}

		case err := <-readerrs:
			return fmt.Errorf("urp: reading datagram: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lp.engine.failure()
}

// dispatch runs the inbound path for a single raw datagram.
func (lp *eventLoop) dispatch(raw []byte, apply func([]Segment, timerCmd) error) error {
	// 1. the emulated channel may drop or corrupt the datagram
	data, verdict := lp.link.Inject(raw)
	if verdict == VerdictDrop {
		return nil
	}

	// 2. discard datagrams that fail validation
	seg, err := DecodeSegment(data)
	if err != nil {
		lp.observer.observeGarbage(data)
		return nil
	}

	// 3. deliver the segment to the machine
	lp.observer.observeRecv(seg, verdict)
	return apply(lp.engine.onSegment(seg))
}

// readLoop reads datagrams from the link and posts them to out. It
// terminates when reading fails, which includes the link being closed.
func (lp *eventLoop) readLoop(out chan<- []byte, errch chan<- error) {
	// the peer chooses its own MSS, possibly larger than the local
	// one, so the buffer must fit the largest well-formed segment
	buf := make([]byte, SegmentHeaderSize+MaxMSS)
	for {
		count, _, err := lp.link.ReadFrom(buf)
		if err != nil {
			errch <- err
			return
		}

		// deliver A COPY OF the datagram bytes
		raw := make([]byte, count)
		copy(raw, buf[:count])
		select {
		case out <- raw:
		default:
			// backlog full: the datagram is lost, exactly as a full
			// socket buffer would lose it
		}
	}
}

// inboundBacklog sizes an event loop's datagram channel so that a full
// window of data segments plus control traffic fits without loss.
func inboundBacklog(maxWin, mss int) int {
	return max(2*(maxWin/mss)+8, 32)
}
