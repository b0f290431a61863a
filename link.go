// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"math/rand/v2"
	"net"
	"sync/atomic"
)

// Link is the boundary between a protocol engine and its datagram
// socket. It emulates an unreliable channel: every datagram crossing it,
// in either direction, is submitted to a [FaultPolicy] that decides
// whether to pass, drop, or corrupt it. The [*Link] also keeps
// per-direction fault counters and optionally mirrors the surviving
// datagrams to a [*PCAPTrace].
//
// The out parameter of [NewLink] declares the direction of outgoing
// datagrams: [DirForward] for the sender endpoint and [DirReverse] for
// the receiver endpoint. Incoming datagrams use the opposite direction.
//
// Construct using [NewLink].
type Link struct {
	// counters contains the per-direction fault counters.
	counters [2]linkCounters

	// out is the direction of outgoing datagrams.
	out Direction

	// pc is the underlying datagram socket.
	pc net.PacketConn

	// peer is the address outgoing datagrams are sent to.
	peer net.Addr

	// policy decides the fate of each datagram.
	policy FaultPolicy

	// rng chooses which bit to flip when corrupting.
	rng *rand.Rand

	// trace is the optional packet capture.
	trace *PCAPTrace
}

// linkCounters counts the faults injected in one direction.
type linkCounters struct {
	// dropped is the number of datagrams dropped.
	dropped atomic.Uint64

	// corrupted is the number of datagrams corrupted.
	corrupted atomic.Uint64
}

// LinkOption is an option for [NewLink].
type LinkOption func(lk *Link)

// LinkOptionFaultPolicy sets the [FaultPolicy] to use.
//
// The default is [NoFaults], which emulates a reliable channel.
func LinkOptionFaultPolicy(policy FaultPolicy) LinkOption {
	return func(lk *Link) {
		lk.policy = policy
	}
}

// LinkOptionPCAPTrace sets the [*PCAPTrace] receiving a copy of every
// datagram that survives the fault policy, in both directions.
//
// The default is no packet capture. The [*Link] does not close the
// trace: the caller owns its lifecycle.
func LinkOptionPCAPTrace(trace *PCAPTrace) LinkOption {
	return func(lk *Link) {
		lk.trace = trace
	}
}

// LinkOptionRand sets the PRNG used to choose which bit to flip when
// corrupting a datagram.
//
// The default is a randomly seeded PRNG. Pass a seeded [*rand.Rand] to
// make corruption damage reproducible along with the fault decisions.
func LinkOptionRand(rng *rand.Rand) LinkOption {
	return func(lk *Link) {
		lk.rng = rng
	}
}

// NewLink creates a new [*Link] sending datagrams to peer through pc and
// tagging outgoing datagrams with the out direction.
func NewLink(pc net.PacketConn, peer net.Addr, out Direction, options ...LinkOption) *Link {
	lk := &Link{
		counters: [2]linkCounters{},
		out:      out,
		pc:       pc,
		peer:     peer,
		policy:   NoFaults{},
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		trace:    nil,
	}
	for _, opt := range options {
		opt(lk)
	}
	return lk
}

// Send encodes the given [Segment], submits the datagram to the fault
// policy, and writes it to the socket unless the verdict is to drop it.
//
// The returned [Verdict] tells the caller what the emulated channel did.
// The error is non-nil only when the socket write itself fails.
func (lk *Link) Send(seg Segment) (Verdict, error) {
	raw := EncodeSegment(seg)

	// 1. let the fault policy decide the datagram's fate
	verdict := lk.policy.Decide(lk.out)
	switch verdict {
	case VerdictDrop:
		lk.counters[lk.out].dropped.Add(1)
		return VerdictDrop, nil

	case VerdictCorrupt:
		corruptDatagram(lk.rng, raw)
		lk.counters[lk.out].corrupted.Add(1)
	}

	// 2. the datagram survived: put it on the wire
	if _, err := lk.pc.WriteTo(raw, lk.peer); err != nil {
		return verdict, err
	}

	// 3. mirror what the peer will observe to the capture
	if lk.trace != nil {
		lk.trace.Dump(lk.out, raw)
	}
	return verdict, nil
}

// Inject submits a datagram read from the socket to the inbound fault
// policy, emulating the unreliable channel on the receive path.
//
// Returns the datagram to deliver to the engine, corrupted in place when
// the verdict is [VerdictCorrupt], or nil when the verdict is
// [VerdictDrop] and the engine must observe nothing at all.
func (lk *Link) Inject(raw []byte) ([]byte, Verdict) {
	in := lk.out.Opposite()

	// 1. let the fault policy decide the datagram's fate
	verdict := lk.policy.Decide(in)
	switch verdict {
	case VerdictDrop:
		lk.counters[in].dropped.Add(1)
		return nil, VerdictDrop

	case VerdictCorrupt:
		corruptDatagram(lk.rng, raw)
		lk.counters[in].corrupted.Add(1)
	}

	// 2. mirror what the engine observes to the capture
	if lk.trace != nil {
		lk.trace.Dump(in, raw)
	}
	return raw, verdict
}

// ReadFrom reads the next datagram from the underlying socket.
func (lk *Link) ReadFrom(buf []byte) (int, net.Addr, error) {
	return lk.pc.ReadFrom(buf)
}

// LocalAddr returns the local address of the underlying socket.
func (lk *Link) LocalAddr() net.Addr {
	return lk.pc.LocalAddr()
}

// Close closes the underlying socket, unblocking pending reads.
func (lk *Link) Close() error {
	return lk.pc.Close()
}

// Dropped returns the number of datagrams dropped in the given direction.
func (lk *Link) Dropped(d Direction) uint64 {
	return lk.counters[d].dropped.Load()
}

// Corrupted returns the number of datagrams corrupted in the given direction.
func (lk *Link) Corrupted(d Direction) uint64 {
	return lk.counters[d].corrupted.Load()
}
