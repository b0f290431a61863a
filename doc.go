// SPDX-License-Identifier: GPL-3.0-or-later

// Package urp (Unreliable-link Reliable Protocol) implements a reliable
// byte-stream transfer protocol on top of unreliable datagram channels,
// along with a deterministic link-fault emulator for testing it.
//
// The package models a one-way transfer: a [*Sender] reads bytes from an
// [io.ReaderAt] and delivers them, reliably and in order, to a [*Receiver]
// that appends them to an [io.Writer]. Reliability comes from cumulative
// acknowledgments, a sliding window bounded in bytes, go-back-N timeout
// retransmission, and fast retransmit on the third duplicate ACK.
//
// The typical usage is to bind two datagram sockets (real UDP sockets or
// the two ends of an in-memory [*Wire]), wrap each in a [*Link], and run
// a [*Sender] against a [*Receiver]. The [*Link] is where unreliability
// lives: a [FaultPolicy] such as [*RandomFaults] decides, per datagram and
// per direction, whether to pass, drop, or corrupt it, so that loss and
// corruption are reproducible from a seed.
//
// The [*PCAPTrace] type captures the datagrams crossing a [*Link] in PCAP
// format so that you can inspect a transfer using tools such as wireshark,
// and the [*RunLog] type records a human-readable per-segment timeline.
package urp
