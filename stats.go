// SPDX-License-Identifier: GPL-3.0-or-later

package urp

// SenderStats is the snapshot of a [*Sender] run's counters, returned
// by [*Sender.Run] once the run terminates.
type SenderStats struct {
	// OriginalDataBytes is the number of distinct payload bytes carved
	// into segments, counting each byte once regardless of retransmissions.
	OriginalDataBytes uint64

	// OriginalDataSegments is the number of distinct data segments carved.
	OriginalDataSegments uint64

	// TotalDataBytes is the number of payload bytes actually written to
	// the wire, including retransmissions and excluding emulated drops.
	TotalDataBytes uint64

	// TotalSegmentsSent is the number of datagrams of any kind actually
	// written to the wire.
	TotalSegmentsSent uint64

	// TimeoutRetransmissions is the number of segments resent because
	// the retransmission timer expired.
	TimeoutRetransmissions uint64

	// FastRetransmissions is the number of segments resent because of
	// three duplicate acknowledgments.
	FastRetransmissions uint64

	// DuplicateAcksReceived is the number of duplicate acknowledgments
	// received while data was outstanding.
	DuplicateAcksReceived uint64

	// CorruptedSegmentsDiscarded is the number of inbound datagrams
	// discarded because they failed the checksum.
	CorruptedSegmentsDiscarded uint64

	// ProtocolViolations is the number of inbound segments discarded
	// because they are impossible under the protocol rules, such as an
	// acknowledgment for bytes never sent.
	ProtocolViolations uint64

	// ForwardDropped is the number of forward datagrams dropped by the
	// link fault policy.
	ForwardDropped uint64

	// ForwardCorrupted is the number of forward datagrams corrupted by
	// the link fault policy.
	ForwardCorrupted uint64

	// ReverseDropped is the number of reverse datagrams dropped by the
	// link fault policy.
	ReverseDropped uint64

	// ReverseCorrupted is the number of reverse datagrams corrupted by
	// the link fault policy.
	ReverseCorrupted uint64
}

// mergeLink copies the link fault counters into the stats snapshot.
func (st *SenderStats) mergeLink(lk *Link) {
	st.ForwardDropped = lk.Dropped(DirForward)
	st.ForwardCorrupted = lk.Corrupted(DirForward)
	st.ReverseDropped = lk.Dropped(DirReverse)
	st.ReverseCorrupted = lk.Corrupted(DirReverse)
}

// ReceiverStats is the snapshot of a [*Receiver] run's counters,
// returned by [*Receiver.Run] once the run terminates.
type ReceiverStats struct {
	// OriginalDataBytes is the number of payload bytes delivered to the
	// output, counting each byte exactly once.
	OriginalDataBytes uint64

	// OriginalDataSegments is the number of data segments whose payload
	// was delivered to the output.
	OriginalDataSegments uint64

	// TotalDataBytes is the number of payload bytes across all the valid
	// data segments received, including duplicates.
	TotalDataBytes uint64

	// TotalDataSegments is the number of valid data segments received,
	// including duplicates.
	TotalDataSegments uint64

	// TotalSegmentsReceived is the number of valid segments of any kind
	// received.
	TotalSegmentsReceived uint64

	// TotalAcksSent is the number of acknowledgments sent, including
	// handshake and close acknowledgments.
	TotalAcksSent uint64

	// DuplicateAcksSent is the number of acknowledgments sent in response
	// to data segments that did not start at the expected offset.
	DuplicateAcksSent uint64

	// DuplicateDataSegments is the number of data segments discarded
	// because they start before the expected offset.
	DuplicateDataSegments uint64

	// OutOfOrderDataSegments is the number of data segments discarded
	// because they start past the expected offset.
	OutOfOrderDataSegments uint64

	// CorruptedSegmentsDiscarded is the number of inbound datagrams
	// discarded because they failed the checksum.
	CorruptedSegmentsDiscarded uint64

	// ProtocolViolations is the number of inbound segments discarded
	// because they are impossible under the protocol rules.
	ProtocolViolations uint64

	// ForwardDropped is the number of forward datagrams dropped by the
	// link fault policy.
	ForwardDropped uint64

	// ForwardCorrupted is the number of forward datagrams corrupted by
	// the link fault policy.
	ForwardCorrupted uint64

	// ReverseDropped is the number of reverse datagrams dropped by the
	// link fault policy.
	ReverseDropped uint64

	// ReverseCorrupted is the number of reverse datagrams corrupted by
	// the link fault policy.
	ReverseCorrupted uint64
}

// mergeLink copies the link fault counters into the stats snapshot.
func (st *ReceiverStats) mergeLink(lk *Link) {
	st.ForwardDropped = lk.Dropped(DirForward)
	st.ForwardCorrupted = lk.Corrupted(DirForward)
	st.ReverseDropped = lk.Dropped(DirReverse)
	st.ReverseCorrupted = lk.Corrupted(DirReverse)
}
