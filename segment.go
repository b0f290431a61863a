// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// Flags contains the control flags carried by a [Segment].
type Flags uint16

const (
	// FlagDATA marks a segment carrying payload bytes.
	FlagDATA = Flags(1 << iota)

	// FlagACK marks a segment whose Ack field is meaningful.
	FlagACK

	// FlagSYN opens a connection.
	FlagSYN

	// FlagFIN closes a connection.
	FlagFIN
)

// Has returns whether all the flags in sub are set.
func (f Flags) Has(sub Flags) bool {
	return f&sub == sub
}

// String implements [fmt.Stringer].
func (f Flags) String() string {
	var names []string
	if f.Has(FlagDATA) {
		names = append(names, "DATA")
	}
	if f.Has(FlagSYN) {
		names = append(names, "SYN")
	}
	if f.Has(FlagFIN) {
		names = append(names, "FIN")
	}
	if f.Has(FlagACK) {
		names = append(names, "ACK")
	}
	if len(names) <= 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// Offsets and sizes of the segment header fields. All fields
// are encoded in network byte order (big endian).
const (
	segmentOffsetFlags    = 0
	segmentOffsetSeq      = 2
	segmentOffsetAck      = 6
	segmentOffsetLength   = 10
	segmentOffsetChecksum = 12

	// SegmentHeaderSize is the exact size of an encoded segment header.
	SegmentHeaderSize = 14
)

// DefaultMSS is the default maximum segment size in payload bytes.
const DefaultMSS = 1000

// MaxMSS is the largest permitted maximum segment size. The bound keeps
// the whole encoded segment within a single UDP datagram.
const MaxMSS = 65507 - SegmentHeaderSize

// Segment is the atomic unit of transmission. A segment either carries
// payload bytes (Flags contains [FlagDATA]) or is a pure control segment
// (SYN, FIN, or ACK combinations).
type Segment struct {
	// Flags contains the control flags.
	Flags Flags

	// Seq is the byte offset of the first payload byte within the
	// overall transfer. The first payload byte has offset zero.
	Seq uint32

	// Ack is the next byte offset the peer expects, i.e., a cumulative
	// acknowledgment of every byte before it. Only meaningful when
	// Flags contains [FlagACK].
	Ack uint32

	// Payload contains the payload bytes, possibly empty.
	Payload []byte
}

// String implements [fmt.Stringer].
func (seg Segment) String() string {
	return fmt.Sprintf(
		"Segment{Flags: %s, Seq: %d, Ack: %d, Len: %d}",
		seg.Flags, seg.Seq, seg.Ack, len(seg.Payload),
	)
}

// Errors returned when decoding datagrams.
var (
	// ErrSegmentTooShort means the datagram is smaller than a segment header.
	ErrSegmentTooShort = errors.New("urp: segment too short")

	// ErrChecksumMismatch means the segment failed its integrity check.
	ErrChecksumMismatch = errors.New("urp: segment checksum mismatch")
)

// EncodeSegment serializes a [Segment] into the datagram bytes to put
// on the wire, computing and embedding the header checksum.
//
// This function PANICs if the payload is larger than [MaxMSS].
func EncodeSegment(seg Segment) []byte {
	runtimex.Assert(len(seg.Payload) <= MaxMSS)

	// 1. lay out header and payload with a zero checksum field
	raw := make([]byte, SegmentHeaderSize+len(seg.Payload))
	binary.BigEndian.PutUint16(raw[segmentOffsetFlags:], uint16(seg.Flags))
	binary.BigEndian.PutUint32(raw[segmentOffsetSeq:], seg.Seq)
	binary.BigEndian.PutUint32(raw[segmentOffsetAck:], seg.Ack)
	binary.BigEndian.PutUint16(raw[segmentOffsetLength:], uint16(len(seg.Payload)))
	copy(raw[SegmentHeaderSize:], seg.Payload)

	// 2. checksum the whole datagram and embed the result
	binary.BigEndian.PutUint16(raw[segmentOffsetChecksum:], segmentChecksum(raw))
	return raw
}

// DecodeSegment parses and verifies the given datagram bytes.
//
// Returns [ErrSegmentTooShort] if the datagram cannot contain a full
// header and [ErrChecksumMismatch] if the checksum does not verify or
// the length field disagrees with the actual payload size. The returned
// [Segment] owns a copy of the payload bytes.
func DecodeSegment(raw []byte) (Segment, error) {
	// 1. reject datagrams that cannot contain a header
	if len(raw) < SegmentHeaderSize {
		return Segment{}, ErrSegmentTooShort
	}

	// 2. recompute the checksum over the datagram with the checksum
	// field zeroed, summing around the field to avoid mutating raw
	expect := ^checksum.Combine(
		checksum.Checksum(raw[:segmentOffsetChecksum], 0),
		checksum.Checksum(raw[segmentOffsetChecksum+2:], 0),
	)
	if binary.BigEndian.Uint16(raw[segmentOffsetChecksum:]) != expect {
		return Segment{}, ErrChecksumMismatch
	}

	// 3. a verified length field must still match the actual size
	length := binary.BigEndian.Uint16(raw[segmentOffsetLength:])
	if int(length) != len(raw)-SegmentHeaderSize {
		return Segment{}, ErrChecksumMismatch
	}

	// 4. parse the header fields and copy the payload, keeping a nil
	// payload for pure control segments
	seg := Segment{
		Flags:   Flags(binary.BigEndian.Uint16(raw[segmentOffsetFlags:])),
		Seq:     binary.BigEndian.Uint32(raw[segmentOffsetSeq:]),
		Ack:     binary.BigEndian.Uint32(raw[segmentOffsetAck:]),
		Payload: nil,
	}
	if len(raw) > SegmentHeaderSize {
		seg.Payload = bytes.Clone(raw[SegmentHeaderSize:])
	}
	return seg, nil
}

// decodeSegmentLoose parses the header fields without verifying the
// checksum. Tracing uses it to describe corrupted datagrams.
func decodeSegmentLoose(raw []byte) (Segment, bool) {
	if len(raw) < SegmentHeaderSize {
		return Segment{}, false
	}
	seg := Segment{
		Flags:   Flags(binary.BigEndian.Uint16(raw[segmentOffsetFlags:])),
		Seq:     binary.BigEndian.Uint32(raw[segmentOffsetSeq:]),
		Ack:     binary.BigEndian.Uint32(raw[segmentOffsetAck:]),
		Payload: raw[SegmentHeaderSize:],
	}
	return seg, true
}

// segmentChecksum computes the checksum field value for the given raw
// datagram: the ones' complement of the ones' complement sum of all the
// 16-bit words, padding the last byte with zero when the size is odd.
//
// The raw checksum field MUST be zero when calling this function.
func segmentChecksum(raw []byte) uint16 {
	return ^checksum.Checksum(raw, 0)
}
