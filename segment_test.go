// SPDX-License-Identifier: GPL-3.0-or-later

package urp_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/bassosimone/urp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentRoundTrip(t *testing.T) {
	segments := []urp.Segment{
		{Flags: urp.FlagSYN, Seq: 0},
		{Flags: urp.FlagSYN | urp.FlagACK, Ack: 0},
		{Flags: urp.FlagDATA, Seq: 1000, Payload: []byte("0123456789")},
		{Flags: urp.FlagACK, Ack: 2000},
		{Flags: urp.FlagFIN, Seq: 2500},
		{Flags: urp.FlagFIN | urp.FlagACK, Ack: 2500},
	}

	for _, seg := range segments {
		t.Run(seg.String(), func(t *testing.T) {
			raw := urp.EncodeSegment(seg)
			require.Equal(t, urp.SegmentHeaderSize+len(seg.Payload), len(raw))

			got, err := urp.DecodeSegment(raw)
			require.NoError(t, err)
			assert.Equal(t, seg.Flags, got.Flags)
			assert.Equal(t, seg.Seq, got.Seq)
			assert.Equal(t, seg.Ack, got.Ack)
			assert.Equal(t, seg.Payload, got.Payload)
		})
	}
}

func TestDecodeSegmentTooShort(t *testing.T) {
	raw := urp.EncodeSegment(urp.Segment{Flags: urp.FlagSYN})

	for size := 0; size < urp.SegmentHeaderSize; size++ {
		_, err := urp.DecodeSegment(raw[:size])
		require.ErrorIs(t, err, urp.ErrSegmentTooShort)
	}
}

func TestDecodeSegmentDetectsEveryBitFlip(t *testing.T) {
	seg := urp.Segment{Flags: urp.FlagDATA, Seq: 42, Payload: []byte("hello")}
	raw := urp.EncodeSegment(seg)

	// flipping any single bit of the datagram must be detected
	for idx := 0; idx < len(raw); idx++ {
		for bit := 0; bit < 8; bit++ {
			t.Run(fmt.Sprintf("byte_%d_bit_%d", idx, bit), func(t *testing.T) {
				mangled := make([]byte, len(raw))
				copy(mangled, raw)
				mangled[idx] ^= 1 << bit

				_, err := urp.DecodeSegment(mangled)
				require.ErrorIs(t, err, urp.ErrChecksumMismatch)
			})
		}
	}
}

func TestDecodeSegmentRejectsTruncatedPayload(t *testing.T) {
	seg := urp.Segment{Flags: urp.FlagDATA, Seq: 0, Payload: []byte("0123456789abcdef")}
	raw := urp.EncodeSegment(seg)

	// drop the trailing payload bytes: the length field now lies
	_, err := urp.DecodeSegment(raw[:len(raw)-4])
	require.ErrorIs(t, err, urp.ErrChecksumMismatch)
}

func TestDecodeSegmentRejectsLyingLengthField(t *testing.T) {
	seg := urp.Segment{Flags: urp.FlagDATA, Seq: 0, Payload: []byte("payload")}
	raw := urp.EncodeSegment(seg)

	// rewrite the length field and fix up the checksum so that only
	// the length disagreement can cause the rejection
	binary.BigEndian.PutUint16(raw[10:], 3)
	binary.BigEndian.PutUint16(raw[12:], 0)
	var acc uint32
	for idx := 0; idx+1 < len(raw); idx += 2 {
		acc += uint32(binary.BigEndian.Uint16(raw[idx:]))
	}
	if len(raw)%2 != 0 {
		acc += uint32(raw[len(raw)-1]) << 8
	}
	for acc > 0xffff {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	binary.BigEndian.PutUint16(raw[12:], ^uint16(acc))

	_, err := urp.DecodeSegment(raw)
	require.ErrorIs(t, err, urp.ErrChecksumMismatch)
}

func TestDecodeSegmentCopiesPayload(t *testing.T) {
	seg := urp.Segment{Flags: urp.FlagDATA, Seq: 0, Payload: []byte("aaaa")}
	raw := urp.EncodeSegment(seg)

	got, err := urp.DecodeSegment(raw)
	require.NoError(t, err)

	// mutating the datagram must not affect the decoded payload
	raw[urp.SegmentHeaderSize] = 'z'
	assert.Equal(t, []byte("aaaa"), got.Payload)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "NONE", urp.Flags(0).String())
	assert.Equal(t, "DATA", urp.FlagDATA.String())
	assert.Equal(t, "SYN|ACK", (urp.FlagSYN | urp.FlagACK).String())
	assert.Equal(t, "FIN|ACK", (urp.FlagFIN | urp.FlagACK).String())
}
