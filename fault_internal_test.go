// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCorruptDatagramFlipsOneDetectableBit(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	seg := Segment{Flags: FlagDATA, Seq: 1000, Payload: []byte("some payload bytes")}

	for idx := 0; idx < 100; idx++ {
		raw := EncodeSegment(seg)
		pristine := make([]byte, len(raw))
		copy(pristine, raw)

		corruptDatagram(rng, raw)

		// exactly one bit differs, at or after the checksum field
		var flipped int
		for off := range raw {
			delta := raw[off] ^ pristine[off]
			if delta == 0 {
				continue
			}
			require.GreaterOrEqual(t, off, segmentOffsetChecksum)
			require.Equal(t, uint8(0), delta&(delta-1), "more than one bit flipped in a byte")
			flipped++
		}
		require.Equal(t, 1, flipped)

		// the fields before the flip window are still parseable
		loose, ok := decodeSegmentLoose(raw)
		require.True(t, ok)
		require.Equal(t, seg.Flags, loose.Flags)
		require.Equal(t, seg.Seq, loose.Seq)

		// and the damage never goes unnoticed
		_, err := DecodeSegment(raw)
		require.ErrorIs(t, err, ErrChecksumMismatch)
	}
}

func TestCorruptDatagramTinyBuffers(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))

	// empty buffers must not panic
	corruptDatagram(rng, nil)

	// buffers shorter than the checksum offset flip somewhere inside
	raw := []byte{0xaa, 0xbb}
	pristine := []byte{0xaa, 0xbb}
	corruptDatagram(rng, raw)
	var flipped int
	for off := range raw {
		delta := raw[off] ^ pristine[off]
		if delta != 0 {
			require.Equal(t, uint8(0), delta&(delta-1))
			flipped++
		}
	}
	require.Equal(t, 1, flipped)
}
