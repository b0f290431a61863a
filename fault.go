// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"fmt"
	"math/rand/v2"
)

// Direction identifies which way a datagram travels across a [*Link].
type Direction int

const (
	// DirForward is the sender-to-receiver direction (SYN, DATA, FIN).
	DirForward = Direction(iota)

	// DirReverse is the receiver-to-sender direction (ACKs).
	DirReverse
)

// String implements [fmt.Stringer].
func (d Direction) String() string {
	switch d {
	case DirForward:
		return "forward"
	case DirReverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirForward {
		return DirReverse
	}
	return DirForward
}

// Verdict is the fate decided for a single datagram.
type Verdict int

const (
	// VerdictPass delivers the datagram untouched.
	VerdictPass = Verdict(iota)

	// VerdictDrop discards the datagram as if it was never sent.
	VerdictDrop

	// VerdictCorrupt flips one bit of the datagram before delivery.
	VerdictCorrupt
)

// String implements [fmt.Stringer].
func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "ok"
	case VerdictDrop:
		return "drp"
	case VerdictCorrupt:
		return "cor"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// FaultPolicy decides the fate of each datagram crossing a [*Link].
//
// Implementations need not be safe for concurrent use: a [*Link]
// serializes every Decide call onto its endpoint's event loop.
type FaultPolicy interface {
	Decide(d Direction) Verdict
}

// NoFaults is a [FaultPolicy] that passes every datagram untouched.
type NoFaults struct{}

// Ensure that [NoFaults] implements [FaultPolicy].
var _ FaultPolicy = NoFaults{}

// Decide implements [FaultPolicy].
func (NoFaults) Decide(d Direction) Verdict {
	return VerdictPass
}

// FaultProbabilities contains the per-direction fault probabilities
// used by [*RandomFaults]. Each field must be in [0, 1].
type FaultProbabilities struct {
	// ForwardLoss is the probability of dropping a forward datagram.
	ForwardLoss float64

	// ForwardCorruption is the probability of corrupting a forward datagram.
	ForwardCorruption float64

	// ReverseLoss is the probability of dropping a reverse datagram.
	ReverseLoss float64

	// ReverseCorruption is the probability of corrupting a reverse datagram.
	ReverseCorruption float64
}

// RandomFaults is a [FaultPolicy] drawing independent Bernoulli trials
// from a seeded PRNG. For each datagram it draws a single uniform number
// r in [0, 1) and, given the loss probability lp and the corruption
// probability cp configured for the datagram's direction, it drops when
// r < lp, corrupts when r < lp+cp, and passes otherwise. Loss and
// corruption are therefore mutually exclusive for a given datagram.
//
// The same seed and the same sequence of Decide calls produce the same
// sequence of verdicts, making lossy runs reproducible.
//
// Construct using [NewRandomFaults].
type RandomFaults struct {
	// probs contains the per-direction probabilities.
	probs FaultProbabilities

	// rng is the seeded PRNG.
	rng *rand.Rand
}

// Ensure that [*RandomFaults] implements [FaultPolicy].
var _ FaultPolicy = &RandomFaults{}

// NewRandomFaults creates a new [*RandomFaults] instance using the given
// probabilities and seed.
//
// Returns an error if any probability is outside [0, 1] or the loss and
// corruption probabilities of a direction sum to more than 1, which
// would make the single-draw fault model ill defined.
func NewRandomFaults(probs FaultProbabilities, seed uint64) (*RandomFaults, error) {
	pairs := []struct {
		d  Direction
		lp float64
		cp float64
	}{
		{DirForward, probs.ForwardLoss, probs.ForwardCorruption},
		{DirReverse, probs.ReverseLoss, probs.ReverseCorruption},
	}
	for _, pair := range pairs {
		if pair.lp < 0 || pair.lp > 1 {
			return nil, fmt.Errorf("urp: %s loss probability %v outside [0, 1]", pair.d, pair.lp)
		}
		if pair.cp < 0 || pair.cp > 1 {
			return nil, fmt.Errorf("urp: %s corruption probability %v outside [0, 1]", pair.d, pair.cp)
		}
		if pair.lp+pair.cp > 1 {
			return nil, fmt.Errorf("urp: %s loss and corruption probabilities sum to more than 1", pair.d)
		}
	}
	rf := &RandomFaults{
		probs: probs,
		rng:   rand.New(rand.NewPCG(seed, seed)),
	}
	return rf, nil
}

// Decide implements [FaultPolicy].
func (rf *RandomFaults) Decide(d Direction) Verdict {
	lp, cp := rf.probs.ForwardLoss, rf.probs.ForwardCorruption
	if d == DirReverse {
		lp, cp = rf.probs.ReverseLoss, rf.probs.ReverseCorruption
	}
	r := rf.rng.Float64()
	switch {
	case r < lp:
		return VerdictDrop
	case r < lp+cp:
		return VerdictCorrupt
	default:
		return VerdictPass
	}
}

// corruptDatagram flips one random bit of raw in place. The flipped bit
// is always at or after the checksum field so that the fields before it
// remain parseable and the damage is always checksum-detectable.
func corruptDatagram(rng *rand.Rand, raw []byte) {
	if len(raw) <= 0 {
		return
	}
	lo := segmentOffsetChecksum
	if lo >= len(raw) {
		lo = 0
	}
	idx := lo + rng.IntN(len(raw)-lo)
	raw[idx] ^= 1 << rng.IntN(8)
}
