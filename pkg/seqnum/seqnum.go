// Package seqnum implements the 16-bit wrap-around sequence number
// arithmetic used by every reliable/sequenced channel (spec.md §3): a
// Sequence wraps modulo 2^16 and is compared with the "circular
// greater-than" rule rather than plain integer comparison.
package seqnum

import "github.com/lithdew/seq"

// Sequence is a 16-bit sequence number that wraps modulo 2^16.
type Sequence uint16

// Greater reports whether s1 is circularly greater than s2, i.e.
//
//	(s1 > s2 AND s1-s2 <= 32768) OR (s1 < s2 AND s2-s1 > 32768)
//
// Delegates to lithdew/seq's GT, which implements this exact comparator
// for reliable-UDP sequence windows (see other_examples/
// AhmadMuzakkir-reliable/conn.go, which relies on the same library for
// its read/write index arithmetic).
func Greater(s1, s2 Sequence) bool {
	return seq.GT(uint16(s1), uint16(s2))
}

// GreaterOrEqual reports whether s1 is circularly greater than or equal to s2.
func GreaterOrEqual(s1, s2 Sequence) bool {
	return s1 == s2 || Greater(s1, s2)
}

// Less reports whether s1 is circularly less than s2.
func Less(s1, s2 Sequence) bool { return Greater(s2, s1) }

// Next returns s+1, wrapping modulo 2^16.
func (s Sequence) Next() Sequence { return s + 1 }

// Sub returns the index n behind s, wrapping modulo 2^16: Sub(5, 1) == 4.
func (s Sequence) Sub(n uint16) Sequence { return s - Sequence(n) }

// RingSize is the fixed receive-ring length every reliable/fragmented
// channel uses to buffer out-of-order datagrams (spec.md §3, §6
// constants: "per-channel ring size = 65536").
const RingSize = 65536

// RingIndex maps a Sequence onto its slot in a RingSize-length ring.
func (s Sequence) RingIndex() uint16 { return uint16(s) }

// HalfWindow is the half-window used by the stale-entry-clearing
// invariant in spec.md §3: "entry at (seq - 32768) mod 65536 is cleared
// whenever entry seq is populated".
const HalfWindow = 32768

// Opposite returns the sequence number exactly half the ring away from s,
// i.e. (s - 32768) mod 65536.
func (s Sequence) Opposite() Sequence { return s - HalfWindow }
