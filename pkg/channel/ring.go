package channel

import "github.com/kestrelnet/kestrel/pkg/seqnum"

// receiveRing is the fixed-size ring of spec.md §3: length 65536,
// indexed by sequence number, holding buffered datagrams not yet
// deliverable in order. It is not independently locked — spec.md §5's
// "exclusive lock per reliable channel" for receive rings is the owning
// channel's receive-side mutex, so every method here must be called with
// that lock already held.
type receiveRing struct {
	entries [][]byte // len seqnum.RingSize; nil slot == empty
}

func newReceiveRing() *receiveRing {
	return &receiveRing{entries: make([][]byte, seqnum.RingSize)}
}

// Has reports whether seq is already buffered (used for duplicate
// detection before Put).
func (r *receiveRing) Has(seq seqnum.Sequence) bool {
	return r.entries[seq.RingIndex()] != nil
}

// Put stores payload at seq and clears the stale entry half the ring
// away, preventing wrap-around collisions (spec.md §3 Receive buffer
// invariant).
func (r *receiveRing) Put(seq seqnum.Sequence, payload []byte) {
	r.entries[seq.RingIndex()] = payload
	r.entries[seq.Opposite().RingIndex()] = nil
}

// Take returns and clears the entry at seq, if present.
func (r *receiveRing) Take(seq seqnum.Sequence) ([]byte, bool) {
	v := r.entries[seq.RingIndex()]
	if v == nil {
		return nil, false
	}
	r.entries[seq.RingIndex()] = nil
	return v, true
}
