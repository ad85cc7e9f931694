package channel

import (
	"sync"
	"sync/atomic"

	"github.com/kestrelnet/kestrel/pkg/netlog"
	"github.com/kestrelnet/kestrel/pkg/seqnum"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// Reliable implements spec.md §4.4: packet-oriented reliable delivery,
// with an Ordered variant (strict prefix of sender order) and an
// Unordered variant (delivered as soon as received and de-duplicated).
type Reliable struct {
	id      byte
	ordered bool
	outbox  Outbox
	stats   *Stats
	onData  Deliver
	opts    Options
	log     *netlog.Logger

	closed atomic.Bool

	// sendMu guards local sequence assignment and pending-map
	// registration together, so that (seq_assigned, pending_registered,
	// transmitted) happens atomically (spec.md §5, resolving §9 Open
	// Question (i) in favor of the safer locked design).
	sendMu   sync.Mutex
	localSeq seqnum.Sequence
	pending  map[seqnum.Sequence]*pendingPacket

	// onExhausted is invoked, outside sendMu, when a pending packet's
	// resend_attempts reaches max_resend_attempts (spec.md §4.6, §7: the
	// connection must be marked timed-out). Nil in tests that construct
	// a channel standalone.
	onExhausted func()

	// recvMu guards the receive ring and ordered-delivery watermark.
	recvMu         sync.Mutex
	ring           *receiveRing
	receiveSeq     seqnum.Sequence
	haveReceiveSeq bool
}

// NewReliable constructs a Reliable channel. ordered selects the
// ordered/unordered delivery variant. onExhausted is called once a
// pending packet exhausts its resend attempts; the owning connection
// passes a callback that disconnects with CauseTimeout.
func NewReliable(id byte, ordered bool, outbox Outbox, stats *Stats, onData Deliver, opts Options, onExhausted func()) *Reliable {
	kind := "reliable-unordered"
	if ordered {
		kind = "reliable-ordered"
	}
	return &Reliable{
		id:          id,
		ordered:     ordered,
		outbox:      outbox,
		stats:       stats,
		onData:      onData,
		opts:        opts,
		onExhausted: onExhausted,
		pending:     make(map[seqnum.Sequence]*pendingPacket),
		ring:        newReceiveRing(),
		log:         newChannelLogger(kind, id),
	}
}

func (c *Reliable) ID() byte { return c.id }

// Send appends a trailing local sequence, transmits, and registers a
// pending packet keyed by that sequence, all under sendMu (spec.md §4.4
// Send).
func (c *Reliable) Send(payload []byte) error {
	if c.closed.Load() {
		return nil
	}

	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, byte(wire.KindData), c.id)
	frame = append(frame, payload...)

	c.sendMu.Lock()
	seq := c.localSeq
	frame = append(frame, byte(seq), byte(seq>>8))

	if err := c.outbox.WriteDatagram(frame); err != nil {
		c.sendMu.Unlock()
		return err
	}
	c.pending[seq] = newPendingPacket(frame, c.outbox, c.opts, c.stats, func() {
		c.onResendExhausted(seq)
	})
	c.localSeq = c.localSeq.Next()
	c.sendMu.Unlock()

	c.stats.PacketsSent.Add(1)
	c.stats.BytesSent.Add(int64(len(frame)))
	return nil
}

// onResendExhausted is invoked by a pendingPacket once resend_attempts
// reaches max_resend_attempts. Per spec.md §4.6/§7 this marks the
// connection timed-out, so onExhausted is called after the pending
// entry is dropped. It runs outside sendMu: onExhausted typically
// disconnects the owning connection, which closes every channel
// (including this one) and would deadlock re-entering sendMu.
func (c *Reliable) onResendExhausted(seq seqnum.Sequence) {
	c.log.Warnf("sequence %d exceeded max resend attempts, giving up", seq)
	c.sendMu.Lock()
	delete(c.pending, seq)
	c.sendMu.Unlock()
	if c.onExhausted != nil {
		c.onExhausted()
	}
}

// received reports whether seq has ever been received: either still
// buffered in the ring, or (ordered channel only) already delivered and
// advanced past. Unordered channels never clear a ring slot on delivery
// for exactly this reason — see HandleData — so ring.Has alone suffices
// there.
func (c *Reliable) received(seq seqnum.Sequence) bool {
	if c.ring.Has(seq) {
		return true
	}
	if c.ordered && c.haveReceiveSeq && seqnum.Less(seq, c.receiveSeq) {
		return true
	}
	return false
}

func (c *Reliable) ackBitfield(seq seqnum.Sequence) []byte {
	bits := c.opts.AckBytes * 8
	buf := make([]byte, c.opts.AckBytes)

	c.recvMu.Lock()
	for i := 0; i < bits; i++ {
		s := seq.Sub(uint16(i + 1))
		if c.received(s) {
			buf[i/8] |= 1 << uint(i%8)
		}
	}
	c.recvMu.Unlock()
	return buf
}

func (c *Reliable) sendAck(seq seqnum.Sequence) {
	bitfield := c.ackBitfield(seq)
	frame := make([]byte, 0, 4+len(bitfield))
	frame = append(frame, byte(wire.KindAck), c.id, byte(seq), byte(seq>>8))
	frame = append(frame, bitfield...)
	if err := c.outbox.WriteDatagram(frame); err != nil {
		c.log.Warnf("failed to send acknowledgement: %v", err)
	}
}

// HandleData implements spec.md §4.4 Receive.
func (c *Reliable) HandleData(body []byte) {
	if c.closed.Load() || len(body) < 2 {
		return
	}
	payload := body[:len(body)-2]
	seq := seqnum.Sequence(uint16(body[len(body)-2]) | uint16(body[len(body)-1])<<8)

	c.recvMu.Lock()
	duplicate := c.received(seq)
	if !duplicate {
		stored := append([]byte(nil), payload...)
		c.ring.Put(seq, stored)
	}
	c.recvMu.Unlock()

	c.sendAck(seq)

	if duplicate {
		c.stats.PacketsDuplicated.Add(1)
		return
	}

	c.stats.PacketsReceived.Add(1)
	c.stats.BytesReceived.Add(int64(len(body)))

	if !c.ordered {
		// Unordered delivers immediately. The ring slot is deliberately
		// left populated (not cleared) so a later duplicate of this
		// exact sequence is still caught by `received`, satisfying the
		// universal no-redelivery guarantee (spec.md §8 invariant 3)
		// even though §4.4's "delivered and cleared" phrasing would
		// otherwise permit an immediate clear.
		c.onData(payload)
		return
	}

	// Ordered: advance receive_seq while consecutive entries are
	// present, delivering and clearing each (spec.md §4.4). receive_seq
	// starts at zero, the sender's first sequence, whichever datagram
	// happens to arrive first.
	c.recvMu.Lock()
	c.haveReceiveSeq = true
	var toDeliver [][]byte
	for {
		v, ok := c.ring.Take(c.receiveSeq)
		if !ok {
			break
		}
		toDeliver = append(toDeliver, v)
		c.receiveSeq = c.receiveSeq.Next()
	}
	c.recvMu.Unlock()

	for _, v := range toDeliver {
		c.onData(v)
	}
}

// HandleAck implements spec.md §4.4 Ack handling: ack the named sequence
// plus every sequence implied by the bitfield. Acking a missing pending
// entry is a deliberate no-op.
func (c *Reliable) HandleAck(body []byte) {
	if c.closed.Load() || len(body) < 2 {
		return
	}
	seq := seqnum.Sequence(uint16(body[0]) | uint16(body[1])<<8)
	bitfield := body[2:]

	c.ackOne(seq)
	for i := 0; i < len(bitfield)*8; i++ {
		byteIdx, bit := i/8, uint(i%8)
		if bitfield[byteIdx]&(1<<bit) == 0 {
			continue
		}
		c.ackOne(seq.Sub(uint16(i + 1)))
	}
}

func (c *Reliable) ackOne(seq seqnum.Sequence) {
	c.sendMu.Lock()
	p, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.sendMu.Unlock()
	if ok {
		p.Ack()
	}
}

// Close atomically marks the channel closed and drains pending
// retransmit timers without firing them (spec.md §4.6, §5).
func (c *Reliable) Close() {
	c.closed.Store(true)
	c.sendMu.Lock()
	pending := c.pending
	c.pending = make(map[seqnum.Sequence]*pendingPacket)
	c.sendMu.Unlock()
	for _, p := range pending {
		p.Drain()
	}
}
