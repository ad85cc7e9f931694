package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kestrelnet/kestrel/pkg/netlog"
	"github.com/kestrelnet/kestrel/pkg/seqnum"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// ErrTooManyFragments is returned when a payload would need more than
// wire.MaxFragmentsPerPacket fragments.
var ErrTooManyFragments = errors.New("channel: payload requires too many fragments")

// ErrEmptyPayload is returned for a zero-length send on a fragmented
// channel (fragment_count would be zero, which spec.md §4.5 rejects).
var ErrEmptyPayload = errors.New("channel: cannot fragment an empty payload")

// fragmentFooterSize is the trailing (sequence_number, fragment_number)
// pair appended to every fragment datagram.
const fragmentFooterSize = 4

// fragmentKey identifies one fragment's independent pending-retransmit
// state: loss of any single fragment blocks delivery of the whole group,
// so each fragment is acked and retried on its own (spec.md §4.5).
type fragmentKey struct {
	seq  seqnum.Sequence
	frag uint16
}

// ReliableFragment implements spec.md §4.5: payloads larger than one
// datagram are split into fragments sharing a sequence number, each
// fragment independently reliable, reassembled once every fragment
// 0..last has arrived. ordered selects whether reassembled messages are
// delivered as a strict prefix of send order or as soon as complete.
type ReliableFragment struct {
	id      byte
	ordered bool
	outbox  Outbox
	stats   *Stats
	onData  Deliver
	opts    Options
	log     *netlog.Logger

	closed atomic.Bool

	sendMu   sync.Mutex
	localSeq seqnum.Sequence
	pending  map[fragmentKey]*pendingPacket

	// onExhausted is invoked, outside sendMu, when any one fragment's
	// resend_attempts reaches max_resend_attempts (spec.md §4.6, §7).
	onExhausted func()

	recvMu         sync.Mutex
	groups         map[seqnum.Sequence]*fragmentGroup
	ready          map[seqnum.Sequence][]byte
	receiveSeq     seqnum.Sequence
	haveReceiveSeq bool
}

// NewReliableFragment constructs a ReliableFragment channel. onExhausted
// is called once any fragment exhausts its resend attempts; the owning
// connection passes a callback that disconnects with CauseTimeout.
func NewReliableFragment(id byte, ordered bool, outbox Outbox, stats *Stats, onData Deliver, opts Options, onExhausted func()) *ReliableFragment {
	kind := "reliable-fragment-unordered"
	if ordered {
		kind = "reliable-fragment-ordered"
	}
	return &ReliableFragment{
		id:          id,
		ordered:     ordered,
		outbox:      outbox,
		stats:       stats,
		onData:      onData,
		opts:        opts,
		onExhausted: onExhausted,
		pending:     make(map[fragmentKey]*pendingPacket),
		groups:      make(map[seqnum.Sequence]*fragmentGroup),
		ready:       make(map[seqnum.Sequence][]byte),
		log:         newChannelLogger(kind, id),
	}
}

func (c *ReliableFragment) ID() byte { return c.id }

// bodySize is the largest fragment body that still fits inside one
// datagram alongside its header, channel id, and footer.
func bodySize() int {
	return wire.MaxPacketSize - 2 - fragmentFooterSize
}

// Send splits payload into fragments sharing one sequence number, each
// framed with a (sequence, fragment_number) footer, the final fragment's
// top bit set (spec.md §4.5 Send). Every fragment is registered as an
// independent pending retransmit.
func (c *ReliableFragment) Send(payload []byte) error {
	if c.closed.Load() {
		return nil
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	body := bodySize()
	fragCount := (len(payload) + body - 1) / body
	if fragCount > wire.MaxFragmentsPerPacket {
		return ErrTooManyFragments
	}

	// sendMu is held across sequence assignment, transmission and
	// pending registration of every fragment, as in Reliable.Send.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	seq := c.localSeq
	c.localSeq = c.localSeq.Next()

	for i := 0; i < fragCount; i++ {
		start := i * body
		end := start + body
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		fragNum := uint16(i)
		if i == fragCount-1 {
			fragNum |= wire.LastFragmentBit
		}

		frame := make([]byte, 0, len(chunk)+2+fragmentFooterSize)
		frame = append(frame, byte(wire.KindData), c.id)
		frame = append(frame, chunk...)
		frame = append(frame, byte(seq), byte(seq>>8), byte(fragNum), byte(fragNum>>8))

		if err := c.outbox.WriteDatagram(frame); err != nil {
			return err
		}

		key := fragmentKey{seq: seq, frag: uint16(i)}
		c.pending[key] = newPendingPacket(frame, c.outbox, c.opts, c.stats, func() {
			c.onResendExhausted(key)
		})

		c.stats.PacketsSent.Add(1)
		c.stats.BytesSent.Add(int64(len(frame)))
	}
	return nil
}

// onResendExhausted marks the connection timed-out once any one
// fragment gives up retransmitting (spec.md §4.6/§7): losing a single
// fragment already blocks reassembly of the whole message. Runs
// onExhausted after releasing sendMu for the same re-entrancy reason as
// Reliable.onResendExhausted.
func (c *ReliableFragment) onResendExhausted(key fragmentKey) {
	c.log.Warnf("sequence %d fragment %d exceeded max resend attempts, giving up", key.seq, key.frag)
	c.sendMu.Lock()
	delete(c.pending, key)
	c.sendMu.Unlock()
	if c.onExhausted != nil {
		c.onExhausted()
	}
}

func (c *ReliableFragment) sendFragmentAck(seq seqnum.Sequence, frag uint16) {
	frame := []byte{byte(wire.KindAck), c.id, byte(seq), byte(seq >> 8), byte(frag), byte(frag >> 8)}
	if err := c.outbox.WriteDatagram(frame); err != nil {
		c.log.Warnf("failed to send fragment acknowledgement: %v", err)
	}
}

// HandleData implements spec.md §4.5 Receive: insert the fragment into
// its group, ack it regardless of duplication, and once the group is
// complete reassemble and hand the result to the same ordered/unordered
// delivery rule as Reliable, keyed on sequence_number alone.
func (c *ReliableFragment) HandleData(body []byte) {
	if c.closed.Load() || len(body) < fragmentFooterSize {
		return
	}
	footer := body[len(body)-fragmentFooterSize:]
	chunk := body[:len(body)-fragmentFooterSize]

	seq := seqnum.Sequence(uint16(footer[0]) | uint16(footer[1])<<8)
	raw := uint16(footer[2]) | uint16(footer[3])<<8
	isLast := raw&wire.LastFragmentBit != 0
	fragIndex := raw &^ wire.LastFragmentBit

	c.recvMu.Lock()
	grp, ok := c.groups[seq]
	if !ok {
		grp = newFragmentGroup()
		c.groups[seq] = grp
		// Completed groups are kept for duplicate detection; the group
		// half the sequence space away is dropped so it cannot collide
		// after wrap-around.
		delete(c.groups, seq.Opposite())
	}
	if _, dup := grp.fragments[fragIndex]; dup {
		c.recvMu.Unlock()
		c.stats.PacketsDuplicated.Add(1)
		c.sendFragmentAck(seq, fragIndex)
		return
	}

	grp.fragments[fragIndex] = append([]byte(nil), chunk...)
	if isLast {
		grp.lastIndex = int(fragIndex)
	}

	var reassembled []byte
	complete := grp.complete()
	if complete {
		reassembled = grp.reassemble()
	}
	c.recvMu.Unlock()

	c.sendFragmentAck(seq, fragIndex)
	c.stats.PacketsReceived.Add(1)
	c.stats.BytesReceived.Add(int64(len(body)))

	if !complete {
		return
	}

	if !c.ordered {
		c.onData(reassembled)
		return
	}

	// receive_seq starts at zero, the sender's first sequence, whichever
	// message happens to complete first.
	c.recvMu.Lock()
	c.haveReceiveSeq = true
	c.ready[seq] = reassembled
	var toDeliver [][]byte
	for {
		v, ok := c.ready[c.receiveSeq]
		if !ok {
			break
		}
		delete(c.ready, c.receiveSeq)
		toDeliver = append(toDeliver, v)
		c.receiveSeq = c.receiveSeq.Next()
	}
	c.recvMu.Unlock()

	for _, v := range toDeliver {
		c.onData(v)
	}
}

// HandleAck acks exactly one fragment; fragment acks are never merged
// into a bitfield (spec.md §4.5 Acks).
func (c *ReliableFragment) HandleAck(body []byte) {
	if c.closed.Load() || len(body) < fragmentFooterSize {
		return
	}
	seq := seqnum.Sequence(uint16(body[0]) | uint16(body[1])<<8)
	frag := (uint16(body[2]) | uint16(body[3])<<8) &^ wire.LastFragmentBit

	key := fragmentKey{seq: seq, frag: frag}
	c.sendMu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.sendMu.Unlock()
	if ok {
		p.Ack()
	}
}

// Close drains every in-flight fragment's pending timer without
// retransmitting.
func (c *ReliableFragment) Close() {
	c.closed.Store(true)
	c.sendMu.Lock()
	pending := c.pending
	c.pending = make(map[fragmentKey]*pendingPacket)
	c.sendMu.Unlock()
	for _, p := range pending {
		p.Drain()
	}
}
