package channel

import (
	"sync"
	"sync/atomic"

	"github.com/kestrelnet/kestrel/pkg/netlog"
	"github.com/kestrelnet/kestrel/pkg/seqnum"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// Sequenced implements spec.md §4.3: a post-increment local sequence is
// appended on send; on receive, a packet is delivered only if it is
// circularly greater than the current high-water mark, otherwise it is
// dropped as out-of-order. No duplicates, no reordering, no
// acknowledgement; gaps are silently accepted.
type Sequenced struct {
	id     byte
	outbox Outbox
	stats  *Stats
	onData Deliver
	log    *netlog.Logger

	closed atomic.Bool

	sendMu   sync.Mutex
	localSeq seqnum.Sequence

	recvMu    sync.Mutex
	highWater seqnum.Sequence
	hasHigh   bool
}

// NewSequenced constructs a Sequenced channel with the given id.
func NewSequenced(id byte, outbox Outbox, stats *Stats, onData Deliver) *Sequenced {
	return &Sequenced{
		id:     id,
		outbox: outbox,
		stats:  stats,
		onData: onData,
		log:    newChannelLogger("sequenced", id),
	}
}

func (c *Sequenced) ID() byte { return c.id }

func (c *Sequenced) Send(payload []byte) error {
	if c.closed.Load() {
		return nil
	}
	c.sendMu.Lock()
	seq := c.localSeq
	c.localSeq = c.localSeq.Next()
	c.sendMu.Unlock()

	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, byte(wire.KindData), c.id)
	frame = append(frame, payload...)
	frame = append(frame, byte(seq), byte(seq>>8))

	if err := c.outbox.WriteDatagram(frame); err != nil {
		return err
	}
	c.stats.PacketsSent.Add(1)
	c.stats.BytesSent.Add(int64(len(frame)))
	return nil
}

func (c *Sequenced) HandleData(body []byte) {
	if c.closed.Load() || len(body) < 2 {
		return
	}
	payload := body[:len(body)-2]
	seq := seqnum.Sequence(uint16(body[len(body)-2]) | uint16(body[len(body)-1])<<8)

	c.recvMu.Lock()
	deliver := !c.hasHigh || seqnum.Greater(seq, c.highWater)
	if deliver {
		c.highWater = seq
		c.hasHigh = true
	}
	c.recvMu.Unlock()

	if !deliver {
		c.stats.PacketsOutOfOrder.Add(1)
		return
	}

	c.stats.PacketsReceived.Add(1)
	c.stats.BytesReceived.Add(int64(len(body)))
	c.onData(payload)
}

func (c *Sequenced) HandleAck(body []byte) {
	c.log.Warnf("received acknowledgement on sequenced channel, discarding")
}

func (c *Sequenced) Close() { c.closed.Store(true) }
