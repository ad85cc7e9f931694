package channel

import (
	"sync/atomic"

	"github.com/kestrelnet/kestrel/pkg/netlog"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// Unreliable is the no-framing-beyond-header channel of spec.md §4.2: no
// acknowledgement, no sequencing, packets are handed straight to the
// socket on send and delivered immediately on receive.
type Unreliable struct {
	id     byte
	outbox Outbox
	stats  *Stats
	onData Deliver
	closed atomic.Bool
	log    *netlog.Logger
}

// NewUnreliable constructs an Unreliable channel with the given id.
func NewUnreliable(id byte, outbox Outbox, stats *Stats, onData Deliver) *Unreliable {
	return &Unreliable{
		id:     id,
		outbox: outbox,
		stats:  stats,
		onData: onData,
		log:    newChannelLogger("unreliable", id),
	}
}

func (c *Unreliable) ID() byte { return c.id }

func (c *Unreliable) Send(payload []byte) error {
	if c.closed.Load() {
		return nil
	}
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, byte(wire.KindData), c.id)
	frame = append(frame, payload...)
	if err := c.outbox.WriteDatagram(frame); err != nil {
		return err
	}
	c.stats.PacketsSent.Add(1)
	c.stats.BytesSent.Add(int64(len(frame)))
	return nil
}

func (c *Unreliable) HandleData(body []byte) {
	if c.closed.Load() {
		return
	}
	c.stats.PacketsReceived.Add(1)
	c.stats.BytesReceived.Add(int64(len(body)))
	c.onData(body)
}

// HandleAck: unreliable channels never acknowledge. Receiving one is
// logged as a protocol-kind warning and discarded (spec.md §4.2).
func (c *Unreliable) HandleAck(body []byte) {
	c.log.Warnf("received acknowledgement on unreliable channel, discarding")
}

func (c *Unreliable) Close() { c.closed.Store(true) }
