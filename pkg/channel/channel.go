// Package channel implements the four per-stream delivery semantics of
// spec.md §4: Unreliable, Sequenced, Reliable (ordered/unordered), and
// ReliableFragment, plus the shared retransmit engine and receive ring
// they build on.
package channel

import (
	"sync/atomic"
	"time"

	"github.com/kestrelnet/kestrel/pkg/buffer"
	"github.com/kestrelnet/kestrel/pkg/netlog"
)

// Outbox is what a channel needs from its owning connection: a way to
// put bytes on the wire, and the current retransmit base delay.
type Outbox interface {
	// WriteDatagram sends b to the connection's remote endpoint.
	WriteDatagram(b []byte) error
	// BaseDelay returns smooth_rtt + 4*rtt_deviation, or -1 if RTT has
	// never been measured (spec.md §4.6).
	BaseDelay() time.Duration
}

// Deliver hands a fully-reordered, reassembled, duplicate-free payload
// up to the application (or to the node's manual-mode queue).
type Deliver func(payload []byte)

// Stats are the per-connection counters spec.md §3's Connection data
// model names: packets/bytes sent, received, resent, duplicated,
// out-of-order. Channels increment their connection's shared Stats
// directly; fields are atomic so concurrent channels (and the
// retransmit timers firing against them) never race.
type Stats struct {
	PacketsSent        atomic.Int64
	PacketsReceived    atomic.Int64
	PacketsResent      atomic.Int64
	PacketsDuplicated  atomic.Int64
	PacketsOutOfOrder  atomic.Int64
	BytesSent          atomic.Int64
	BytesReceived      atomic.Int64
}

// Options configure a reliable or reliable-fragmented channel
// (spec.md §6 configurable per-channel options).
type Options struct {
	MaxResendAttempts int
	MinResendDelay    time.Duration
	BackoffFactor     float64
	AckBytes          int
	Name              string
}

// DefaultOptions returns the spec.md §6-mandated defaults.
func DefaultOptions() Options {
	return Options{
		MaxResendAttempts: 15,
		MinResendDelay:    100 * time.Millisecond,
		BackoffFactor:     1.2,
		AckBytes:          4, // resolves spec.md §9 Open Question (iii): 4 bytes / 32-bit bitfield
		Name:              "",
	}
}

// Channel is the common interface every delivery semantic implements.
// Receive-side parsing takes the raw datagram body (header and channel-id
// bytes already stripped by the connection dispatcher) and the sender's
// address is implicit: a Channel instance is owned by exactly one
// Connection.
type Channel interface {
	// ID returns the channel's 8-bit identifier.
	ID() byte
	// Send submits payload for delivery under this channel's semantics.
	Send(payload []byte) error
	// HandleData processes a received Data datagram body.
	HandleData(body []byte)
	// HandleAck processes a received Acknowledgement datagram body.
	// Unreliable/Sequenced channels do not acknowledge; receiving one is
	// a protocol-kind warning, not an error (spec.md §4.2).
	HandleAck(body []byte)
	// Close atomically marks the channel closed: subsequent sends/
	// receives become no-ops and any pending retransmit timers are
	// drained without retransmission (spec.md §5).
	Close()
}

// pool aliases buffer.Pool. No channel constructor takes a pool: channels
// build their frames in freshly allocated slices.
type pool = buffer.Pool

// newChannelLogger is a small helper so every channel implementation tags
// its log lines consistently.
func newChannelLogger(kind string, id byte) *netlog.Logger {
	return netlog.New("channel." + kind).With("channel", id)
}
