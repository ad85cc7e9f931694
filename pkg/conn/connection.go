// Package conn implements the virtual-connection lifecycle of spec.md
// §4.7: a per-remote-endpoint state machine carrying the 256-slot
// channel table, ping/pong RTT measurement, and the timeout deadline.
// Grounded on source/server/player.go's per-remote session shape,
// generalized from SA-MP's player fields to a protocol-agnostic
// connection, and on other_examples/AhmadMuzakkir-reliable/conn.go for
// the keep-alive/resend timing pattern.
package conn

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelnet/kestrel/pkg/channel"
	"github.com/kestrelnet/kestrel/pkg/metrics"
	"github.com/kestrelnet/kestrel/pkg/netlog"
	"github.com/kestrelnet/kestrel/pkg/rtt"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// ErrUnknownChannel is returned by Send when no channel is installed at
// the requested id.
var ErrUnknownChannel = errors.New("conn: unknown channel id")

// State is the connection's lifecycle phase (spec.md §4.7).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DisconnectCause distinguishes why a connection was disposed (spec.md §4.7).
type DisconnectCause int

const (
	CauseClientLogic DisconnectCause = iota
	CauseServerLogic
	CauseTimeout
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseClientLogic:
		return "client_logic"
	case CauseServerLogic:
		return "server_logic"
	case CauseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Transport is the minimal socket surface a Connection needs to send
// datagrams to its remote endpoint.
type Transport interface {
	WriteTo(b []byte, addr *net.UDPAddr) error
}

// Options configures keep-alive timing and RTT smoothing (spec.md §6).
type Options struct {
	PeriodDuration   time.Duration
	TimeoutDuration  time.Duration
	SmoothingFactor  float64
	DeviationFactor  float64
}

// DefaultOptions returns the spec.md §6-mandated connection defaults.
func DefaultOptions() Options {
	return Options{
		PeriodDuration:  1000 * time.Millisecond,
		TimeoutDuration: 20 * time.Second,
		SmoothingFactor: rtt.DefaultSmoothingFactor,
		DeviationFactor: rtt.DefaultDeviationFactor,
	}
}

// Connection is per-remote-endpoint state: lifecycle, channel table, RTT
// estimate, activity deadline, and shared packet counters (spec.md §3).
type Connection struct {
	remote    *net.UDPAddr
	transport Transport
	opts      Options
	log       *netlog.Logger

	state atomic.Int32

	channelsMu sync.RWMutex
	channels   [256]channel.Channel
	chanOpts   channel.Options

	stats *channel.Stats
	rtt   *rtt.Estimator

	pingMu     sync.Mutex
	nextPingID uint8
	pingSentAt [256]time.Time
	pingKnown  [256]bool

	lastActivity atomic.Int64 // UnixNano of the last packet received from the peer

	stopCh   chan struct{}
	stopOnce sync.Once

	disconnectOnce sync.Once
	onDisconnect   func(*Connection, DisconnectCause)

	deliverMu sync.RWMutex
	deliver   func(conn *Connection, channelID byte, payload []byte)
}

// New constructs a Connection in Connecting state. Callers typically
// move it to Connected once a handshake completes (server side: before
// first use; client side: on ConnectApproved).
func New(remote *net.UDPAddr, transport Transport, opts Options, chanOpts channel.Options, onDisconnect func(*Connection, DisconnectCause)) *Connection {
	c := &Connection{
		remote:       remote,
		transport:    transport,
		opts:         opts,
		chanOpts:     chanOpts,
		log:          netlog.New("connection").With("remote", remote.String()),
		stats:        &channel.Stats{},
		rtt:          rtt.New(opts.SmoothingFactor, opts.DeviationFactor),
		stopCh:       make(chan struct{}),
		onDisconnect: onDisconnect,
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	c.installDefaultChannels()
	return c
}

// installDefaultChannels wires the four built-in delivery semantics onto
// the reserved channel ids (spec.md §4.1). The fragmented channel
// defaults to the ordered variant; an application initializer may
// replace any slot, including these, before the connection is used.
func (c *Connection) installDefaultChannels() {
	opts := c.chanOpts
	if opts.AckBytes == 0 {
		opts = channel.DefaultOptions()
	}
	deliver := func(id byte) channel.Deliver {
		return func(payload []byte) { c.deliverLocally(id, payload) }
	}
	onExhausted := func() { c.Disconnect(CauseTimeout) }
	c.channels[wire.ChannelUnreliable] = channel.NewUnreliable(wire.ChannelUnreliable, c, c.stats, deliver(wire.ChannelUnreliable))
	c.channels[wire.ChannelSequenced] = channel.NewSequenced(wire.ChannelSequenced, c, c.stats, deliver(wire.ChannelSequenced))
	c.channels[wire.ChannelReliableUnordered] = channel.NewReliable(wire.ChannelReliableUnordered, false, c, c.stats, deliver(wire.ChannelReliableUnordered), opts, onExhausted)
	c.channels[wire.ChannelReliableOrdered] = channel.NewReliable(wire.ChannelReliableOrdered, true, c, c.stats, deliver(wire.ChannelReliableOrdered), opts, onExhausted)
	c.channels[wire.ChannelReliableFragment] = channel.NewReliableFragment(wire.ChannelReliableFragment, true, c, c.stats, deliver(wire.ChannelReliableFragment), opts, onExhausted)
}

// SetDeliverHandler installs the callback invoked for every payload a
// channel on this connection has finished reordering/reassembling. The
// owning Node calls this once before the connection receives any
// traffic.
func (c *Connection) SetDeliverHandler(h func(conn *Connection, channelID byte, payload []byte)) {
	c.deliverMu.Lock()
	c.deliver = h
	c.deliverMu.Unlock()
}

// deliverLocally is a no-op until SetDeliverHandler has been called, so
// a freshly constructed Connection never panics on early traffic.
func (c *Connection) deliverLocally(id byte, payload []byte) {
	c.deliverMu.RLock()
	h := c.deliver
	c.deliverMu.RUnlock()
	if h != nil {
		h(c, id, payload)
	}
}

// RemoteAddr returns the peer's UDP address.
func (c *Connection) RemoteAddr() *net.UDPAddr { return c.remote }

// Label implements metrics.Source, identifying this connection by its
// remote endpoint in exported metric labels.
func (c *Connection) Label() string { return c.remote.String() }

// State returns the current lifecycle phase.
func (c *Connection) State() State { return State(c.state.Load()) }

// SetState forcibly transitions the lifecycle phase. Used by Node on
// handshake completion.
func (c *Connection) SetState(s State) { c.state.Store(int32(s)) }

// SetChannel installs a channel at the given id, replacing any built-in
// default (spec.md §4.7: "application initializer ... may install custom
// channel instances").
func (c *Connection) SetChannel(id byte, ch channel.Channel) {
	c.channelsMu.Lock()
	c.channels[id] = ch
	c.channelsMu.Unlock()
}

func (c *Connection) channelAt(id byte) channel.Channel {
	c.channelsMu.RLock()
	ch := c.channels[id]
	c.channelsMu.RUnlock()
	return ch
}

// Send submits payload on the named channel.
func (c *Connection) Send(channelID byte, payload []byte) error {
	ch := c.channelAt(channelID)
	if ch == nil {
		return ErrUnknownChannel
	}
	return ch.Send(payload)
}

// WriteDatagram implements channel.Outbox: every channel on this
// connection writes through the same socket to the same remote address.
func (c *Connection) WriteDatagram(b []byte) error {
	return c.transport.WriteTo(b, c.remote)
}

// BaseDelay implements channel.Outbox (spec.md §4.6).
func (c *Connection) BaseDelay() time.Duration {
	return c.rtt.BaseDelay()
}

// SmoothRTT implements metrics.Source.
func (c *Connection) SmoothRTT() time.Duration { return c.rtt.SmoothRTT() }

// RTTDeviation implements metrics.Source.
func (c *Connection) RTTDeviation() time.Duration { return c.rtt.Deviation() }

// Stats implements metrics.Source, snapshotting the shared counters.
func (c *Connection) Stats() metrics.ConnStats {
	return metrics.ConnStats{
		PacketsSent:       c.stats.PacketsSent.Load(),
		PacketsReceived:   c.stats.PacketsReceived.Load(),
		PacketsResent:     c.stats.PacketsResent.Load(),
		PacketsDuplicated: c.stats.PacketsDuplicated.Load(),
		PacketsOutOfOrder: c.stats.PacketsOutOfOrder.Load(),
		BytesSent:         c.stats.BytesSent.Load(),
		BytesReceived:     c.stats.BytesReceived.Load(),
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Touch extends the timeout deadline, as if a datagram had just arrived
// from the peer. Used for datagram kinds a Node handles itself (e.g.
// ConnectApproved) that still count as proof of life.
func (c *Connection) Touch() { c.touch() }

// HandleData routes a received Data datagram to its addressed channel.
func (c *Connection) HandleData(channelID byte, body []byte) {
	c.touch()
	if ch := c.channelAt(channelID); ch != nil {
		ch.HandleData(body)
	}
}

// HandleAck routes a received Acknowledgement datagram to its addressed channel.
func (c *Connection) HandleAck(channelID byte, body []byte) {
	c.touch()
	if ch := c.channelAt(channelID); ch != nil {
		ch.HandleAck(body)
	}
}

// HandlePing replies with a Pong echoing the ping id (spec.md §4.7, §6 wire format).
func (c *Connection) HandlePing(body []byte) {
	c.touch()
	if len(body) < 1 {
		return
	}
	pingID := body[0]
	if err := c.WriteDatagram([]byte{byte(wire.KindPong), pingID}); err != nil {
		c.log.Warnf("failed to send pong: %v", err)
	}
}

// HandlePong completes an RTT sample for the echoed ping id.
func (c *Connection) HandlePong(body []byte) {
	c.touch()
	if len(body) < 1 {
		return
	}
	pingID := body[0]

	c.pingMu.Lock()
	known := c.pingKnown[pingID]
	sent := c.pingSentAt[pingID]
	c.pingKnown[pingID] = false
	c.pingMu.Unlock()

	if !known {
		return
	}
	c.rtt.Sample(time.Since(sent))
}

// StartKeepAlive launches the ping and timeout-deadline goroutine. Call
// once per connection after construction.
func (c *Connection) StartKeepAlive() {
	go c.keepAliveLoop()
}

func (c *Connection) keepAliveLoop() {
	ticker := time.NewTicker(c.opts.PeriodDuration)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.State() == StateDisconnected {
				return
			}
			c.sendPing()
			if c.timedOut() {
				c.Disconnect(CauseTimeout)
				return
			}
		}
	}
}

func (c *Connection) sendPing() {
	c.pingMu.Lock()
	id := c.nextPingID
	c.nextPingID++
	c.pingSentAt[id] = time.Now()
	c.pingKnown[id] = true
	c.pingMu.Unlock()

	frame := make([]byte, 10)
	frame[0] = byte(wire.KindPing)
	frame[1] = id
	now := uint64(time.Now().UnixNano())
	for i := 0; i < 8; i++ {
		frame[2+i] = byte(now >> (8 * i))
	}
	if err := c.WriteDatagram(frame); err != nil {
		c.log.Warnf("failed to send ping: %v", err)
	}
}

func (c *Connection) timedOut() bool {
	last := time.Unix(0, c.lastActivity.Load())
	return time.Since(last) > c.opts.TimeoutDuration
}

// Disconnect atomically transitions to Disconnected, closes every
// installed channel (draining pending retransmits without firing them),
// stops the keep-alive loop, and invokes onDisconnect exactly once
// (spec.md §4.7 disconnect causes, §5 cyclic-reference teardown).
func (c *Connection) Disconnect(cause DisconnectCause) {
	c.disconnectOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		c.stopOnce.Do(func() { close(c.stopCh) })

		c.channelsMu.RLock()
		chans := c.channels
		c.channelsMu.RUnlock()
		for _, ch := range chans {
			if ch != nil {
				ch.Close()
			}
		}

		if c.onDisconnect != nil {
			c.onDisconnect(c, cause)
		}
	})
}
