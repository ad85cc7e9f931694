package kestrel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelnet/kestrel/pkg/buffer"
	"github.com/kestrelnet/kestrel/pkg/conn"
	"github.com/kestrelnet/kestrel/pkg/metrics"
	"github.com/kestrelnet/kestrel/pkg/netlog"
	"github.com/kestrelnet/kestrel/pkg/packet"
	"github.com/kestrelnet/kestrel/pkg/socket"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// ConnectPayloadWriter lets the application attach an application-level
// payload to the outgoing Connect packet (spec.md §6: "connect_payload_writer").
type ConnectPayloadWriter func(pkt *packet.Packet)

// Client is a Node with a single connection slot (spec.md §4.8).
// Grounded on the teacher's source/server/server.go socket-ownership
// shape, generalized to the client side of the handshake.
type Client struct {
	instance uuid.UUID

	opts Options
	log  *netlog.Logger

	sock *socket.Socket
	pool *buffer.Pool

	serverAddr *net.UDPAddr

	mu   sync.Mutex
	conn *conn.Connection

	connectingMu sync.Mutex
	connectCancel chan struct{}

	Events *ClientEvents

	Metrics *metrics.Collector

	dispatch *dispatcher
}

// NewClient constructs a Client.
func NewClient(opts Options) *Client {
	id := uuid.New()
	return &Client{
		instance: id,
		opts:     opts,
		log:      netlog.New("client").With("instance", id.String()),
		pool:     buffer.NewPool(opts.BufferPoolSize),
		Events:   newClientEvents(),
		Metrics:  metrics.NewCollector(),
		dispatch: newDispatcher(opts.Automatic),
	}
}

// Instance returns the client's process-lifetime unique identifier.
func (c *Client) Instance() uuid.UUID { return c.instance }

// SetHandler installs the application callback invoked for every
// reordered/reassembled payload from the server connection (spec.md
// §4.8). In automatic mode it runs inline on the receive thread; in
// manual mode deliveries queue until Tick is called.
func (c *Client) SetHandler(h DataHandler) { c.dispatch.SetHandler(h) }

// Tick drains payloads queued since the last Tick and invokes the
// installed handler for each. Only meaningful in manual dispatch mode.
func (c *Client) Tick() { c.dispatch.Tick() }

// IsConnected reports whether the client's single connection slot is
// currently in the Connected state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.State() == conn.StateConnected
}

// Connection returns the current connection, or nil if none.
func (c *Client) Connection() *conn.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect binds a local socket (if not already bound) and sends Connect
// packets to addr up to maxAttempts times, spaced by delayBetweenAttempts,
// firing Connecting immediately and either Connected (on ConnectApproved)
// or ConnectFailed once attempts are exhausted (spec.md §4.7).
func (c *Client) Connect(host string, port int, maxAttempts int, delayBetweenAttempts time.Duration, payloadWriter ConnectPayloadWriter) error {
	if err := c.opts.Validate(); err != nil {
		return err
	}
	if c.sock == nil {
		sock, err := socket.Listen(c.opts.Host, c.opts.Port, c.opts.simulation(), c.opts.SendBufferSize, c.opts.ReceiveBufferSize)
		if err != nil {
			return fmt.Errorf("kestrel: client bind failed: %w", err)
		}
		c.sock = sock
		go func() {
			if err := c.sock.Serve(c.handleDatagram); err != nil && err != socket.ErrClosed {
				c.log.Warnf("receive loop exited: %v", err)
			}
		}()
	}

	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	c.serverAddr = addr

	pending := conn.New(addr, c.sock, c.opts.connOptions(), c.opts.channelOptions(), c.onDisconnected)
	pending.SetDeliverHandler(c.dispatch.deliver)

	c.mu.Lock()
	c.conn = pending
	c.mu.Unlock()

	c.Events.Connecting.fire(struct{}{})

	pkt := packet.New(c.pool, byte(wire.KindConnect))
	if payloadWriter != nil {
		payloadWriter(pkt)
	}
	connectFrame := pkt.Bytes()
	pkt.Release()

	cancel := make(chan struct{})
	c.connectingMu.Lock()
	c.connectCancel = cancel
	c.connectingMu.Unlock()

	go c.retryConnect(addr, connectFrame, maxAttempts, delayBetweenAttempts, cancel)
	return nil
}

func (c *Client) retryConnect(addr *net.UDPAddr, frame []byte, maxAttempts int, delay time.Duration, cancel chan struct{}) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.sock.WriteTo(frame, addr); err != nil {
			c.log.Warnf("failed to send connect attempt %d: %v", attempt+1, err)
		}

		select {
		case <-cancel:
			return
		case <-time.After(delay):
		}

		if c.IsConnected() {
			return
		}
	}

	if !c.IsConnected() {
		c.log.Warnf("connect to %s failed after %d attempts", addr, maxAttempts)
		c.Events.ConnectFailed.fire(struct{}{})
	}
}

func (c *Client) handleDatagram(data []byte, from *net.UDPAddr) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	current := c.conn
	c.mu.Unlock()
	if current == nil {
		return
	}
	// Malicious-source check: reject anything not from the known server
	// endpoint (spec.md §4.8).
	if !sameUDPAddr(from, current.RemoteAddr()) {
		c.log.Warnf("dropping datagram from unexpected source %s (expected %s)", from, current.RemoteAddr())
		return
	}

	kind := wire.Kind(data[0])
	body := data[1:]

	switch kind {
	case wire.KindConnectApproved:
		current.Touch()
		if current.State() != conn.StateConnected {
			current.SetState(conn.StateConnected)
			c.connectingMu.Lock()
			if c.connectCancel != nil {
				close(c.connectCancel)
				c.connectCancel = nil
			}
			c.connectingMu.Unlock()
			current.StartKeepAlive()
			c.Metrics.Add(current.RemoteAddr().String(), current)
			c.Events.Connected.fire(current)
		}
	case wire.KindData:
		if len(body) < 1 {
			return
		}
		current.HandleData(body[0], body[1:])
	case wire.KindAck:
		if len(body) < 1 {
			return
		}
		current.HandleAck(body[0], body[1:])
	case wire.KindPing:
		current.HandlePing(body)
	case wire.KindPong:
		current.HandlePong(body)
	case wire.KindDisconnect:
		current.Disconnect(conn.CauseServerLogic)
	default:
		c.log.Warnf("unknown header kind 0x%02x from %s, dropping", data[0], from)
	}
}

func (c *Client) onDisconnected(_ *conn.Connection, cause conn.DisconnectCause) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.Events.Disconnected.fire(cause)
}

// Disconnect sends a Disconnect datagram and tears the connection down
// locally with cause ClientLogic.
func (c *Client) Disconnect() {
	c.mu.Lock()
	current := c.conn
	c.mu.Unlock()
	if current == nil {
		return
	}
	if err := c.sock.WriteTo([]byte{byte(wire.KindDisconnect)}, current.RemoteAddr()); err != nil {
		c.log.Warnf("failed to send disconnect: %v", err)
	}
	current.Disconnect(conn.CauseClientLogic)
}

// NewPacket acquires a buffer from the client's pool.
func (c *Client) NewPacket(header byte) *packet.Packet {
	return packet.New(c.pool, header)
}

// Send submits pkt on channelID over the client's single connection.
func (c *Client) Send(channelID byte, pkt *packet.Packet) error {
	defer pkt.Release()
	current := c.Connection()
	if current == nil {
		return fmt.Errorf("kestrel: client is not connected")
	}
	return current.Send(channelID, pkt.Bytes())
}

// Close releases the client's socket.
func (c *Client) Close() error {
	if c.sock == nil {
		return nil
	}
	return c.sock.Close()
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
