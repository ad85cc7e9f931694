package kestrel

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelnet/kestrel/pkg/buffer"
	"github.com/kestrelnet/kestrel/pkg/conn"
	"github.com/kestrelnet/kestrel/pkg/metrics"
	"github.com/kestrelnet/kestrel/pkg/netlog"
	"github.com/kestrelnet/kestrel/pkg/packet"
	"github.com/kestrelnet/kestrel/pkg/socket"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// ConnectionValidator decides whether an incoming Connect should be
// accepted. The default validator accepts everything (spec.md §4.7:
// "invoke the application-supplied validator (default: accept)").
// Validators must not panic; a panic is recovered and treated as a
// decline (spec.md §7).
type ConnectionValidator func(addr *net.UDPAddr, connectPayload []byte) bool

// ConnectionInitializer runs once per accepted connection before
// ConnectApproved is sent, letting the application install custom
// channels (spec.md §4.7).
type ConnectionInitializer func(c *conn.Connection)

// Server is a Node owning a concurrent table of client connections
// (spec.md §4.8). Grounded on the teacher's source/server/server.go
// Start/listen shape, generalized from a fixed SA-MP player table to
// the transport's own connection lifecycle.
type Server struct {
	instance uuid.UUID

	opts Options
	log  *netlog.Logger

	sock *socket.Socket
	pool *buffer.Pool

	connsMu sync.RWMutex
	conns   map[string]*conn.Connection

	validator   ConnectionValidator
	initializer ConnectionInitializer

	Events *ServerEvents

	Metrics *metrics.Collector

	dispatch *dispatcher

	running bool
	stopMu  sync.Mutex
}

// NewServer constructs a Server. Call SetValidator/SetInitializer before
// Start if the defaults (accept-all, no-op) are not wanted.
func NewServer(opts Options) *Server {
	id := uuid.New()
	return &Server{
		instance:    id,
		opts:        opts,
		log:         netlog.New("server").With("instance", id.String()),
		pool:        buffer.NewPool(opts.BufferPoolSize),
		conns:       make(map[string]*conn.Connection),
		validator:   func(*net.UDPAddr, []byte) bool { return true },
		initializer: func(*conn.Connection) {},
		Events:      newServerEvents(),
		Metrics:     metrics.NewCollector(),
		dispatch:    newDispatcher(opts.Automatic),
	}
}

// Instance returns the server's process-lifetime unique identifier,
// used to disambiguate log lines and metrics across restarts.
func (s *Server) Instance() uuid.UUID { return s.instance }

func (s *Server) SetValidator(v ConnectionValidator)     { s.validator = v }
func (s *Server) SetInitializer(init ConnectionInitializer) { s.initializer = init }

// SetHandler installs the application callback invoked for every
// reordered/reassembled payload from any connection (spec.md §4.8).
// In automatic mode (the default) it runs inline on the receive thread;
// in manual mode (Options.Automatic == false) deliveries queue until
// Tick is called.
func (s *Server) SetHandler(h DataHandler) { s.dispatch.SetHandler(h) }

// Tick drains payloads queued since the last Tick and invokes the
// installed handler for each. Only meaningful in manual dispatch mode;
// a no-op otherwise (spec.md §4.8).
func (s *Server) Tick() { s.dispatch.Tick() }

// ConnectionCount returns the number of connections currently Connected
// or Connecting.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Start binds the socket and launches the receive loop (spec.md §4.8
// Node public operations: "start(port)").
func (s *Server) Start() error {
	if err := s.opts.Validate(); err != nil {
		return err
	}
	sock, err := socket.Listen(s.opts.Host, s.opts.Port, s.opts.simulation(), s.opts.SendBufferSize, s.opts.ReceiveBufferSize)
	if err != nil {
		return fmt.Errorf("kestrel: server bind failed: %w", err)
	}
	s.sock = sock
	s.running = true

	s.log.Infof("server listening on %s", sock.LocalAddr())
	s.Events.Started.fire(struct{}{})

	go func() {
		if err := s.sock.Serve(s.handleDatagram); err != nil && err != socket.ErrClosed {
			s.log.Warnf("receive loop exited: %v", err)
		}
	}()
	return nil
}

// Stop closes the socket and disconnects every connection with cause
// ServerLogic.
func (s *Server) Stop() error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.connsMu.Lock()
	conns := make([]*conn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Disconnect(conn.CauseServerLogic)
	}

	err := s.sock.Close()
	s.Events.Stopped.fire(struct{}{})
	return err
}

func (s *Server) handleDatagram(data []byte, from *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	kind := wire.Kind(data[0])
	body := data[1:]

	if kind == wire.KindConnect {
		s.handleConnect(from, body)
		return
	}

	s.connsMu.RLock()
	c, ok := s.conns[from.String()]
	s.connsMu.RUnlock()
	if !ok {
		s.log.Warnf("datagram kind %s from unknown endpoint %s, dropping", kind, from)
		return
	}

	switch kind {
	case wire.KindData:
		if len(body) < 1 {
			return
		}
		c.HandleData(body[0], body[1:])
	case wire.KindAck:
		if len(body) < 1 {
			return
		}
		c.HandleAck(body[0], body[1:])
	case wire.KindPing:
		c.HandlePing(body)
	case wire.KindPong:
		c.HandlePong(body)
	case wire.KindDisconnect:
		s.removeConnection(from.String())
		c.Disconnect(conn.CauseClientLogic)
	default:
		s.log.Warnf("unknown header kind 0x%02x from %s, dropping", data[0], from)
	}
}

func (s *Server) handleConnect(from *net.UDPAddr, payload []byte) {
	key := from.String()

	s.connsMu.RLock()
	existing, ok := s.conns[key]
	s.connsMu.RUnlock()
	if ok && existing.State() == conn.StateConnected {
		s.sendConnectApproved(from)
		return
	}

	if !s.validateConnect(from, payload) {
		s.log.Infof("connection from %s rejected by validator", from)
		return
	}

	c := conn.New(from, s.sock, s.opts.connOptions(), s.opts.channelOptions(), s.onConnectionDisconnected)
	c.SetDeliverHandler(s.dispatch.deliver)
	s.initializer(c)
	c.SetState(conn.StateConnected)
	c.StartKeepAlive()

	s.connsMu.Lock()
	s.conns[key] = c
	s.connsMu.Unlock()

	s.Metrics.Add(key, c)
	s.sendConnectApproved(from)
	s.Events.ClientConnected.fire(c)
}

// validateConnect isolates the application-supplied validator so a
// panic there is caught and treated as a decline (spec.md §7:
// "Application-supplied validators and initializers must not throw; any
// fault there is caught at the boundary and treated as a decline").
func (s *Server) validateConnect(from *net.UDPAddr, payload []byte) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warnf("connection validator panicked: %v", r)
			accepted = false
		}
	}()
	return s.validator(from, payload)
}

func (s *Server) sendConnectApproved(to *net.UDPAddr) {
	if err := s.sock.WriteTo([]byte{byte(wire.KindConnectApproved)}, to); err != nil {
		s.log.Warnf("failed to send ConnectApproved to %s: %v", to, err)
	}
}

func (s *Server) removeConnection(key string) {
	s.connsMu.Lock()
	delete(s.conns, key)
	s.connsMu.Unlock()
	s.Metrics.Remove(key)
}

func (s *Server) onConnectionDisconnected(c *conn.Connection, cause conn.DisconnectCause) {
	s.removeConnection(c.RemoteAddr().String())
	s.Events.ClientDisconnected.fire(ClientDisconnectedEvent{Conn: c, Cause: cause})
}

// NewPacket acquires a buffer from the server's pool and writes header
// as its first byte (spec.md §3 Packet lifecycle).
func (s *Server) NewPacket(header byte) *packet.Packet {
	return packet.New(s.pool, header)
}

// SendToOne submits pkt on channelID to exactly one connection.
func (s *Server) SendToOne(to *net.UDPAddr, channelID byte, pkt *packet.Packet) error {
	defer pkt.Release()
	s.connsMu.RLock()
	c, ok := s.conns[to.String()]
	s.connsMu.RUnlock()
	if !ok {
		return fmt.Errorf("kestrel: no connection for %s", to)
	}
	return c.Send(channelID, pkt.Bytes())
}

// SendToMany submits pkt on channelID to every connection whose address
// is not in exclude.
func (s *Server) SendToMany(exclude map[string]struct{}, channelID byte, pkt *packet.Packet) {
	defer pkt.Release()
	payload := append([]byte(nil), pkt.Bytes()...)

	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	for key, c := range s.conns {
		if _, skip := exclude[key]; skip {
			continue
		}
		if err := c.Send(channelID, payload); err != nil {
			s.log.Warnf("send to %s failed: %v", key, err)
		}
	}
}

// SendToAll submits pkt on channelID to every connection.
func (s *Server) SendToAll(channelID byte, pkt *packet.Packet) {
	s.SendToMany(nil, channelID, pkt)
}

// Kick sends a Disconnect to addr and tears down its connection locally
// with cause ServerLogic.
func (s *Server) Kick(addr *net.UDPAddr) {
	s.connsMu.RLock()
	c, ok := s.conns[addr.String()]
	s.connsMu.RUnlock()
	if !ok {
		return
	}
	if err := s.sock.WriteTo([]byte{byte(wire.KindDisconnect)}, addr); err != nil {
		s.log.Warnf("failed to send disconnect to %s: %v", addr, err)
	}
	c.Disconnect(conn.CauseServerLogic)
}
