// Package socket owns the single UDP socket a Node binds: a blocking
// receive loop handed off to a dispatch callback, concurrent-safe
// writes, and an optional loss/latency simulator for testing against
// adverse network conditions (spec.md §6 Configurable options). Grounded
// on the teacher's source/server/server.go Start/listen/updateLoop shape
// generalized away from SA-MP packet handling.
package socket

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/kestrelnet/kestrel/pkg/netlog"
)

// MaxDatagramSize bounds the receive buffer; datagrams larger than this
// are truncated by the kernel before we see them, same as any UDP reader.
const MaxDatagramSize = 2048

// Simulation configures artificial packet loss and latency applied to
// inbound datagrams only, for exercising retransmission and reordering
// in tests (spec.md §6: PacketLoss, MinLatency, MaxLatency).
type Simulation struct {
	PacketLoss            float64 // fraction in [0,1] of inbound datagrams to drop
	MinLatency, MaxLatency time.Duration
}

func (s Simulation) enabled() bool {
	return s.PacketLoss > 0 || s.MaxLatency > 0
}

// ErrClosed is returned by Serve once the socket has been closed.
var ErrClosed = errors.New("socket: closed")

// Handler receives one datagram's payload and source address. It is
// invoked on the socket's own goroutine (or, under simulated latency, on
// a timer goroutine) and must not block for long.
type Handler func(data []byte, from *net.UDPAddr)

// Socket wraps a bound net.UDPConn. Writes are safe for concurrent use
// (UDP sockets are); Serve must only run on one goroutine at a time.
type Socket struct {
	conn *net.UDPConn
	log  *netlog.Logger

	sim  Simulation
	rand *rand.Rand
	mu   sync.Mutex // guards rand, which is not itself goroutine-safe

	closed chan struct{}
	once   sync.Once
}

// Listen binds a UDP socket on the given host:port. port == 0 picks an
// ephemeral port, useful for tests and short-lived clients.
func Listen(host string, port int, sim Simulation, sendBuf, recvBuf int) (*Socket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if sendBuf > 0 {
		_ = conn.SetWriteBuffer(sendBuf)
	}
	if recvBuf > 0 {
		_ = conn.SetReadBuffer(recvBuf)
	}
	return &Socket{
		conn:   conn,
		log:    netlog.New("socket"),
		sim:    sim,
		rand:   rand.New(rand.NewSource(1)),
		closed: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// WriteTo sends b to addr. Safe for concurrent use by multiple callers
// (spec.md §5: "sockets are safe for concurrent send").
func (s *Socket) WriteTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

// Serve blocks, reading datagrams and dispatching each to handler, until
// Close is called. There is exactly one receive thread per node (spec.md
// §5); callers must not invoke Serve concurrently with itself.
func (s *Socket) Serve(handler Handler) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return ErrClosed
			default:
			}
			// Transient I/O (e.g. ICMP port-unreachable surfacing as a
			// read error) is logged and the loop continues (spec.md §7).
			s.log.Infof("transient read error: %v", err)
			continue
		}

		if s.sim.enabled() && s.shouldDrop() {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if delay := s.simulatedDelay(); delay > 0 {
			time.AfterFunc(delay, func() { handler(data, addr) })
			continue
		}
		handler(data, addr)
	}
}

func (s *Socket) shouldDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64() < s.sim.PacketLoss
}

func (s *Socket) simulatedDelay() time.Duration {
	if s.sim.MaxLatency <= 0 {
		return 0
	}
	lo, hi := s.sim.MinLatency, s.sim.MaxLatency
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rand.Int63n(int64(hi-lo)))
}

// Close unblocks Serve and releases the underlying file descriptor.
func (s *Socket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.conn.Close()
}
