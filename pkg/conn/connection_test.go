package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kestrelnet/kestrel/pkg/channel"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

type captureTransport struct {
	mu    sync.Mutex
	sent  [][]byte
}

func (t *captureTransport) WriteTo(b []byte, addr *net.UDPAddr) error {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), b...))
	t.mu.Unlock()
	return nil
}

func (t *captureTransport) last() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
}

func TestNewInstallsDefaultChannelsInConnectingState(t *testing.T) {
	c := New(testAddr(), &captureTransport{}, DefaultOptions(), channel.DefaultOptions(), nil)
	if c.State() != StateConnecting {
		t.Fatalf("State() = %v, want Connecting", c.State())
	}
	if c.channelAt(0) != nil {
		t.Fatalf("user channel 0 should not be pre-installed")
	}
}

func TestPingPongSamplesRTT(t *testing.T) {
	c := New(testAddr(), &captureTransport{}, DefaultOptions(), channel.DefaultOptions(), nil)

	if c.SmoothRTT() != -1 {
		t.Fatalf("SmoothRTT before any pong = %v, want -1 (unmeasured)", c.SmoothRTT())
	}

	c.sendPing()
	c.pingMu.Lock()
	id := c.nextPingID - 1
	c.pingMu.Unlock()

	time.Sleep(5 * time.Millisecond)
	c.HandlePong([]byte{id})

	if c.SmoothRTT() < 0 {
		t.Fatalf("SmoothRTT after pong = %v, want a measured non-negative sample", c.SmoothRTT())
	}
}

func TestHandlePongUnknownIDIsNoop(t *testing.T) {
	c := New(testAddr(), &captureTransport{}, DefaultOptions(), channel.DefaultOptions(), nil)
	c.HandlePong([]byte{77}) // never sent, must not panic or sample
	if c.SmoothRTT() != -1 {
		t.Fatalf("SmoothRTT = %v, want still unmeasured", c.SmoothRTT())
	}
}

func TestHandlePingRepliesWithPong(t *testing.T) {
	transport := &captureTransport{}
	c := New(testAddr(), transport, DefaultOptions(), channel.DefaultOptions(), nil)

	c.HandlePing([]byte{42})

	reply := transport.last()
	if len(reply) != 2 || reply[1] != 42 {
		t.Fatalf("pong reply = %v, want [KindPong, 42]", reply)
	}
}

func TestTimeoutTriggersDisconnectOnce(t *testing.T) {
	opts := DefaultOptions()
	opts.TimeoutDuration = 1 * time.Millisecond

	var causes []DisconnectCause
	var mu sync.Mutex
	c := New(testAddr(), &captureTransport{}, opts, channel.DefaultOptions(), func(conn *Connection, cause DisconnectCause) {
		mu.Lock()
		causes = append(causes, cause)
		mu.Unlock()
	})

	time.Sleep(5 * time.Millisecond)
	if !c.timedOut() {
		t.Fatal("timedOut() should be true after TimeoutDuration has elapsed with no activity")
	}

	c.Disconnect(CauseTimeout)
	c.Disconnect(CauseServerLogic) // must be a no-op, disconnectOnce already fired

	mu.Lock()
	defer mu.Unlock()
	if len(causes) != 1 || causes[0] != CauseTimeout {
		t.Fatalf("onDisconnect calls = %v, want exactly [Timeout]", causes)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("State() = %v, want Disconnected", c.State())
	}
}

func TestSetChannelOverridesDefault(t *testing.T) {
	c := New(testAddr(), &captureTransport{}, DefaultOptions(), channel.DefaultOptions(), nil)

	var stats channel.Stats
	custom := channel.NewUnreliable(0, c, &stats, func([]byte) {})
	c.SetChannel(0, custom)

	if c.channelAt(0) != channel.Channel(custom) {
		t.Fatal("SetChannel did not install the replacement instance")
	}
}

func TestSendUnknownChannelErrors(t *testing.T) {
	c := New(testAddr(), &captureTransport{}, DefaultOptions(), channel.DefaultOptions(), nil)
	if err := c.Send(1, []byte("x")); err != ErrUnknownChannel {
		t.Fatalf("Send on unconfigured channel = %v, want ErrUnknownChannel", err)
	}
}

// TestReliableExhaustionDisconnectsWithTimeout is spec.md §4.6/§7: a
// reliable send that never gets acked must, once its resend attempts
// are exhausted, tear the connection down with CauseTimeout. This must
// hold even though the keep-alive path (TimeoutDuration) is nowhere
// near firing, since exhaustion escalates independently of ping/pong
// activity.
func TestReliableExhaustionDisconnectsWithTimeout(t *testing.T) {
	connOpts := DefaultOptions()
	connOpts.TimeoutDuration = time.Hour // keep-alive path must not be what fires here

	chanOpts := channel.DefaultOptions()
	chanOpts.MinResendDelay = time.Millisecond
	chanOpts.BackoffFactor = 1.0
	chanOpts.MaxResendAttempts = 3

	var cause DisconnectCause
	var gotCause bool
	var mu sync.Mutex
	c := New(testAddr(), &captureTransport{}, connOpts, chanOpts, func(conn *Connection, dc DisconnectCause) {
		mu.Lock()
		cause = dc
		gotCause = true
		mu.Unlock()
	})
	// Seed one RTT sample: while RTT is unmeasured a resend timer defers
	// without consuming an attempt, so exhaustion could never be reached.
	c.rtt.Sample(time.Millisecond)

	if err := c.Send(wire.ChannelReliableUnordered, []byte("never acked")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotCause
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotCause {
		t.Fatal("onDisconnect never fired after resend attempts were exhausted")
	}
	if cause != CauseTimeout {
		t.Fatalf("DisconnectCause = %v, want CauseTimeout", cause)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("State() = %v, want Disconnected", c.State())
	}
}

func TestDeliverLocallyBeforeHandlerSetIsNoop(t *testing.T) {
	c := New(testAddr(), &captureTransport{}, DefaultOptions(), channel.DefaultOptions(), nil)
	c.deliverLocally(0, []byte("x")) // no handler installed yet, must not panic

	var got []byte
	c.SetDeliverHandler(func(conn *Connection, channelID byte, payload []byte) {
		got = payload
	})
	c.deliverLocally(5, []byte("y"))
	if string(got) != "y" {
		t.Fatalf("delivered = %q, want %q", got, "y")
	}
}
