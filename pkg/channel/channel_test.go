package channel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelnet/kestrel/pkg/seqnum"
	"github.com/kestrelnet/kestrel/pkg/wire"
)

// loopbackOutbox feeds every written Data frame straight into a peer
// channel's HandleData, stripping the header and channel-id bytes the way
// a real connection dispatcher would. Ack frames are held until flushAcks
// is called: Reliable.Send transmits while holding its send lock, so an
// ack fed back on the same goroutine would re-enter that lock.
type loopbackOutbox struct {
	target  Channel
	dropAck bool
	delay   time.Duration
	acks    [][]byte
}

func (l *loopbackOutbox) WriteDatagram(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	kind := wire.Kind(b[0])
	body := b[2:]
	switch kind {
	case wire.KindData:
		l.target.HandleData(body)
	case wire.KindAck:
		if !l.dropAck {
			l.acks = append(l.acks, body)
		}
	}
	return nil
}

// flushAcks delivers every held Ack frame to the peer channel, in order.
func (l *loopbackOutbox) flushAcks() {
	acks := l.acks
	l.acks = nil
	for _, body := range acks {
		l.target.HandleAck(body)
	}
}

func (l *loopbackOutbox) BaseDelay() time.Duration { return l.delay }

func fastOptions() Options {
	o := DefaultOptions()
	o.MinResendDelay = time.Hour // tests drive delivery directly; no retransmit should fire
	return o
}

func TestUnreliableRoundTrip(t *testing.T) {
	var stats Stats
	var received []byte
	recv := NewUnreliable(wire.ChannelUnreliable, nil, &stats, func(p []byte) { received = append([]byte(nil), p...) })

	recv.HandleData([]byte("hello"))
	if string(received) != "hello" {
		t.Fatalf("delivered payload = %q, want %q", received, "hello")
	}
	if stats.PacketsReceived.Load() != 1 {
		t.Fatalf("PacketsReceived = %d, want 1", stats.PacketsReceived.Load())
	}
}

func TestSequencedDropsOutOfOrder(t *testing.T) {
	var stats Stats
	var delivered [][]byte
	ch := NewSequenced(wire.ChannelSequenced, nil, &stats, func(p []byte) { delivered = append(delivered, p) })

	frame := func(seq uint16, payload string) []byte {
		b := []byte(payload)
		return append(b, byte(seq), byte(seq>>8))
	}

	ch.HandleData(frame(5, "a"))
	ch.HandleData(frame(3, "b")) // circularly behind 5, must drop
	ch.HandleData(frame(9, "c"))

	if len(delivered) != 2 {
		t.Fatalf("delivered %d packets, want 2 (a, c)", len(delivered))
	}
	if stats.PacketsOutOfOrder.Load() != 1 {
		t.Fatalf("PacketsOutOfOrder = %d, want 1", stats.PacketsOutOfOrder.Load())
	}
}

func TestReliableOrderedRoundTrip(t *testing.T) {
	var statsA, statsB Stats
	var gotB [][]byte

	outboxA := &loopbackOutbox{}
	outboxB := &loopbackOutbox{}

	chA := NewReliable(10, true, outboxA, &statsA, func(p []byte) {}, fastOptions(), nil)
	chB := NewReliable(10, true, outboxB, &statsB, func(p []byte) { gotB = append(gotB, append([]byte(nil), p...)) }, fastOptions(), nil)
	outboxA.target = chB
	outboxB.target = chA

	payloads := []string{"one", "two", "three"}
	for _, p := range payloads {
		if err := chA.Send([]byte(p)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if len(gotB) != len(payloads) {
		t.Fatalf("delivered %d packets, want %d", len(gotB), len(payloads))
	}
	for i, p := range payloads {
		if string(gotB[i]) != p {
			t.Fatalf("delivered[%d] = %q, want %q (ordering violated)", i, gotB[i], p)
		}
	}

	outboxB.flushAcks()
	chA.sendMu.Lock()
	pending := len(chA.pending)
	chA.sendMu.Unlock()
	if pending != 0 {
		t.Fatalf("sender still has %d unacked pending entries after full delivery", pending)
	}
}

// TestReliableOrderedSurvivesSequenceWrap is spec.md §8 boundary case
// (i): the 65537th reliable send wraps the 16-bit sequence counter back
// to zero and must still be delivered exactly once, in order.
func TestReliableOrderedSurvivesSequenceWrap(t *testing.T) {
	var statsA, statsB Stats
	var delivered int

	outboxA := &loopbackOutbox{}
	outboxB := &loopbackOutbox{}

	chA := NewReliable(13, true, outboxA, &statsA, func([]byte) {}, fastOptions(), nil)
	chB := NewReliable(13, true, outboxB, &statsB, func(p []byte) {
		want := byte(delivered)
		if len(p) != 1 || p[0] != want {
			t.Fatalf("delivered[%d] = %v, want [%d]", delivered, p, want)
		}
		delivered++
	}, fastOptions(), nil)
	outboxA.target = chB
	outboxB.target = chA

	const n = 65537
	for i := 0; i < n; i++ {
		if err := chA.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	if delivered != n {
		t.Fatalf("delivered %d packets, want %d (sequence wrap must not drop the 65537th)", delivered, n)
	}
}

func TestReliableUnorderedDuplicateSuppressed(t *testing.T) {
	var stats Stats
	var delivered [][]byte
	ch := NewReliable(11, false, &loopbackOutbox{}, &stats, func(p []byte) { delivered = append(delivered, append([]byte(nil), p...)) }, fastOptions(), nil)

	frame := func(seq uint16, payload string) []byte {
		b := []byte(payload)
		return append(b, byte(seq), byte(seq>>8))
	}

	ch.HandleData(frame(1, "x"))
	ch.HandleData(frame(1, "x")) // duplicate of the same sequence

	if len(delivered) != 1 {
		t.Fatalf("delivered %d times, want exactly 1 (spec invariant 3)", len(delivered))
	}
	if stats.PacketsDuplicated.Load() != 1 {
		t.Fatalf("PacketsDuplicated = %d, want 1", stats.PacketsDuplicated.Load())
	}
}

// TestAckBitfieldRedundancyClearsAllPending is spec.md §8 boundary case
// (ii): dropping 31 consecutive acks but delivering the 32nd still
// clears all 32 pending entries.
func TestAckBitfieldRedundancyClearsAllPending(t *testing.T) {
	var statsA, statsB Stats

	outboxA := &loopbackOutbox{}
	outboxB := &loopbackOutbox{dropAck: true}

	chA := NewReliable(12, false, outboxA, &statsA, func([]byte) {}, fastOptions(), nil)
	chB := NewReliable(12, false, outboxB, &statsB, func([]byte) {}, fastOptions(), nil)
	outboxA.target = chB
	outboxB.target = chA

	const n = 32
	for i := 0; i < n; i++ {
		if err := chA.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	chA.sendMu.Lock()
	pendingBeforeFinalAck := len(chA.pending)
	chA.sendMu.Unlock()
	if pendingBeforeFinalAck != n {
		t.Fatalf("pending before final ack = %d, want %d (all 32 acks dropped)", pendingBeforeFinalAck, n)
	}

	// Let the 32nd ack through: its bitfield's 32 bits cover the 31
	// sequences before it, so a single delivered ack must clear them all.
	outboxB.dropAck = false
	chB.sendAck(seqnum.Sequence(n - 1))
	outboxB.flushAcks()

	chA.sendMu.Lock()
	pendingAfter := len(chA.pending)
	chA.sendMu.Unlock()
	if pendingAfter != 0 {
		t.Fatalf("pending after 32nd ack = %d, want 0", pendingAfter)
	}
}

func TestReliableFragmentReorderLastFirst(t *testing.T) {
	var statsA, statsB Stats
	var delivered [][]byte

	outboxA := &loopbackOutbox{}
	outboxB := &loopbackOutbox{}

	chA := NewReliableFragment(wire.ChannelReliableFragment, true, outboxA, &statsA, func([]byte) {}, fastOptions(), nil)
	chB := NewReliableFragment(wire.ChannelReliableFragment, true, outboxB, &statsB, func(p []byte) { delivered = append(delivered, append([]byte(nil), p...)) }, fastOptions(), nil)
	outboxA.target = chB
	outboxB.target = chA // fragment acks from chB route back to chA

	body := bodySize()
	payload := make([]byte, body*2+10) // forces exactly 3 fragments
	for i := range payload {
		payload[i] = byte(i)
	}

	// Build the three fragment frames directly so we can deliver them
	// out of order (last fragment first) straight to chB, bypassing
	// chA.Send's natural transmission order.
	frag := func(seq uint16, idx int, last bool, chunk []byte) []byte {
		fragNum := uint16(idx)
		if last {
			fragNum |= wire.LastFragmentBit
		}
		b := append([]byte(nil), chunk...)
		b = append(b, byte(seq), byte(seq>>8), byte(fragNum), byte(fragNum>>8))
		return b
	}

	c0 := payload[0:body]
	c1 := payload[body : 2*body]
	c2 := payload[2*body:]

	chB.HandleData(frag(0, 2, true, c2))
	chB.HandleData(frag(0, 0, false, c0))
	chB.HandleData(frag(0, 1, false, c1))

	if len(delivered) != 1 {
		t.Fatalf("reassembled %d times, want exactly 1", len(delivered))
	}
	if len(delivered[0]) != len(payload) {
		t.Fatalf("reassembled length = %d, want %d", len(delivered[0]), len(payload))
	}
	for i := range payload {
		if delivered[0][i] != payload[i] {
			t.Fatalf("reassembled[%d] = %d, want %d", i, delivered[0][i], payload[i])
		}
	}
}

// discardOutbox writes datagrams nowhere, so nothing is ever acked.
type discardOutbox struct{}

func (discardOutbox) WriteDatagram(b []byte) error { return nil }
func (discardOutbox) BaseDelay() time.Duration     { return 0 }

func exhaustOptions() Options {
	o := DefaultOptions()
	o.MinResendDelay = time.Millisecond
	o.BackoffFactor = 1.0
	o.MaxResendAttempts = 3
	return o
}

// TestReliableOnResendExhaustedEscalates is spec.md §4.6/§7: once a
// pending packet's resend attempts are exhausted, the channel must call
// back out so the owning connection can mark itself timed-out, not just
// log and drop the pending entry.
func TestReliableOnResendExhaustedEscalates(t *testing.T) {
	var stats Stats
	var exhausted atomic.Bool
	ch := NewReliable(1, true, discardOutbox{}, &stats, func([]byte) {}, exhaustOptions(), func() {
		exhausted.Store(true)
	})

	if err := ch.Send([]byte("never acked")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if exhausted.Load() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("onExhausted never fired after max resend attempts")
}

// TestReliableFragmentOnResendExhaustedEscalates mirrors the above for a
// single never-acked fragment (spec.md §4.5: any one lost fragment
// blocks the whole message, so exhaustion on one fragment must still
// escalate).
func TestReliableFragmentOnResendExhaustedEscalates(t *testing.T) {
	var stats Stats
	var exhausted atomic.Bool
	ch := NewReliableFragment(wire.ChannelReliableFragment, true, discardOutbox{}, &stats, func([]byte) {}, exhaustOptions(), func() {
		exhausted.Store(true)
	})

	if err := ch.Send([]byte("never acked")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if exhausted.Load() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("onExhausted never fired after max resend attempts")
}
