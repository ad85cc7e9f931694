package channel

import (
	"sync"
	"time"
)

// pendingPacket is the retransmit engine of spec.md §4.6: a single-shot
// timer armed with exponential backoff, owning exactly one in-flight
// datagram. It exists from submit-send until acknowledged or declared
// lost (attempts >= max).
type pendingPacket struct {
	mu       sync.Mutex
	buf      []byte // nil once acked or drained; presence doubles as the "still pending" flag
	attempts int
	backoff  float64
	timer    *time.Timer

	outbox Outbox
	opts   Options
	stats  *Stats
	onLost func() // invoked once, outside the lock, when attempts are exhausted
}

func newPendingPacket(buf []byte, outbox Outbox, opts Options, stats *Stats, onLost func()) *pendingPacket {
	p := &pendingPacket{
		buf:     buf,
		backoff: 1.0,
		outbox:  outbox,
		opts:    opts,
		stats:   stats,
		onLost:  onLost,
	}
	p.schedule()
	return p
}

// delay computes max(base_delay, min_resend_delay) * backoff, and
// reports whether RTT has never been measured (base_delay < 0).
func (p *pendingPacket) delay() (d time.Duration, unmeasured bool) {
	base := p.outbox.BaseDelay()
	unmeasured = base < 0

	d = p.opts.MinResendDelay
	if !unmeasured && base > d {
		d = base
	}
	return time.Duration(float64(d) * p.backoff), unmeasured
}

func (p *pendingPacket) schedule() {
	d, _ := p.delay()
	p.mu.Lock()
	p.timer = time.AfterFunc(d, p.fire)
	p.mu.Unlock()
}

func (p *pendingPacket) fire() {
	p.mu.Lock()
	if p.buf == nil {
		p.mu.Unlock()
		return
	}

	_, unmeasured := p.delay()
	if unmeasured {
		// RTT never sampled: reschedule with backoff but do not consume
		// an attempt or retransmit (spec.md §4.6).
		p.backoff *= p.opts.BackoffFactor
		p.mu.Unlock()
		p.schedule()
		return
	}

	if p.attempts >= p.opts.MaxResendAttempts {
		p.buf = nil
		onLost := p.onLost
		p.mu.Unlock()
		if onLost != nil {
			onLost()
		}
		return
	}

	buf := append([]byte(nil), p.buf...)
	p.attempts++
	p.backoff *= p.opts.BackoffFactor
	p.mu.Unlock()

	if err := p.outbox.WriteDatagram(buf); err == nil {
		p.stats.PacketsResent.Add(1)
		p.stats.BytesSent.Add(int64(len(buf)))
	}
	p.schedule()
}

// Ack transitions the pending packet to acknowledged, if it has not
// already reached a terminal state. At most one caller wins the race
// between an incoming ack and a timer firing concurrently (spec.md §3
// Pending-packet invariant); the loser observes a nil buffer and no-ops.
func (p *pendingPacket) Ack() {
	p.mu.Lock()
	if p.buf == nil {
		p.mu.Unlock()
		return
	}
	p.buf = nil
	timer := p.timer
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// Drain cancels the retransmit timer without retransmitting or calling
// onLost, used when the owning channel is closed (spec.md §4.6: "On
// channel close, drain pending without retransmitting").
func (p *pendingPacket) Drain() {
	p.mu.Lock()
	p.buf = nil
	timer := p.timer
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}
