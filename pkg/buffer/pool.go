// Package buffer implements the fixed-capacity reusable byte buffer pool
// described in spec.md §3 and §4.1: a packet acquires a Buffer from a
// Pool and releases it back when done.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// MaxPacketSize is the conservative MTU this transport targets (spec.md §6).
const MaxPacketSize = 1024

// Buffer is a length-tagged byte array drawn from a Pool. A Buffer is
// either owned by exactly one packet or sitting in the pool's free list;
// double-release is a bug and is detected rather than silently ignored.
type Buffer struct {
	Data []byte // capacity MaxPacketSize
	Len  int    // bytes in use

	id       xid.ID
	released int32 // 0 = held, 1 = released; CAS-guarded
}

// ID returns the buffer's allocation-ledger identifier, used in log
// fields and leak diagnostics. Substitutes for finalizer-based leak
// detection (spec.md §9 design note): rather than relying on the garbage
// collector to notice an unreturned buffer, the pool tracks outstanding
// ids and can report them at disposal.
func (b *Buffer) ID() xid.ID { return b.id }

// Bytes returns the used portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.Data[:b.Len] }

// Reset clears the buffer for reuse without reallocating its backing array.
func (b *Buffer) Reset() { b.Len = 0 }

// Pool is a thread-safe free list of Buffers, per spec.md §5's
// "buffer-pool: thread-safe free list" shared-resource policy.
type Pool struct {
	mu   sync.Mutex
	free []*Buffer

	size int // creation size, for the quiescence balance invariant (spec.md §8 invariant 5)

	// outstanding tracks ids currently held by a caller, so that a
	// double-release or a release of a foreign buffer can be detected and
	// logged instead of corrupting the free list. Use of a buffer after
	// its release is not detected.
	outstanding map[xid.ID]*Buffer

	log *logrus.Entry
}

// NewPool creates a pool pre-populated with size reusable buffers.
func NewPool(size int) *Pool {
	p := &Pool{
		size:        size,
		free:        make([]*Buffer, 0, size),
		outstanding: make(map[xid.ID]*Buffer, size),
		log:         logrus.WithField("component", "buffer.Pool"),
	}
	for i := 0; i < size; i++ {
		p.free = append(p.free, p.newBuffer())
	}
	return p
}

func (p *Pool) newBuffer() *Buffer {
	return &Buffer{
		Data: make([]byte, MaxPacketSize),
		id:   xid.New(),
	}
}

// Acquire removes a buffer from the free list, growing the pool if it is
// momentarily exhausted (bursts beyond the configured size are expected
// under loss/retransmit pressure; the pool is sized for the common case,
// not a hard cap).
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		b = p.newBuffer()
	}
	b.Len = 0
	atomic.StoreInt32(&b.released, 0)
	p.outstanding[b.id] = b
	return b
}

// Release returns a buffer to the free list. Releasing a buffer twice, or
// releasing one this pool never handed out, is a buffer-pool-misuse error
// (spec.md §7): it is logged at warning and the call is a no-op, rather
// than corrupting the free list or double-counting it.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		p.log.WithField("buffer", b.id.String()).Warn("buffer released more than once")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.outstanding[b.id]; !ok {
		p.log.WithField("buffer", b.id.String()).Warn("release of buffer not owned by this pool")
		return
	}
	delete(p.outstanding, b.id)
	b.Len = 0
	p.free = append(p.free, b)
}

// FreeCount reports the current free-list size, used by spec.md §8
// invariant 5 (buffer-pool balance at quiescence).
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the pool's creation size.
func (p *Pool) Size() int { return p.size }

// Outstanding returns the ids of buffers currently checked out, for leak
// diagnostics at pool disposal (spec.md §9 design note).
func (p *Pool) Outstanding() []xid.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]xid.ID, 0, len(p.outstanding))
	for id := range p.outstanding {
		ids = append(ids, id)
	}
	return ids
}

// CheckLeaks logs a warning for every buffer still outstanding. Intended
// to be called when a Pool is being disposed of (e.g. connection/node
// shutdown) so leaked acquisitions are surfaced instead of silently
// growing the pool forever.
func (p *Pool) CheckLeaks() {
	for _, id := range p.Outstanding() {
		p.log.WithField("buffer", id.String()).Warn("buffer leaked: never released")
	}
}
