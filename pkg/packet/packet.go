// Package packet implements the cursor-based read/write views over a
// pooled buffer described in spec.md §3: Packet is a writable view with
// an initial header byte; ReadOnlyPacket is an immutable view with an
// independent read cursor over the same bytes. All multi-byte integers
// are little-endian (spec.md §6).
package packet

import (
	"encoding/binary"
	"errors"

	"github.com/kestrelnet/kestrel/pkg/buffer"
)

// ErrShortBuffer is returned when a read or write would run past the end
// of the underlying buffer.
var ErrShortBuffer = errors.New("packet: short buffer")

// Packet is a writable cursor over a buffer acquired from a pool. It is
// created with an initial header byte and written to by the producer.
// Sending copies its bytes into the channel's own frames; the buffer
// stays with the Packet until Release.
type Packet struct {
	pool *buffer.Pool
	buf  *buffer.Buffer
}

// New acquires a buffer from pool and writes header as the first byte.
func New(pool *buffer.Pool, header byte) *Packet {
	b := pool.Acquire()
	b.Data[0] = header
	b.Len = 1
	return &Packet{pool: pool, buf: b}
}

// FromBuffer wraps an already-populated buffer (used on the receive path,
// where a fresh buffer is acquired and the datagram copied into it before
// being handed up to the application).
func FromBuffer(pool *buffer.Pool, b *buffer.Buffer) *Packet {
	return &Packet{pool: pool, buf: b}
}

// Header returns the packet's first byte.
func (p *Packet) Header() byte {
	if p.buf.Len == 0 {
		return 0
	}
	return p.buf.Data[0]
}

// Len returns the number of bytes written so far.
func (p *Packet) Len() int { return p.buf.Len }

// Buffer exposes the underlying pooled buffer, e.g. for handing to a
// channel's Send path.
func (p *Packet) Buffer() *buffer.Buffer { return p.buf }

func (p *Packet) ensure(n int) error {
	if p.buf.Len+n > len(p.buf.Data) {
		return ErrShortBuffer
	}
	return nil
}

// WriteByte appends a single byte.
func (p *Packet) WriteByte(b byte) error {
	if err := p.ensure(1); err != nil {
		return err
	}
	p.buf.Data[p.buf.Len] = b
	p.buf.Len++
	return nil
}

// WriteUint16 appends a little-endian uint16.
func (p *Packet) WriteUint16(v uint16) error {
	if err := p.ensure(2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(p.buf.Data[p.buf.Len:], v)
	p.buf.Len += 2
	return nil
}

// WriteUint32 appends a little-endian uint32.
func (p *Packet) WriteUint32(v uint32) error {
	if err := p.ensure(4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(p.buf.Data[p.buf.Len:], v)
	p.buf.Len += 4
	return nil
}

// WriteUint64 appends a little-endian uint64.
func (p *Packet) WriteUint64(v uint64) error {
	if err := p.ensure(8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(p.buf.Data[p.buf.Len:], v)
	p.buf.Len += 8
	return nil
}

// WriteBytes appends a raw byte slice with no length prefix.
func (p *Packet) WriteBytes(b []byte) error {
	if err := p.ensure(len(b)); err != nil {
		return err
	}
	copy(p.buf.Data[p.buf.Len:], b)
	p.buf.Len += len(b)
	return nil
}

// Bytes returns the bytes written so far.
func (p *Packet) Bytes() []byte { return p.buf.Bytes() }

// Release returns the underlying buffer to its pool. Client.Send and the
// Server send methods call it once the send call returns, on every
// channel kind: reliable retransmits use the channel's own copy.
func (p *Packet) Release() {
	if p.pool != nil && p.buf != nil {
		p.pool.Release(p.buf)
	}
}

// ReadOnlyPacket is an immutable view over a byte slice with its own read
// cursor, independent of any writer's cursor over the same buffer.
type ReadOnlyPacket struct {
	data   []byte
	cursor int
}

// NewReadOnly wraps data for reading from the start.
func NewReadOnly(data []byte) *ReadOnlyPacket {
	return &ReadOnlyPacket{data: data}
}

// Header returns the first byte without advancing the cursor.
func (r *ReadOnlyPacket) Header() byte {
	if len(r.data) == 0 {
		return 0
	}
	return r.data[0]
}

// Remaining reports how many unread bytes are left.
func (r *ReadOnlyPacket) Remaining() int { return len(r.data) - r.cursor }

// Len returns the total length of the underlying data.
func (r *ReadOnlyPacket) Len() int { return len(r.data) }

// Bytes returns the full underlying slice, unaffected by the read cursor.
func (r *ReadOnlyPacket) Bytes() []byte { return r.data }

// ReadByte consumes and returns one byte.
func (r *ReadOnlyPacket) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := r.data[r.cursor]
	r.cursor++
	return b, nil
}

// ReadUint16 consumes a little-endian uint16.
func (r *ReadOnlyPacket) ReadUint16() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint16(r.data[r.cursor:])
	r.cursor += 2
	return v, nil
}

// ReadUint32 consumes a little-endian uint32.
func (r *ReadOnlyPacket) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(r.data[r.cursor:])
	r.cursor += 4
	return v, nil
}

// ReadUint64 consumes a little-endian uint64.
func (r *ReadOnlyPacket) ReadUint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(r.data[r.cursor:])
	r.cursor += 8
	return v, nil
}

// ReadBytes consumes and returns the next n bytes.
func (r *ReadOnlyPacket) ReadBytes(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.data[r.cursor : r.cursor+n]
	r.cursor += n
	return b, nil
}

// PeekTail returns the last n bytes of the underlying data without
// disturbing the read cursor, used by reliable channels to read the
// sequence number that trails the payload (spec.md §4.4/§4.5 framing).
func (r *ReadOnlyPacket) PeekTail(n int) ([]byte, error) {
	if len(r.data) < n {
		return nil, ErrShortBuffer
	}
	return r.data[len(r.data)-n:], nil
}

// Truncated returns a ReadOnlyPacket over data with the trailing n bytes
// removed, used to strip a trailing sequence/fragment footer before
// handing the remaining payload to the application.
func (r *ReadOnlyPacket) Truncated(n int) (*ReadOnlyPacket, error) {
	if len(r.data) < n {
		return nil, ErrShortBuffer
	}
	return NewReadOnly(r.data[:len(r.data)-n]), nil
}
