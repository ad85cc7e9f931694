package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireReleaseBalance(t *testing.T) {
	p := NewPool(4)
	require.Equal(t, 4, p.FreeCount())

	a := p.Acquire()
	b := p.Acquire()
	require.Equal(t, 2, p.FreeCount())

	p.Release(a)
	p.Release(b)
	assert.Equal(t, 4, p.FreeCount())
	assert.Empty(t, p.Outstanding())
}

func TestPoolGrowsBeyondInitialSize(t *testing.T) {
	p := NewPool(1)
	a := p.Acquire()
	b := p.Acquire() // pool must allocate past its pre-populated free list

	assert.NotEqual(t, a.ID(), b.ID())
	p.Release(a)
	p.Release(b)
}

func TestPoolDoubleReleaseIsNoop(t *testing.T) {
	p := NewPool(2)
	buf := p.Acquire()

	p.Release(buf)
	require.Equal(t, 2, p.FreeCount())

	p.Release(buf) // must not double-append buf to the free list
	assert.Equal(t, 2, p.FreeCount())
}

func TestBufferResetClearsLength(t *testing.T) {
	p := NewPool(1)
	buf := p.Acquire()
	buf.Data[0] = 0xFF
	buf.Len = 1

	buf.Reset()
	assert.Equal(t, 0, buf.Len)
}
