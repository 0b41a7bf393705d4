package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSizesToTier(t *testing.T) {
	t.Run("small tier", func(t *testing.T) {
		buf := Get(100)
		defer Put(buf)
		assert.Len(t, buf, 100)
		assert.Equal(t, DefaultSmallSize, cap(buf))
	})

	t.Run("medium tier", func(t *testing.T) {
		buf := Get(10 * 1024)
		defer Put(buf)
		assert.Equal(t, DefaultMediumSize, cap(buf))
	})

	t.Run("large tier fits a full TFTP DATA packet", func(t *testing.T) {
		buf := Get(65468)
		defer Put(buf)
		assert.LessOrEqual(t, len(buf), cap(buf))
		assert.Equal(t, DefaultLargeSize, cap(buf))
	})

	t.Run("oversized falls back to direct allocation", func(t *testing.T) {
		buf := Get(2 << 20)
		defer Put(buf)
		assert.Equal(t, len(buf), cap(buf))
	})
}

func TestPutIgnoresNilAndUnrecognizedCapacity(t *testing.T) {
	assert.NotPanics(t, func() { Put(nil) })
	assert.NotPanics(t, func() { Put(make([]byte, 7)) })
}

func TestPoolReusesBuffers(t *testing.T) {
	p := NewPool(nil)
	buf := p.Get(DefaultSmallSize)
	addr := &buf[0]
	p.Put(buf)

	buf2 := p.Get(DefaultSmallSize)
	assert.Same(t, addr, &buf2[0])
}
