package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ResetOnPut(t *testing.T) {
	p := NewPool(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) bool { b.Reset(); return true },
	)

	b := p.Get()
	b.WriteString("token")
	p.Put(b)

	// sync.Pool 不保证复用，只断言取出的缓冲区是空的
	assert.Zero(t, p.Get().Len())
	assert.Equal(t, int64(2), p.Stats().Gets)
}

func TestBuffers_DropsOversized(t *testing.T) {
	b := Buffers.Get()
	b.Grow(maxPooledBuffer * 2)
	b.WriteString("x")
	Buffers.Put(b)

	// 被丢弃的缓冲区保持原状
	assert.Equal(t, 1, b.Len())
}

func TestPoolStats_HitRate(t *testing.T) {
	assert.Zero(t, PoolStats{}.HitRate())
	assert.InDelta(t, 0.75, PoolStats{Gets: 4, News: 1}.HitRate(), 1e-9)
}
