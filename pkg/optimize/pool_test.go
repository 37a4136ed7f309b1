package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool_GetReturnsEmptyBuffer(t *testing.T) {
	p := NewBytePool(1024)

	b := p.Get()
	assert.Len(t, b, 0)
	assert.GreaterOrEqual(t, cap(b), 1024)
}

func TestBytePool_ReusesBuffers(t *testing.T) {
	p := NewBytePool(64)

	b := p.Get()
	b = append(b, make([]byte, 64)...)
	p.Put(b)

	// A fresh Get must come back empty even after a dirty Put.
	again := p.Get()
	assert.Len(t, again, 0)
}

func TestBytePool_DropsOversizedBuffers(t *testing.T) {
	p := NewBytePool(64)
	huge := make([]byte, 0, 64*10)
	p.Put(huge) // silently dropped, must not panic
}
