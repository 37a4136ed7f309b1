package optimize

import (
	"sync"
)

// BytePool recycles chunk-sized byte buffers so the recording streamer
// does not allocate a fresh buffer per timeslice.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with the given buffer size
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, 0, size)
			},
		},
	}
}

// Get gets an empty byte slice from the pool
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)[:0]
}

// Put returns a byte slice to the pool
func (p *BytePool) Put(b []byte) {
	// Don't hold on to buffers that grew far past the target size
	if cap(b) >= p.size && cap(b) <= p.size*4 {
		p.pool.Put(b[:0])
	}
}
