// Package buffer provides pooled copy buffers for the relay path.
package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// Pool hands out reusable byte buffers sized for segment relaying. It wraps
// valyala/bytebufferpool so buffers migrate between goroutines without
// churning the allocator under sustained streaming load.
type Pool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewPool creates a pool whose buffers hold at least bufferSize bytes.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		pool:       &bytebufferpool.Pool{},
		bufferSize: bufferSize,
	}
}

// Get returns a reset buffer with the configured capacity available.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	if cap(buf.B) < p.bufferSize {
		buf.B = make([]byte, 0, p.bufferSize)
	}
	return buf
}

// Bytes returns a full-length scratch slice backed by the buffer, for use
// with io.Reader style APIs that want a []byte to fill.
func Bytes(buf *bytebufferpool.ByteBuffer, size int) []byte {
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	}
	buf.B = buf.B[:size]
	return buf.B
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
