package buffer

import (
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
)

// ErrTooLarge is returned by ReadCapped when the body exceeds its limit.
var ErrTooLarge = errors.New("body exceeds size limit")

// BufferPool hands out fixed-size copy buffers backed by valyala/bytebufferpool.
// Streaming handlers take one per response and return it when the copy ends.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers are bufferSize bytes long.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a buffer whose B has length bufferSize, ready to be read into.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	// Only grow if necessary, don't replace
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	} else {
		buf.B = buf.B[:bp.bufferSize]
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Size is the length of every buffer handed out.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// ReadCapped reads r fully into a pooled buffer and returns it as a string.
// Reading more than limit bytes fails with ErrTooLarge.
func ReadCapped(r io.Reader, limit int64) (string, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if n > limit {
		return "", ErrTooLarge
	}
	return buf.String(), nil
}
