package recording

import (
	"bytes"
	"sync"
)

// chunkBuffer collects muxer output between flushes. The muxer writes from
// its own goroutine and closes the buffer when the container is finalized.
type chunkBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	once   sync.Once
	closed chan struct{}
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{closed: make(chan struct{})}
}

func (b *chunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *chunkBuffer) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// Flush returns and clears everything written since the last flush.
func (b *chunkBuffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	b.buf.Reset()
	return out
}

func (b *chunkBuffer) Closed() <-chan struct{} {
	return b.closed
}
