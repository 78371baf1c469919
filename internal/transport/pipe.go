package transport

import (
	"bytes"
	"io"
	"sync"
)

// inboundBuffer decouples the gnet event loop from the engine goroutine.
// Writes append and never block; reads block until data arrives or the
// buffer is closed. The peer's flow-control windows bound its growth for
// DATA; control frames are small.
type inboundBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newInboundBuffer() *inboundBuffer {
	b := &inboundBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write copies p into the buffer and wakes the reader.
func (b *inboundBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.buf.Write(p)
	b.cond.Signal()
}

// Read blocks until data is available. After Close it drains the remainder
// and then reports io.EOF.
func (b *inboundBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

// Close marks the socket side as finished.
func (b *inboundBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
