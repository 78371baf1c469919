package stream

import (
	"bytes"
	"io"
	"sync"
)

// bodyBuffer hands DATA payloads from the connection goroutine to the
// handler goroutine. The peer's flow-control window bounds how much can
// sit in the buffer, so it never grows past the advertised window.
type bodyBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	done   bool
	closeE error
}

func (b *bodyBuffer) init() {
	b.cond = sync.NewCond(&b.mu)
}

func (b *bodyBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.buf.Write(p)
	b.cond.Signal()
}

// closeWith marks end of body. A nil err means clean END_STREAM and readers
// see io.EOF once drained; otherwise they see err.
func (b *bodyBuffer) closeWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.closeE = err
	b.cond.Broadcast()
}

func (b *bodyBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.done {
		b.cond.Wait()
	}
	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}
	if b.closeE != nil {
		return 0, b.closeE
	}
	return 0, io.EOF
}
