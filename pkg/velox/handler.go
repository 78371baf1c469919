package velox

import (
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/dgarridom/velox/internal/date"
	"github.com/dgarridom/velox/internal/h2/stream"
)

// Request is one decoded HTTP/2 request.
type Request struct {
	Method    string
	Scheme    string
	Path      string
	Authority string
	Headers   [][2]string // regular fields, pseudo-headers stripped
	Body      io.Reader
	StreamID  uint32
}

// ResponseWriter sends the response for one request. Headers go out on the
// first Write when WriteHeaders was never called.
type ResponseWriter interface {
	// WriteHeaders sends the response header block. It may be called at
	// most once, before any Write.
	WriteHeaders(status int, headers [][2]string) error
	io.Writer
	// Close ends the response with END_STREAM.
	Close() error
}

// Handler serves decoded requests.
type Handler interface {
	Serve(ctx context.Context, req *Request, w ResponseWriter) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request, w ResponseWriter) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, req *Request, w ResponseWriter) error {
	return f(ctx, req, w)
}

// streamHandlerAdapter bridges the public Handler onto the engine's
// per-stream callback.
type streamHandlerAdapter struct {
	handler Handler
}

func (a streamHandlerAdapter) HandleStream(ctx context.Context, s *stream.Stream) error {
	req := requestFromStream(s)
	rw := &responseWriter{ctx: ctx, stream: s}
	if err := a.handler.Serve(ctx, req, rw); err != nil {
		return err
	}
	return rw.Close()
}

func requestFromStream(s *stream.Stream) *Request {
	req := &Request{
		Body:     s.Body(),
		StreamID: s.ID(),
	}
	for _, h := range s.Headers() {
		switch h[0] {
		case ":method":
			req.Method = h[1]
		case ":scheme":
			req.Scheme = h[1]
		case ":path":
			req.Path = h[1]
		case ":authority":
			req.Authority = h[1]
		default:
			req.Headers = append(req.Headers, h)
		}
	}
	return req
}

type responseWriter struct {
	ctx    context.Context
	stream *stream.Stream

	mu          sync.Mutex
	wroteHeader bool
	closed      bool
}

func (w *responseWriter) WriteHeaders(status int, headers [][2]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sendHeaders(status, headers)
}

func (w *responseWriter) sendHeaders(status int, headers [][2]string) error {
	if w.wroteHeader {
		return errHeadersSent
	}
	w.wroteHeader = true
	block := make([][2]string, 0, len(headers)+2)
	block = append(block, [2]string{":status", strconv.Itoa(status)})
	block = append(block, [2]string{"date", date.Current()})
	block = append(block, headers...)
	return w.stream.SendHeaders(block, false)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if !w.wroteHeader {
		if err := w.sendHeaders(200, nil); err != nil {
			return 0, err
		}
	}
	if err := w.stream.SendData(w.ctx, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *responseWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if !w.wroteHeader {
		if err := w.sendHeaders(200, nil); err != nil {
			return err
		}
	}
	w.closed = true
	return w.stream.SendData(w.ctx, nil, true)
}
