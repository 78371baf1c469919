// Package stream implements the per-exchange HTTP/2 stream state machine.
//
// A stream's state is read and written from two goroutines: the connection
// goroutine driving received frames, and the worker goroutine running the
// application handler. State therefore lives in an atomic and every
// transition is a CAS.
package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/dgarridom/velox/internal/h2/flow"
	"github.com/dgarridom/velox/internal/h2/frame"
	"golang.org/x/net/http2"
)

// State is the lifecycle position of a stream per RFC 9113 §5.1. The
// server-side engine never enters the reserved states since it refuses all
// pushes.
type State int32

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed (local)"
	case StateHalfClosedRemote:
		return "half-closed (remote)"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrReset is returned to the worker when it writes to a stream the peer
// has reset.
var ErrReset = errors.New("stream was reset")

// Writer is the connection-side frame sink a stream writes through. The
// connection serializes HPACK encoding with HEADERS emission behind it.
type Writer interface {
	WriteHeaders(streamID uint32, headers [][2]string, endStream bool) error
	WriteData(streamID uint32, endStream bool, data []byte) error
}

// Stream is one HTTP/2 exchange.
type Stream struct {
	id       uint32
	state    atomic.Int32
	flow     *flow.Pair
	connOut  *flow.Window
	writer   Writer
	maxFrame func() uint32

	headers  [][2]string
	trailers [][2]string
	priority frame.Priority
	hasPrio  bool

	body bodyBuffer

	dataSeen atomic.Bool
	created  time.Time
}

// New creates an idle stream. fl is the stream's own window pair, connOut
// the connection-level outbound window shared by all streams, and maxFrame
// yields the peer's max frame size at send time.
func New(id uint32, fl *flow.Pair, connOut *flow.Window, w Writer, maxFrame func() uint32) *Stream {
	s := &Stream{
		id:       id,
		flow:     fl,
		connOut:  connOut,
		writer:   w,
		maxFrame: maxFrame,
		created:  time.Now(),
	}
	s.body.init()
	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

// FlowControl returns the stream's window pair.
func (s *Stream) FlowControl() *flow.Pair { return s.flow }

// Headers returns the decoded request headers.
func (s *Stream) Headers() [][2]string { return s.headers }

// Trailers returns the decoded request trailers, nil when none arrived.
func (s *Stream) Trailers() [][2]string { return s.trailers }

// Body returns the request body. Reads block until DATA arrives or the
// stream half-closes.
func (s *Stream) Body() io.Reader { return &s.body }

// ReceivedData reports whether any DATA frame arrived. Streams reset before
// carrying data count toward the rapid-reset guard.
func (s *Stream) ReceivedData() bool { return s.dataSeen.Load() }

// Age returns how long ago the stream was created.
func (s *Stream) Age() time.Duration { return time.Since(s.created) }

// Removable reports whether the connection may drop the stream from its
// map while still remembering its identifier for reuse checks.
func (s *Stream) Removable() bool { return s.State() == StateClosed }

func (s *Stream) cas(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// ReceiveHeaders applies a complete decoded header block. On an idle stream
// it opens the exchange; on an open one it carries trailers and must bear
// END_STREAM.
func (s *Stream) ReceiveHeaders(headers [][2]string, endStream bool) error {
	switch s.State() {
	case StateIdle:
		if err := validateRequestHeaders(s.id, headers); err != nil {
			return err
		}
		s.headers = headers
		if endStream {
			s.state.Store(int32(StateHalfClosedRemote))
			s.body.closeWith(nil)
		} else {
			s.state.Store(int32(StateOpen))
		}
		return nil
	case StateOpen, StateHalfClosedLocal:
		if !endStream {
			return frame.ConnError(http2.ErrCodeProtocol,
				"second HEADERS on stream %d without END_STREAM", s.id)
		}
		if err := validateTrailerHeaders(s.id, headers); err != nil {
			return err
		}
		s.trailers = headers
		if !s.cas(StateOpen, StateHalfClosedRemote) {
			s.cas(StateHalfClosedLocal, StateClosed)
		}
		s.body.closeWith(nil)
		return nil
	default:
		return frame.StreamErr(s.id, http2.ErrCodeStreamClosed,
			"HEADERS on %s stream %d", s.State(), s.id)
	}
}

// ReceiveData applies an unpadded DATA payload. Flow-control accounting of
// the full framed length is the caller's responsibility.
func (s *Stream) ReceiveData(data []byte, endStream bool) error {
	switch s.State() {
	case StateIdle:
		return frame.ConnError(http2.ErrCodeProtocol, "DATA on idle stream %d", s.id)
	case StateOpen, StateHalfClosedLocal:
	default:
		return frame.StreamErr(s.id, http2.ErrCodeStreamClosed,
			"DATA on %s stream %d", s.State(), s.id)
	}

	s.dataSeen.Store(true)
	if len(data) > 0 {
		s.body.write(data)
	}
	if endStream {
		if !s.cas(StateOpen, StateHalfClosedRemote) {
			s.cas(StateHalfClosedLocal, StateClosed)
		}
		s.body.closeWith(nil)
	}
	return nil
}

// Reset applies a received RST_STREAM. Resetting an idle stream is a
// connection error; resetting an already closed one is a no-op.
func (s *Stream) Reset(code http2.ErrCode) error {
	switch s.State() {
	case StateIdle:
		return frame.ConnError(http2.ErrCodeProtocol, "RST_STREAM on idle stream %d", s.id)
	case StateClosed:
		return nil
	}
	s.state.Store(int32(StateClosed))
	s.body.closeWith(frame.StreamErr(s.id, code, "stream reset by peer"))
	return nil
}

// Close force-closes the stream locally, releasing any blocked reader or
// writer. Used when the connection terminates.
func (s *Stream) Close() {
	s.state.Store(int32(StateClosed))
	s.body.closeWith(ErrReset)
}

// WindowUpdate grants outbound credit. Overflowing the 31-bit window is a
// stream-level flow-control error.
func (s *Stream) WindowUpdate(increment uint32) error {
	if err := s.flow.Outbound.Increment(int32(increment)); err != nil {
		return frame.StreamErr(s.id, http2.ErrCodeFlowControl,
			"window increment %d overflows stream window", increment)
	}
	return nil
}

// SetPriority records priority information. It is never acted on, but a
// stream depending on itself is a protocol violation.
func (s *Stream) SetPriority(p frame.Priority) error {
	if p.DependsOn == s.id {
		return frame.ConnError(http2.ErrCodeProtocol,
			"stream %d depends on itself", s.id)
	}
	s.priority = p
	s.hasPrio = true
	return nil
}

// Priority returns the recorded priority and whether one was ever set.
func (s *Stream) Priority() (frame.Priority, bool) { return s.priority, s.hasPrio }

// SendHeaders writes the response header block. With endStream set the
// stream half-closes locally.
func (s *Stream) SendHeaders(headers [][2]string, endStream bool) error {
	if s.State() == StateClosed {
		return ErrReset
	}
	if err := s.writer.WriteHeaders(s.id, headers, endStream); err != nil {
		return err
	}
	if endStream {
		s.closeLocal()
	}
	return nil
}

// SendData writes response body bytes, blocking while the stream or
// connection outbound window is exhausted. Chunks never exceed the peer's
// max frame size.
func (s *Stream) SendData(ctx context.Context, data []byte, endStream bool) error {
	if len(data) == 0 {
		if !endStream {
			return nil
		}
		if s.State() == StateClosed {
			return ErrReset
		}
		if err := s.writer.WriteData(s.id, true, nil); err != nil {
			return err
		}
		s.closeLocal()
		return nil
	}
	for len(data) > 0 {
		n, err := s.reserve(ctx, int32(min(len(data), 1<<20)))
		if err != nil {
			return err
		}
		last := endStream && int(n) == len(data)
		if err := s.writer.WriteData(s.id, last, data[:n]); err != nil {
			return err
		}
		if last {
			s.closeLocal()
		}
		data = data[n:]
	}
	return nil
}

func (s *Stream) closeLocal() {
	if !s.cas(StateOpen, StateHalfClosedLocal) {
		s.cas(StateHalfClosedRemote, StateClosed)
	}
}

// reserve consumes up to want credits from both the stream and connection
// outbound windows, waiting for WINDOW_UPDATE when neither has credit.
func (s *Stream) reserve(ctx context.Context, want int32) (int32, error) {
	for {
		if s.State() == StateClosed {
			return 0, ErrReset
		}
		n := want
		if mf := int32(s.maxFrame()); n > mf {
			n = mf
		}
		if avail := s.flow.Outbound.Size(); avail < n {
			n = avail
		}
		if avail := s.connOut.Size(); avail < n {
			n = avail
		}
		if n > 0 {
			if err := s.flow.Outbound.Decrement(n); err != nil {
				continue
			}
			if err := s.connOut.Decrement(n); err != nil {
				// Lost the race for connection credit. Return the
				// stream credit and wait for the next update.
				_ = s.flow.Outbound.Increment(n)
				continue
			}
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.flow.Outbound.Updated():
		case <-s.connOut.Updated():
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
