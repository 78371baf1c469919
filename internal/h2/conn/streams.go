package conn

import (
	"errors"

	"github.com/dgarridom/velox/internal/h2/flow"
	"github.com/dgarridom/velox/internal/h2/frame"
	"github.com/dgarridom/velox/internal/h2/stream"
	"golang.org/x/net/http2"
)

// getOrCreateStream resolves a HEADERS target. Creation enforces the stream
// identifier rules: odd ids only, monotonically increasing, no reuse of a
// removed id, and the concurrency ceiling.
func (c *Connection) getOrCreateStream(id uint32) (*stream.Stream, error) {
	if id%2 == 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol,
			"client-initiated stream id %d is even", id)
	}
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()

	if s, ok := c.streams[id]; ok {
		return s, nil
	}
	if id == c.lastStreamID {
		return nil, frame.StreamErr(id, http2.ErrCodeStreamClosed,
			"stream id %d was already used and closed", id)
	}
	if id < c.lastStreamID {
		return nil, frame.ConnError(http2.ErrCodeProtocol,
			"stream id %d lower than last opened stream %d", id, c.lastStreamID)
	}
	c.lastStreamID = id

	if uint32(len(c.streams)) >= c.cfg.MaxConcurrentStreams {
		return nil, frame.StreamErr(id, http2.ErrCodeRefusedStream,
			"concurrent stream limit %d reached", c.cfg.MaxConcurrentStreams)
	}

	fl := flow.NewPair(
		int32(c.cfg.InitialWindowSize),
		int32(c.clientSettings.InitialWindowSize()),
		func(inc int32) {
			_ = c.writer.WriteWindowUpdate(id, uint32(inc))
			_ = c.writer.Flush()
		},
	)
	s := stream.New(id, fl, c.connFlow.Outbound, c, c.peerMaxFrame.Load)
	c.streams[id] = s
	activeStreams.Inc()
	return s, nil
}

// dataStream resolves a DATA target, which must already exist. A removed
// id is a stream error; an id the client never opened fails the connection.
func (c *Connection) dataStream(id uint32) (*stream.Stream, error) {
	if id%2 == 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol,
			"client-initiated stream id %d is even", id)
	}
	c.streamsMu.Lock()
	s, ok := c.streams[id]
	last := c.lastStreamID
	c.streamsMu.Unlock()

	if ok {
		return s, nil
	}
	if id <= last {
		return nil, frame.StreamErr(id, http2.ErrCodeStreamClosed,
			"DATA for closed stream %d", id)
	}
	return nil, frame.ConnError(http2.ErrCodeProtocol, "DATA on idle stream %d", id)
}

func (c *Connection) lookupStream(id uint32) *stream.Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

func (c *Connection) lastID() uint32 {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.lastStreamID
}

func (c *Connection) removeStream(id uint32) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if _, ok := c.streams[id]; ok {
		delete(c.streams, id)
		activeStreams.Dec()
	}
}

func (c *Connection) closeAllStreams() {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	for id, s := range c.streams {
		s.Close()
		delete(c.streams, id)
		activeStreams.Dec()
	}
}

// adjustStreamWindows applies an INITIAL_WINDOW_SIZE delta to the outbound
// windows of streams still receiving from us. Windows may go negative.
func (c *Connection) adjustStreamWindows(delta int32) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	for _, s := range c.streams {
		switch s.State() {
		case stream.StateOpen, stream.StateHalfClosedRemote:
			s.FlowControl().Outbound.Adjust(delta)
		}
	}
}

// dispatch hands a freshly opened stream to the executor. A full executor
// refuses the stream instead of blocking the read loop.
func (c *Connection) dispatch(s *stream.Stream) {
	task := func() {
		err := c.cfg.Handler.HandleStream(c.ctx, s)
		if err != nil && !errors.Is(err, stream.ErrReset) && s.State() != stream.StateClosed {
			c.log.Printf("h2: stream %d handler: %v", s.ID(), err)
			_ = c.writer.WriteRSTStream(s.ID(), http2.ErrCodeInternal)
			_ = c.writer.Flush()
			rstStreamsSent.Inc()
		}
		c.finishStream(s)
	}
	if err := c.cfg.Executor.Submit(task); err != nil {
		c.log.Printf("h2: stream %d refused, executor: %v", s.ID(), err)
		_ = c.writer.WriteRSTStream(s.ID(), http2.ErrCodeRefusedStream)
		_ = c.writer.Flush()
		rstStreamsSent.Inc()
		c.finishStream(s)
	}
}

// finishStream retires a stream once its worker is done. The identifier
// stays remembered through lastStreamID so reuse is still caught.
func (c *Connection) finishStream(s *stream.Stream) {
	s.Close()
	c.removeStream(s.ID())
}

// WriteHeaders implements stream.Writer. HPACK encoding and HEADERS
// emission happen under one lock so blocks hit the wire in encode order.
func (c *Connection) WriteHeaders(streamID uint32, headers [][2]string, endStream bool) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	block, err := c.encoder.Encode(headers)
	if err != nil {
		return err
	}
	if err := c.writer.WriteHeaders(streamID, endStream, block, c.peerMaxFrame.Load()); err != nil {
		return err
	}
	return c.writer.Flush()
}

// WriteData implements stream.Writer. Flow-control credit was already
// consumed by the stream before calling.
func (c *Connection) WriteData(streamID uint32, endStream bool, data []byte) error {
	if err := c.writer.WriteData(streamID, endStream, data); err != nil {
		return err
	}
	return c.writer.Flush()
}
