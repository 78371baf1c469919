// Package conn drives one server-side HTTP/2 connection.
//
// A Connection owns the read side of the socket: it validates the client
// preface, exchanges SETTINGS, then loops reading frames and advancing an
// explicit state machine. Each protocol state is a function returning the
// next state, so every transition is visible in one place instead of being
// buried in a switch over an enum field. Application handlers run on an
// executor; only frame writing and flow-control windows are shared with
// them.
package conn

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgarridom/velox/internal/h2/flow"
	"github.com/dgarridom/velox/internal/h2/frame"
	"github.com/dgarridom/velox/internal/h2/settings"
	"github.com/dgarridom/velox/internal/h2/stream"
	"golang.org/x/net/http2"
)

// Handler runs the application logic for one stream. It is invoked on an
// executor goroutine once the request header block is complete.
type Handler interface {
	HandleStream(ctx context.Context, s *stream.Stream) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, s *stream.Stream) error

// HandleStream calls f.
func (f HandlerFunc) HandleStream(ctx context.Context, s *stream.Stream) error {
	return f(ctx, s)
}

// Executor runs stream handler tasks off the connection goroutine.
type Executor interface {
	Submit(task func()) error
}

// Config carries the per-connection engine knobs. The zero value is not
// usable; velox.Config.Validate produces a normalized instance.
type Config struct {
	Logger   *log.Logger
	Handler  Handler
	Executor Executor

	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
	InitialWindowSize    uint32
	MaxHeaderListSize    uint32
	HeaderTableSize      uint32

	// SendErrorDetails gates whether GOAWAY frames carry the error reason
	// as debug data. Off by default: details can leak internals.
	SendErrorDetails bool

	MaxRapidResets        int
	RapidResetCheckPeriod time.Duration
	MaxEmptyFrames        int
}

// stateFn is one protocol state. It returns the next state; nil means the
// connection is finished.
type stateFn func() (stateFn, error)

// Connection is the engine for a single HTTP/2 connection. Frame reading
// and dispatch happen on the goroutine calling Handle; stream workers only
// touch the frame writer and the flow-control windows.
type Connection struct {
	cfg Config
	log *log.Logger

	reader *frame.Reader
	writer *frame.Writer

	decoder *frame.HeaderDecoder
	encMu   sync.Mutex
	encoder *frame.HeaderEncoder

	serverSettings *settings.Settings
	clientSettings *settings.Settings

	// peerMaxFrame mirrors the peer's MAX_FRAME_SIZE setting. Stream
	// workers read it while chunking writes, so it lives outside the
	// clientSettings map the connection goroutine owns.
	peerMaxFrame atomic.Uint32

	connFlow *flow.Pair

	streamsMu    sync.Mutex
	streams      map[uint32]*stream.Stream
	lastStreamID uint32

	continuation *stream.HeaderAccumulator
	cur          frame.Frame

	upgradeHeaders [][2]string
	upgradeDone    bool

	emptyFrames      int
	rapidResets      int
	rapidResetWindow time.Time

	sentGoAway atomic.Bool
	lastTouch  atomic.Int64

	ctx context.Context
}

// New creates a connection engine over rw.
func New(rw io.ReadWriter, cfg Config) *Connection {
	c := &Connection{
		cfg:            cfg,
		log:            cfg.Logger,
		reader:         frame.NewReader(rw),
		writer:         frame.NewWriter(rw),
		decoder:        frame.NewHeaderDecoder(cfg.HeaderTableSize),
		encoder:        frame.NewHeaderEncoder(),
		serverSettings: settings.New(),
		clientSettings: settings.New(),
		streams:        make(map[uint32]*stream.Stream),
	}
	if c.log == nil {
		c.log = log.New(io.Discard, "", 0)
	}
	c.peerMaxFrame.Store(frame.DefaultMaxFrameSize)

	// Announced parameters. Out-of-range config is normalized upstream,
	// so Set cannot fail here.
	_ = c.serverSettings.Set(http2.SettingHeaderTableSize, cfg.HeaderTableSize)
	_ = c.serverSettings.Set(http2.SettingEnablePush, 0)
	_ = c.serverSettings.Set(http2.SettingMaxConcurrentStreams, cfg.MaxConcurrentStreams)
	_ = c.serverSettings.Set(http2.SettingInitialWindowSize, cfg.InitialWindowSize)
	_ = c.serverSettings.Set(http2.SettingMaxFrameSize, cfg.MaxFrameSize)
	if cfg.MaxHeaderListSize > 0 {
		_ = c.serverSettings.Set(http2.SettingMaxHeaderListSize, cfg.MaxHeaderListSize)
	}

	// The connection-level inbound window starts at the protocol default
	// and is topped up right after the server SETTINGS frame.
	connInbound := int32(flow.DefaultWindowSize)
	if int32(cfg.InitialWindowSize) > connInbound {
		connInbound = int32(cfg.InitialWindowSize)
	}
	c.connFlow = flow.NewPair(connInbound, flow.DefaultWindowSize, func(inc int32) {
		_ = c.writer.WriteWindowUpdate(0, uint32(inc))
		_ = c.writer.Flush()
	})
	c.touch()
	return c
}

// SetUpgradeRequest hands over a request parsed from an HTTP/1.1 upgrade.
// The headers become stream 1, half-closed remote, dispatched right after
// the initial SETTINGS exchange completes.
func (c *Connection) SetUpgradeRequest(headers [][2]string) {
	c.upgradeHeaders = headers
}

// CanInterrupt reports whether the connection tracks no streams and can be
// shut down without cutting off an exchange.
func (c *Connection) CanInterrupt() bool {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return len(c.streams) == 0
}

// IdleTime returns how long ago the last frame arrived.
func (c *Connection) IdleTime() time.Duration {
	return time.Since(time.Unix(0, c.lastTouch.Load()))
}

// Shutdown sends a graceful GOAWAY. The read loop keeps draining frames
// for in-flight streams until the peer closes.
func (c *Connection) Shutdown() {
	c.goAway(http2.ErrCodeNo, "")
}

func (c *Connection) touch() {
	c.lastTouch.Store(time.Now().UnixNano())
}

// Handle runs the connection to completion. It returns nil on orderly
// shutdown (GOAWAY received or peer hangup) and the terminal error
// otherwise, after the corresponding GOAWAY has been written.
func (c *Connection) Handle(ctx context.Context) error {
	c.ctx = ctx
	activeConnections.Inc()
	defer activeConnections.Dec()
	defer c.closeAllStreams()

	state := c.stateWriteServerSettings
	for state != nil {
		next, err := state()
		if err != nil {
			next, err = c.routeError(err)
			if err != nil {
				return err
			}
		}
		state = next
	}
	return nil
}

// routeError classifies a failure from a state function. Stream errors
// reset one stream and resume the read loop; connection errors and
// unclassified failures produce a GOAWAY and terminate.
func (c *Connection) routeError(err error) (stateFn, error) {
	if se, ok := frame.AsStreamError(err); ok {
		c.log.Printf("h2: stream %d error: %v", se.StreamID, se)
		if s := c.lookupStream(se.StreamID); s != nil {
			s.Close()
			c.removeStream(se.StreamID)
		}
		_ = c.writer.WriteRSTStream(se.StreamID, se.Code)
		_ = c.writer.Flush()
		rstStreamsSent.Inc()
		return c.stateReadFrame, nil
	}
	if ce, ok := frame.AsConnError(err); ok {
		c.log.Printf("h2: connection error: %v", ce)
		c.goAway(ce.Code, ce.Reason)
		return nil, err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return nil, nil
	}
	if errors.Is(err, frame.ErrInvalidPreface) {
		// Not an HTTP/2 peer; no GOAWAY owed, just hand the socket back.
		return nil, err
	}
	c.goAway(http2.ErrCodeInternal, "internal error")
	return nil, err
}

func (c *Connection) goAway(code http2.ErrCode, reason string) {
	if !c.sentGoAway.CompareAndSwap(false, true) {
		return
	}
	var debug []byte
	if c.cfg.SendErrorDetails && reason != "" {
		debug = []byte(reason)
	}
	if err := c.writer.WriteGoAway(c.lastID(), code, debug); err == nil {
		_ = c.writer.Flush()
	}
	goAwaysSent.WithLabelValues(code.String()).Inc()
}

func (c *Connection) stateWriteServerSettings() (stateFn, error) {
	if err := c.writer.WriteSettings(c.serverSettings.Entries()...); err != nil {
		return nil, err
	}
	// Stream windows follow INITIAL_WINDOW_SIZE, the connection window
	// only grows through an explicit WINDOW_UPDATE.
	if delta := int64(c.cfg.InitialWindowSize) - int64(flow.DefaultWindowSize); delta > 0 {
		if err := c.writer.WriteWindowUpdate(0, uint32(delta)); err != nil {
			return nil, err
		}
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	return c.stateReadPreface, nil
}

func (c *Connection) stateReadPreface() (stateFn, error) {
	if err := c.reader.ReadPreface(); err != nil {
		return nil, err
	}
	return c.stateReadFrame, nil
}

func (c *Connection) stateReadFrame() (stateFn, error) {
	h, err := c.reader.ReadHeader()
	if err != nil {
		return nil, err
	}
	c.touch()
	framesReceived.WithLabelValues(h.Type.String()).Inc()

	if h.Length > c.serverSettings.MaxFrameSize() {
		return nil, frame.ConnError(http2.ErrCodeFrameSize,
			"frame length %d exceeds max frame size %d", h.Length, c.serverSettings.MaxFrameSize())
	}
	if c.continuation != nil && (h.Type != http2.FrameContinuation || h.StreamID != c.continuation.StreamID()) {
		return nil, frame.ConnError(http2.ErrCodeProtocol,
			"expected CONTINUATION for stream %d, got %v for stream %d",
			c.continuation.StreamID(), h.Type, h.StreamID)
	}

	payload, err := c.reader.ReadPayload(h)
	if err != nil {
		return nil, err
	}
	c.cur = frame.Frame{Header: h, Payload: payload}

	switch h.Type {
	case http2.FrameData:
		return c.stateData, nil
	case http2.FrameHeaders:
		return c.stateHeaders, nil
	case http2.FramePriority:
		return c.statePriority, nil
	case http2.FrameRSTStream:
		return c.stateRstStream, nil
	case http2.FrameSettings:
		return c.stateSettings, nil
	case http2.FramePushPromise:
		return nil, frame.ConnError(http2.ErrCodeProtocol, "PUSH_PROMISE from client")
	case http2.FramePing:
		return c.statePing, nil
	case http2.FrameGoAway:
		return c.stateGoAway, nil
	case http2.FrameWindowUpdate:
		return c.stateWindowUpdate, nil
	case http2.FrameContinuation:
		return c.stateContinuation, nil
	default:
		return c.stateUnknown, nil
	}
}

func (c *Connection) stateData() (stateFn, error) {
	h := c.cur.Header
	if h.StreamID == 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "DATA frame on stream 0")
	}
	s, err := c.dataStream(h.StreamID)
	if err != nil {
		return nil, err
	}

	endStream := h.Flag(http2.FlagDataEndStream)
	if h.Length == 0 && !endStream {
		c.emptyFrames++
		if c.cfg.MaxEmptyFrames > 0 && c.emptyFrames > c.cfg.MaxEmptyFrames {
			return nil, frame.ConnError(http2.ErrCodeEnhanceYourCalm,
				"%d consecutive empty DATA frames", c.emptyFrames)
		}
	} else if h.Length > 0 {
		c.emptyFrames = 0
	}

	// Both windows are charged the full framed length, padding included.
	if h.Length > 0 {
		if err := c.connFlow.Inbound.Consume(int32(h.Length)); err != nil {
			return nil, frame.ConnError(http2.ErrCodeFlowControl,
				"connection flow-control window exceeded by %d bytes on stream %d", h.Length, h.StreamID)
		}
		if err := s.FlowControl().Inbound.Consume(int32(h.Length)); err != nil {
			return nil, frame.StreamErr(h.StreamID, http2.ErrCodeFlowControl,
				"stream flow-control window exceeded by %d bytes", h.Length)
		}
	}

	data, err := frame.ParseData(h, c.cur.Payload)
	if err != nil {
		return nil, err
	}
	if err := s.ReceiveData(data, endStream); err != nil {
		return nil, err
	}
	if endStream && s.Removable() {
		c.removeStream(h.StreamID)
	}
	return c.stateReadFrame, nil
}

func (c *Connection) stateHeaders() (stateFn, error) {
	h := c.cur.Header
	if h.StreamID == 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "HEADERS frame on stream 0")
	}
	fragment, prio, err := frame.ParseHeadersPayload(h, c.cur.Payload)
	if err != nil {
		return nil, err
	}
	s, err := c.getOrCreateStream(h.StreamID)
	if err != nil {
		return nil, err
	}
	if prio != nil {
		if err := s.SetPriority(*prio); err != nil {
			return nil, err
		}
	}

	acc := stream.NewHeaderAccumulator(h.StreamID, h.Flag(http2.FlagHeadersEndStream), c.cfg.MaxHeaderListSize)
	if err := acc.Add(fragment, h.Flag(http2.FlagHeadersEndHeaders)); err != nil {
		return nil, err
	}
	if !acc.Complete() {
		c.continuation = acc
		return c.stateReadFrame, nil
	}
	return c.finishHeaders(s, acc)
}

func (c *Connection) stateContinuation() (stateFn, error) {
	if c.continuation == nil {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "CONTINUATION without preceding HEADERS")
	}
	acc := c.continuation
	if err := acc.Add(c.cur.Payload, c.cur.Flag(http2.FlagContinuationEndHeaders)); err != nil {
		c.continuation = nil
		return nil, err
	}
	if !acc.Complete() {
		return c.stateReadFrame, nil
	}
	s := c.lookupStream(acc.StreamID())
	if s == nil {
		return nil, frame.ConnError(http2.ErrCodeProtocol,
			"CONTINUATION for unknown stream %d", acc.StreamID())
	}
	return c.finishHeaders(s, acc)
}

// finishHeaders decodes a complete header block and hands the stream to a
// worker when the block opened it.
func (c *Connection) finishHeaders(s *stream.Stream, acc *stream.HeaderAccumulator) (stateFn, error) {
	c.continuation = nil
	headers, err := c.decoder.Decode(acc.Block())
	if err != nil {
		return nil, frame.ConnError(http2.ErrCodeCompression, "%v", err)
	}
	wasIdle := s.State() == stream.StateIdle
	if err := s.ReceiveHeaders(headers, acc.EndStream()); err != nil {
		return nil, err
	}
	if wasIdle {
		c.dispatch(s)
	}
	return c.stateReadFrame, nil
}

func (c *Connection) statePriority() (stateFn, error) {
	h := c.cur.Header
	if h.StreamID == 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "PRIORITY frame on stream 0")
	}
	p, err := frame.ParsePriority(h.StreamID, c.cur.Payload)
	if err != nil {
		return nil, err
	}
	if p.DependsOn == h.StreamID {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "stream %d depends on itself", h.StreamID)
	}
	// Priority for unknown or already removed streams is tolerated.
	if s := c.lookupStream(h.StreamID); s != nil {
		if err := s.SetPriority(p); err != nil {
			return nil, err
		}
	}
	return c.stateReadFrame, nil
}

func (c *Connection) stateRstStream() (stateFn, error) {
	h := c.cur.Header
	if h.StreamID == 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "RST_STREAM frame on stream 0")
	}
	code, err := frame.ParseRSTStream(c.cur.Payload)
	if err != nil {
		return nil, err
	}
	s := c.lookupStream(h.StreamID)
	if s == nil {
		if h.StreamID > c.lastID() {
			return nil, frame.ConnError(http2.ErrCodeProtocol, "RST_STREAM on idle stream %d", h.StreamID)
		}
		// Already removed; late reset is harmless.
		return c.stateReadFrame, nil
	}
	if !s.ReceivedData() {
		if err := c.countRapidReset(); err != nil {
			return nil, err
		}
	}
	if err := s.Reset(code); err != nil {
		return nil, err
	}
	c.removeStream(h.StreamID)
	return c.stateReadFrame, nil
}

// countRapidReset tracks streams the client resets before ever using them.
// A burst above the configured limit inside the check period is treated as
// a flood (CVE-2023-44487).
func (c *Connection) countRapidReset() error {
	if c.cfg.MaxRapidResets <= 0 || c.cfg.RapidResetCheckPeriod <= 0 {
		return nil
	}
	now := time.Now()
	if now.Sub(c.rapidResetWindow) > c.cfg.RapidResetCheckPeriod {
		c.rapidResetWindow = now
		c.rapidResets = 0
	}
	c.rapidResets++
	if c.rapidResets > c.cfg.MaxRapidResets {
		return frame.ConnError(http2.ErrCodeEnhanceYourCalm,
			"%d rapid resets within %s", c.rapidResets, c.cfg.RapidResetCheckPeriod)
	}
	return nil
}

func (c *Connection) stateSettings() (stateFn, error) {
	h := c.cur.Header
	if h.StreamID != 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "SETTINGS frame on stream %d", h.StreamID)
	}
	if h.Flag(http2.FlagSettingsAck) {
		if h.Length != 0 {
			return nil, frame.ConnError(http2.ErrCodeFrameSize,
				"SETTINGS ACK with %d bytes of payload", h.Length)
		}
		return c.stateReadFrame, nil
	}

	entries, err := settings.Decode(c.cur.Payload)
	if err != nil {
		return nil, err
	}
	oldInitial := c.clientSettings.InitialWindowSize()
	if err := c.clientSettings.Update(entries); err != nil {
		return nil, err
	}
	c.peerMaxFrame.Store(c.clientSettings.MaxFrameSize())
	for _, e := range entries {
		switch e.ID {
		case http2.SettingHeaderTableSize:
			c.decoder.SetMaxDynamicTableSize(e.Val)
		case http2.SettingMaxConcurrentStreams:
			if e.Val > c.cfg.MaxConcurrentStreams {
				return nil, frame.ConnError(http2.ErrCodeProtocol,
					"client max concurrent streams %d above server limit %d",
					e.Val, c.cfg.MaxConcurrentStreams)
			}
		}
	}
	if delta := int32(c.clientSettings.InitialWindowSize()) - int32(oldInitial); delta != 0 {
		c.adjustStreamWindows(delta)
	}
	return c.stateAckSettings, nil
}

func (c *Connection) stateAckSettings() (stateFn, error) {
	if err := c.writer.WriteSettingsAck(); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	if c.upgradeHeaders != nil && !c.upgradeDone {
		c.upgradeDone = true
		if err := c.dispatchUpgrade(); err != nil {
			return nil, err
		}
	}
	return c.stateReadFrame, nil
}

// dispatchUpgrade turns the stored HTTP/1.1 upgrade request into stream 1.
func (c *Connection) dispatchUpgrade() error {
	s, err := c.getOrCreateStream(1)
	if err != nil {
		return err
	}
	if err := s.ReceiveHeaders(c.upgradeHeaders, true); err != nil {
		return err
	}
	c.dispatch(s)
	return nil
}

func (c *Connection) statePing() (stateFn, error) {
	h := c.cur.Header
	if h.StreamID != 0 {
		return nil, frame.ConnError(http2.ErrCodeProtocol, "PING frame on stream %d", h.StreamID)
	}
	if _, err := frame.ParsePing(c.cur.Payload); err != nil {
		return nil, err
	}
	if h.Flag(http2.FlagPingAck) {
		return c.stateReadFrame, nil
	}
	return c.stateSendPingAck, nil
}

func (c *Connection) stateSendPingAck() (stateFn, error) {
	data, err := frame.ParsePing(c.cur.Payload)
	if err != nil {
		return nil, err
	}
	if err := c.writer.WritePing(true, data); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	return c.stateReadFrame, nil
}

func (c *Connection) stateGoAway() (stateFn, error) {
	ga, err := frame.ParseGoAway(c.cur.Payload)
	if err != nil {
		return nil, err
	}
	if ga.Code != http2.ErrCodeNo {
		c.log.Printf("h2: GOAWAY from client: %v %q", ga.Code, ga.DebugData)
	}
	return c.stateFinished, nil
}

func (c *Connection) stateWindowUpdate() (stateFn, error) {
	h := c.cur.Header
	inc, err := frame.ParseWindowUpdate(c.cur.Payload)
	if err != nil {
		return nil, err
	}
	if h.StreamID == 0 {
		if err := c.connFlow.Outbound.Increment(int32(inc)); err != nil {
			return nil, frame.ConnError(http2.ErrCodeFlowControl,
				"increment %d overflows connection window", inc)
		}
		return c.stateReadFrame, nil
	}
	s := c.lookupStream(h.StreamID)
	if s == nil {
		// Updates race with stream removal; late ones are dropped.
		return c.stateReadFrame, nil
	}
	if err := s.WindowUpdate(inc); err != nil {
		return nil, err
	}
	return c.stateReadFrame, nil
}

func (c *Connection) stateUnknown() (stateFn, error) {
	// Unknown frame types must be read and discarded.
	return c.stateReadFrame, nil
}

func (c *Connection) stateFinished() (stateFn, error) {
	return nil, nil
}
