package conn

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dgarridom/velox/internal/h2/frame"
	"github.com/dgarridom/velox/internal/h2/stream"
	"golang.org/x/net/http2"
)

// memBuf is one direction of an in-memory connection. Writes never block;
// reads block until data or close.
type memBuf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newMemBuf() *memBuf {
	b := &memBuf{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := b.buf.Write(p)
	b.cond.Broadcast()
	return n, nil
}

func (b *memBuf) Read(p []byte) (int, error) {
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

func (b *memBuf) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

type duplexEnd struct {
	in  *memBuf
	out *memBuf
}

func (d duplexEnd) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d duplexEnd) Write(p []byte) (int, error) { return d.out.Write(p) }

func newDuplex() (server, client duplexEnd) {
	toServer, toClient := newMemBuf(), newMemBuf()
	return duplexEnd{in: toServer, out: toClient}, duplexEnd{in: toClient, out: toServer}
}

type goroutineExecutor struct{}

func (goroutineExecutor) Submit(task func()) error {
	go task()
	return nil
}

// echoHandler drains the request body, then answers 200 with the body or
// "hello" when the request had none.
func echoHandler(ctx context.Context, s *stream.Stream) error {
	body, err := io.ReadAll(s.Body())
	if err != nil {
		return err
	}
	if err := s.SendHeaders([][2]string{{":status", "200"}}, false); err != nil {
		return err
	}
	msg := []byte("hello")
	if len(body) > 0 {
		msg = body
	}
	return s.SendData(ctx, msg, true)
}

func testConfig() Config {
	return Config{
		Handler:               HandlerFunc(echoHandler),
		Executor:              goroutineExecutor{},
		MaxConcurrentStreams:  8,
		MaxFrameSize:          16384,
		InitialWindowSize:     65535,
		HeaderTableSize:       4096,
		SendErrorDetails:      true,
		MaxRapidResets:        100,
		RapidResetCheckPeriod: 10 * time.Second,
		MaxEmptyFrames:        10,
	}
}

type clientConn struct {
	t    *testing.T
	rw   io.ReadWriter
	fr   *frame.Reader
	enc  *frame.HeaderEncoder
	dec  *frame.HeaderDecoder
	done chan error
}

// startEngine runs a connection engine and returns the client end.
func startEngine(t *testing.T, cfg Config) (*clientConn, *Connection) {
	t.Helper()
	serverEnd, clientEnd := newDuplex()
	c := New(serverEnd, cfg)
	cc := &clientConn{
		t:    t,
		rw:   clientEnd,
		fr:   frame.NewReader(clientEnd),
		enc:  frame.NewHeaderEncoder(),
		dec:  frame.NewHeaderDecoder(4096),
		done: make(chan error, 1),
	}
	go func() {
		cc.done <- c.Handle(context.Background())
	}()
	return cc, c
}

func (cc *clientConn) writeRaw(typ http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) {
	cc.t.Helper()
	b := make([]byte, frame.HeaderLength+len(payload))
	b[0] = byte(len(payload) >> 16)
	b[1] = byte(len(payload) >> 8)
	b[2] = byte(len(payload))
	b[3] = byte(typ)
	b[4] = byte(flags)
	binary.BigEndian.PutUint32(b[5:9], streamID)
	copy(b[9:], payload)
	if _, err := cc.rw.Write(b); err != nil {
		cc.t.Fatalf("write frame: %v", err)
	}
}

func (cc *clientConn) writeSettings(entries ...http2.Setting) {
	payload := make([]byte, 0, len(entries)*6)
	for _, e := range entries {
		var b [6]byte
		binary.BigEndian.PutUint16(b[0:2], uint16(e.ID))
		binary.BigEndian.PutUint32(b[2:6], e.Val)
		payload = append(payload, b[:]...)
	}
	cc.writeRaw(http2.FrameSettings, 0, 0, payload)
}

func (cc *clientConn) writeHeaders(streamID uint32, headers [][2]string, endStream bool) {
	cc.t.Helper()
	block, err := cc.enc.Encode(headers)
	if err != nil {
		cc.t.Fatalf("encode headers: %v", err)
	}
	var flags http2.Flags = http2.FlagHeadersEndHeaders
	if endStream {
		flags |= http2.FlagHeadersEndStream
	}
	cc.writeRaw(http2.FrameHeaders, flags, streamID, block)
}

func (cc *clientConn) writeData(streamID uint32, data []byte, endStream bool) {
	var flags http2.Flags
	if endStream {
		flags = http2.FlagDataEndStream
	}
	cc.writeRaw(http2.FrameData, flags, streamID, data)
}

func (cc *clientConn) writeWindowUpdate(streamID, increment uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], increment)
	cc.writeRaw(http2.FrameWindowUpdate, 0, streamID, b[:])
}

func (cc *clientConn) writeRST(streamID uint32, code http2.ErrCode) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(code))
	cc.writeRaw(http2.FrameRSTStream, 0, streamID, b[:])
}

func (cc *clientConn) writePing(data [8]byte) {
	cc.writeRaw(http2.FramePing, 0, 0, data[:])
}

func (cc *clientConn) readFrame() frame.Frame {
	cc.t.Helper()
	h, err := cc.fr.ReadHeader()
	if err != nil {
		cc.t.Fatalf("read frame header: %v", err)
	}
	payload, err := cc.fr.ReadPayload(h)
	if err != nil {
		cc.t.Fatalf("read frame payload: %v", err)
	}
	return frame.Frame{Header: h, Payload: payload}
}

// waitFor reads frames until one of the wanted type arrives.
func (cc *clientConn) waitFor(typ http2.FrameType) frame.Frame {
	cc.t.Helper()
	for i := 0; i < 50; i++ {
		f := cc.readFrame()
		if f.Type == typ {
			return f
		}
	}
	cc.t.Fatalf("frame of type %v never arrived", typ)
	return frame.Frame{}
}

// handshake completes the preface and SETTINGS exchange, sending entries as
// the client's parameters.
func (cc *clientConn) handshake(entries ...http2.Setting) {
	cc.t.Helper()
	f := cc.readFrame()
	if f.Type != http2.FrameSettings || f.Flag(http2.FlagSettingsAck) {
		cc.t.Fatalf("server's first frame was %v, want SETTINGS", f.Type)
	}
	if _, err := cc.rw.Write([]byte(frame.Preface)); err != nil {
		cc.t.Fatalf("write preface: %v", err)
	}
	cc.writeSettings(entries...)
	cc.writeRaw(http2.FrameSettings, http2.FlagSettingsAck, 0, nil)

	ack := cc.waitFor(http2.FrameSettings)
	if !ack.Flag(http2.FlagSettingsAck) {
		cc.t.Fatalf("expected SETTINGS ACK, got non-ack SETTINGS")
	}
}

func (cc *clientConn) expectGoAway(code http2.ErrCode) frame.GoAway {
	cc.t.Helper()
	f := cc.waitFor(http2.FrameGoAway)
	ga, err := frame.ParseGoAway(f.Payload)
	if err != nil {
		cc.t.Fatalf("parse GOAWAY: %v", err)
	}
	if ga.Code != code {
		cc.t.Fatalf("GOAWAY code = %v, want %v (debug %q)", ga.Code, code, ga.DebugData)
	}
	return ga
}

func (cc *clientConn) expectRST(streamID uint32, code http2.ErrCode) {
	cc.t.Helper()
	f := cc.waitFor(http2.FrameRSTStream)
	if f.StreamID != streamID {
		cc.t.Fatalf("RST_STREAM for stream %d, want %d", f.StreamID, streamID)
	}
	got, err := frame.ParseRSTStream(f.Payload)
	if err != nil {
		cc.t.Fatalf("parse RST_STREAM: %v", err)
	}
	if got != code {
		cc.t.Fatalf("RST_STREAM code = %v, want %v", got, code)
	}
}

// expectPong proves the connection survived: a PING must still be answered.
func (cc *clientConn) expectPong() {
	cc.t.Helper()
	data := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	cc.writePing(data)
	f := cc.waitFor(http2.FramePing)
	if !f.Flag(http2.FlagPingAck) {
		cc.t.Fatal("PING answer missing ACK flag")
	}
	got, _ := frame.ParsePing(f.Payload)
	if got != data {
		cc.t.Fatalf("PING ACK payload = %v, want %v", got, data)
	}
}

// readResponse collects the response for streamID up to END_STREAM.
func (cc *clientConn) readResponse(streamID uint32) ([][2]string, []byte) {
	cc.t.Helper()
	var headers [][2]string
	var body []byte
	for i := 0; i < 50; i++ {
		f := cc.readFrame()
		if f.StreamID != streamID {
			continue
		}
		switch f.Type {
		case http2.FrameHeaders:
			block, _, err := frame.ParseHeadersPayload(f.Header, f.Payload)
			if err != nil {
				cc.t.Fatalf("parse HEADERS: %v", err)
			}
			headers, err = cc.dec.Decode(block)
			if err != nil {
				cc.t.Fatalf("decode headers: %v", err)
			}
			if f.Flag(http2.FlagHeadersEndStream) {
				return headers, body
			}
		case http2.FrameData:
			body = append(body, f.Payload...)
			if f.Flag(http2.FlagDataEndStream) {
				return headers, body
			}
		case http2.FrameRSTStream:
			cc.t.Fatalf("stream %d reset while waiting for response", streamID)
		}
	}
	cc.t.Fatal("response never completed")
	return nil, nil
}

var getHeaders = [][2]string{
	{":method", "GET"},
	{":scheme", "https"},
	{":path", "/"},
}

var postHeaders = [][2]string{
	{":method", "POST"},
	{":scheme", "https"},
	{":path", "/upload"},
}

func TestHandshakeAndSimpleExchange(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeHeaders(1, getHeaders, true)
	headers, body := cc.readResponse(1)
	if len(headers) == 0 || headers[0] != [2]string{":status", "200"} {
		t.Errorf("response headers = %v", headers)
	}
	if string(body) != "hello" {
		t.Errorf("response body = %q", body)
	}
}

func TestConnectionWindowTopUp(t *testing.T) {
	cfg := testConfig()
	cfg.InitialWindowSize = 1 << 20
	cc, _ := startEngine(t, cfg)

	f := cc.readFrame()
	if f.Type != http2.FrameSettings {
		t.Fatalf("first frame %v, want SETTINGS", f.Type)
	}
	f = cc.readFrame()
	if f.Type != http2.FrameWindowUpdate || f.StreamID != 0 {
		t.Fatalf("expected connection WINDOW_UPDATE after SETTINGS, got %v stream %d", f.Type, f.StreamID)
	}
	inc, err := frame.ParseWindowUpdate(f.Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := uint32(1<<20 - 65535); inc != want {
		t.Errorf("top-up increment = %d, want %d", inc, want)
	}
}

func TestInvalidPrefaceFailsConnection(t *testing.T) {
	cc, _ := startEngine(t, testConfig())

	cc.readFrame() // server SETTINGS
	if _, err := cc.rw.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\nEmpty-Line-Padding\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// No GOAWAY is owed to a non-HTTP/2 peer; Handle just reports the error.
	select {
	case err := <-cc.done:
		if !errors.Is(err, frame.ErrInvalidPreface) {
			t.Errorf("Handle returned %v, want invalid preface", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection never finished after bad preface")
	}
}

func TestSettingsAckWithPayload(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRaw(http2.FrameSettings, http2.FlagSettingsAck, 0, []byte{0})
	cc.expectGoAway(http2.ErrCodeFrameSize)
}

func TestSettingsLengthNotMultipleOfSix(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRaw(http2.FrameSettings, 0, 0, make([]byte, 7))
	cc.expectGoAway(http2.ErrCodeFrameSize)
}

func TestPingWrongLength(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRaw(http2.FramePing, 0, 0, make([]byte, 7))
	cc.expectGoAway(http2.ErrCodeFrameSize)
}

func TestPingOnNonzeroStream(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRaw(http2.FramePing, 0, 1, make([]byte, 8))
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestPingAnswered(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()
	cc.expectPong()
}

func TestWindowUpdateZeroIncrement(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeWindowUpdate(0, 0)
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestWindowUpdateForRemovedStreamIgnored(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeHeaders(1, getHeaders, true)
	cc.readResponse(1)

	cc.writeWindowUpdate(1, 10)
	cc.expectPong()
}

func TestConnectionWindowOverflow(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeWindowUpdate(0, 0x7fffffff)
	cc.expectGoAway(http2.ErrCodeFlowControl)
}

func TestEvenStreamIDRejected(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeHeaders(2, getHeaders, true)
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestLowerStreamIDAfterHigherRejected(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeHeaders(5, getHeaders, true)
	cc.readResponse(5)

	cc.writeHeaders(3, getHeaders, true)
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestStreamIDReuseRejected(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeHeaders(1, getHeaders, true)
	cc.readResponse(1)

	cc.writeHeaders(1, getHeaders, true)
	cc.expectRST(1, http2.ErrCodeStreamClosed)
	cc.expectPong()
}

func TestClientMaxStreamsAboveServerCeiling(t *testing.T) {
	cc, _ := startEngine(t, testConfig())

	cc.readFrame() // server SETTINGS
	if _, err := cc.rw.Write([]byte(frame.Preface)); err != nil {
		t.Fatalf("write preface: %v", err)
	}
	cc.writeSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 100})
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestConcurrencyCeilingRefusesStream(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	// Stream 1 stays open: the handler blocks draining the body.
	cc.writeHeaders(1, postHeaders, false)
	cc.writeHeaders(3, getHeaders, true)
	cc.expectRST(3, http2.ErrCodeRefusedStream)

	cc.writeData(1, []byte("done"), true)
	_, body := cc.readResponse(1)
	if string(body) != "done" {
		t.Errorf("stream 1 body = %q", body)
	}
}

func TestPushPromiseFromClientRejected(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRaw(http2.FramePushPromise, http2.FlagPushPromiseEndHeaders, 1, make([]byte, 4))
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestUnknownFrameTypeDiscarded(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRaw(http2.FrameType(0xbe), 0, 1, []byte("junk"))
	cc.expectPong()
}

func TestContinuationReassembly(t *testing.T) {
	var (
		mu   sync.Mutex
		seen [][2]string
	)
	cfg := testConfig()
	cfg.Handler = HandlerFunc(func(ctx context.Context, s *stream.Stream) error {
		mu.Lock()
		seen = s.Headers()
		mu.Unlock()
		return s.SendHeaders([][2]string{{":status", "204"}}, true)
	})
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	want := [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":path", "/split"},
		{"x-first", "1"},
		{"x-second", "2"},
	}
	block, err := cc.enc.Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	third := len(block) / 3
	cc.writeRaw(http2.FrameHeaders, http2.FlagHeadersEndStream, 1, block[:third])
	cc.writeRaw(http2.FrameContinuation, 0, 1, block[third:2*third])
	cc.writeRaw(http2.FrameContinuation, http2.FlagContinuationEndHeaders, 1, block[2*third:])

	cc.readResponse(1)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("handler saw %d headers, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("header %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestInterleavedFrameDuringContinuation(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	block, err := cc.enc.Encode(getHeaders)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cc.writeRaw(http2.FrameHeaders, http2.FlagHeadersEndStream, 1, block)
	// END_HEADERS was not set above, so a PING here is a violation.
	cc.writePing([8]byte{})
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestContinuationWithoutHeaders(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRaw(http2.FrameContinuation, http2.FlagContinuationEndHeaders, 1, []byte{0x82})
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestPaddedDataChargesFullFrameLength(t *testing.T) {
	cfg := testConfig()
	cfg.InitialWindowSize = 16
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	cc.writeHeaders(1, postHeaders, false)
	// 1 pad-length byte + 3 data bytes + 4 padding bytes: framed length 8,
	// which crosses half of the 16-byte stream window.
	payload := append([]byte{4, 'd', 'a', 't'}, make([]byte, 4)...)
	cc.writeRaw(http2.FrameData, http2.FlagDataPadded, 1, payload)

	f := cc.waitFor(http2.FrameWindowUpdate)
	if f.StreamID != 1 {
		t.Fatalf("WINDOW_UPDATE for stream %d, want 1", f.StreamID)
	}
	inc, err := frame.ParseWindowUpdate(f.Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if inc != 8 {
		t.Errorf("replenishment = %d, want the full framed length 8", inc)
	}
}

func TestStreamFlowControlViolation(t *testing.T) {
	cfg := testConfig()
	cfg.InitialWindowSize = 16
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	cc.writeHeaders(1, postHeaders, false)
	cc.writeData(1, make([]byte, 64), false)
	cc.expectRST(1, http2.ErrCodeFlowControl)
	cc.expectPong()
}

func TestRapidResetGuard(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRapidResets = 2
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	for _, id := range []uint32{1, 3, 5} {
		cc.writeHeaders(id, postHeaders, false)
		cc.writeRST(id, http2.ErrCodeCancel)
	}
	cc.expectGoAway(http2.ErrCodeEnhanceYourCalm)
}

func TestDuplicateResetIsNoop(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeHeaders(1, postHeaders, false)
	cc.writeRST(1, http2.ErrCodeCancel)
	cc.writeRST(1, http2.ErrCodeCancel)
	cc.expectPong()
}

func TestResetOnIdleStreamFailsConnection(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	cc.writeRST(9, http2.ErrCodeCancel)
	cc.expectGoAway(http2.ErrCodeProtocol)
}

func TestEmptyDataFramesFlood(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEmptyFrames = 2
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	cc.writeHeaders(1, postHeaders, false)
	for i := 0; i < 3; i++ {
		cc.writeData(1, nil, false)
	}
	cc.expectGoAway(http2.ErrCodeEnhanceYourCalm)
}

func TestHeaderListSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHeaderListSize = 16
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	big := append(getHeaders[:len(getHeaders):len(getHeaders)],
		[2]string{"x-filler", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	cc.writeHeaders(1, big, true)
	cc.expectRST(1, http2.ErrCodeEnhanceYourCalm)
	cc.expectPong()
}

func TestInitialWindowDeltaAppliedToOpenStreams(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	// The client announces a zero initial window, so response DATA stalls.
	cc.handshake(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})

	cc.writeHeaders(1, getHeaders, true)
	f := cc.waitFor(http2.FrameHeaders)
	if f.StreamID != 1 || f.Flag(http2.FlagHeadersEndStream) {
		t.Fatalf("unexpected response headers frame: stream %d flags %v", f.StreamID, f.Flags)
	}

	// Raising the initial window must replenish the already open stream.
	cc.writeSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 100})
	df := cc.waitFor(http2.FrameData)
	if df.StreamID != 1 || string(df.Payload) != "hello" {
		t.Errorf("DATA after window raise: stream %d payload %q", df.StreamID, df.Payload)
	}
}

func TestSendDataConcurrentWithSettings(t *testing.T) {
	const chunks = 200
	cfg := testConfig()
	cfg.Handler = HandlerFunc(func(ctx context.Context, s *stream.Stream) error {
		if err := s.SendHeaders([][2]string{{":status", "200"}}, false); err != nil {
			return err
		}
		for i := 0; i < chunks; i++ {
			if err := s.SendData(ctx, []byte("chunk"), i == chunks-1); err != nil {
				return err
			}
		}
		return nil
	})
	cc, _ := startEngine(t, cfg)
	cc.handshake()
	cc.writeHeaders(1, getHeaders, true)

	// Keep renegotiating MAX_FRAME_SIZE while the worker streams the
	// response, so the worker's chunk sizing races real settings updates.
	settingsDone := make(chan struct{})
	go func() {
		defer close(settingsDone)
		for i := 0; i < 100; i++ {
			cc.writeSettings(http2.Setting{
				ID:  http2.SettingMaxFrameSize,
				Val: 16384 + uint32(i%16)*1024,
			})
		}
	}()

	var got int
	for i := 0; i < chunks*3+500; i++ {
		f := cc.readFrame()
		if f.Type != http2.FrameData || f.StreamID != 1 {
			continue
		}
		got += len(f.Payload)
		if f.Flag(http2.FlagDataEndStream) {
			break
		}
	}
	<-settingsDone

	if want := chunks * len("chunk"); got != want {
		t.Errorf("streamed %d bytes, want %d", got, want)
	}
}

func TestClientGoAwayFinishesConnection(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[4:8], uint32(http2.ErrCodeNo))
	cc.writeRaw(http2.FrameGoAway, 0, 0, payload)

	select {
	case err := <-cc.done:
		if err != nil {
			t.Errorf("Handle returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection never finished after GOAWAY")
	}
}

func TestGoAwayDetailGating(t *testing.T) {
	cfg := testConfig()
	cfg.SendErrorDetails = false
	cc, _ := startEngine(t, cfg)
	cc.handshake()

	cc.writeWindowUpdate(0, 0)
	ga := cc.expectGoAway(http2.ErrCodeProtocol)
	if len(ga.DebugData) != 0 {
		t.Errorf("debug data sent despite gating: %q", ga.DebugData)
	}

	cc2, _ := startEngine(t, testConfig())
	cc2.handshake()
	cc2.writeWindowUpdate(0, 0)
	ga = cc2.expectGoAway(http2.ErrCodeProtocol)
	if len(ga.DebugData) == 0 {
		t.Error("debug data missing with SendErrorDetails enabled")
	}
}

func TestUpgradeHandoffDispatchesStreamOne(t *testing.T) {
	serverEnd, clientEnd := newDuplex()
	c := New(serverEnd, testConfig())
	c.SetUpgradeRequest(getHeaders)
	go func() { _ = c.Handle(context.Background()) }()

	cc := &clientConn{
		t:    t,
		rw:   clientEnd,
		fr:   frame.NewReader(clientEnd),
		enc:  frame.NewHeaderEncoder(),
		dec:  frame.NewHeaderDecoder(4096),
		done: make(chan error, 1),
	}
	cc.handshake()

	headers, body := cc.readResponse(1)
	if len(headers) == 0 || headers[0] != [2]string{":status", "200"} {
		t.Errorf("upgrade response headers = %v", headers)
	}
	if string(body) != "hello" {
		t.Errorf("upgrade response body = %q", body)
	}

	// A second SETTINGS exchange must not dispatch stream 1 again.
	cc.writeSettings()
	ack := cc.waitFor(http2.FrameSettings)
	if !ack.Flag(http2.FlagSettingsAck) {
		t.Fatal("expected SETTINGS ACK")
	}
	cc.expectPong()
}

func TestCanInterruptAndIdleTime(t *testing.T) {
	release := make(chan struct{})
	cfg := testConfig()
	cfg.Handler = HandlerFunc(func(ctx context.Context, s *stream.Stream) error {
		<-release
		return s.SendHeaders([][2]string{{":status", "204"}}, true)
	})
	cc, c := startEngine(t, cfg)
	cc.handshake()

	if !c.CanInterrupt() {
		t.Error("fresh connection should be interruptible")
	}

	cc.writeHeaders(1, getHeaders, true)
	deadline := time.After(2 * time.Second)
	for c.CanInterrupt() {
		select {
		case <-deadline:
			t.Fatal("stream never tracked")
		case <-time.After(time.Millisecond):
		}
	}

	close(release)
	cc.readResponse(1)
	for !c.CanInterrupt() {
		select {
		case <-deadline:
			t.Fatal("stream never retired")
		case <-time.After(time.Millisecond):
		}
	}

	if c.IdleTime() > time.Minute {
		t.Errorf("idle time implausible: %v", c.IdleTime())
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	cc, _ := startEngine(t, testConfig())
	cc.handshake()

	// Announce a frame longer than the advertised max; the engine must
	// fail before reading the body.
	hdr := []byte{0x01, 0x00, 0x00, byte(http2.FrameData), 0, 0, 0, 0, 1}
	if _, err := cc.rw.Write(hdr); err != nil {
		t.Fatalf("write: %v", err)
	}
	cc.expectGoAway(http2.ErrCodeFrameSize)
}
