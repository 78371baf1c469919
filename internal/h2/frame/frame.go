// Package frame implements the HTTP/2 wire codec: the 9-byte frame header,
// typed payload parsing, and a serialized frame writer. Frame type, flag,
// error code and setting identifiers come from golang.org/x/net/http2.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"golang.org/x/net/http2"
)

// ErrInvalidPreface reports a connection whose first bytes were not the
// HTTP/2 preface. No GOAWAY is owed to such a peer; the transport just
// closes.
var ErrInvalidPreface = errors.New("invalid connection preface")

// HeaderLength is the fixed size of an HTTP/2 frame header.
const HeaderLength = 9

// Preface is the client connection preface every HTTP/2 connection opens with.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Header is the fixed 9-byte prefix of every frame.
type Header struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// Flag reports whether f is set on the header.
func (h Header) Flag(f http2.Flags) bool {
	return h.Flags&f != 0
}

// ParseHeader decodes a 9-byte frame header. The reserved bit of the stream
// identifier is masked off, as required for receivers.
func ParseHeader(b []byte) Header {
	return Header{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     http2.FrameType(b[3]),
		Flags:    http2.Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & 0x7fffffff,
	}
}

// Frame is one complete frame as read off the wire, payload still raw.
type Frame struct {
	Header
	Payload []byte
}

// Reader reads whole frames from a byte stream.
type Reader struct {
	r   io.Reader
	hdr [HeaderLength]byte
}

// NewReader wraps r for frame reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadHeader reads and decodes the next frame header.
func (fr *Reader) ReadHeader() (Header, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return Header{}, err
	}
	return ParseHeader(fr.hdr[:]), nil
}

// ReadPayload reads the payload announced by h. The caller is responsible
// for checking h.Length against the negotiated max frame size first.
func (fr *Reader) ReadPayload(h Header) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadPreface consumes and verifies the client connection preface.
func (fr *Reader) ReadPreface() error {
	buf := make([]byte, len(Preface))
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return err
	}
	if string(buf) != Preface {
		return ErrInvalidPreface
	}
	return nil
}

// Writer serializes outgoing frames. All methods are safe for concurrent
// use; frames from different goroutines never interleave on the wire.
type Writer struct {
	mu     sync.Mutex
	framer *http2.Framer
	writer io.Writer
}

// NewWriter creates a frame writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		framer: http2.NewFramer(w, nil),
		writer: w,
	}
}

// Flush flushes the underlying writer if it is buffered.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.writer.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// WriteSettings writes a SETTINGS frame carrying the given parameters.
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes an empty SETTINGS frame with the ACK flag.
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes a header block as one HEADERS frame followed by as
// many CONTINUATION frames as maxFrameSize requires.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	remaining := headerBlock
	first := true
	for {
		chunk := remaining
		if uint32(len(chunk)) > maxFrameSize {
			chunk = chunk[:maxFrameSize]
		}
		remaining = remaining[len(chunk):]

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if len(remaining) == 0 {
				flags |= http2.FlagHeadersEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, chunk); err != nil {
				return err
			}
			first = false
		} else {
			var flags http2.Flags
			if len(remaining) == 0 {
				flags |= http2.FlagContinuationEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, chunk); err != nil {
				return err
			}
		}
		if len(remaining) == 0 {
			return nil
		}
	}
}

// WriteData writes a DATA frame.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame. Stream 0 targets the
// connection window.
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}
