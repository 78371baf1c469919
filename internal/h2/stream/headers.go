package stream

import (
	"github.com/dgarridom/velox/internal/h2/frame"
	"golang.org/x/net/http2"
)

// HeaderAccumulator collects the header block fragments of one HEADERS
// frame and its CONTINUATION frames. Accumulated size is checked against
// the advertised MAX_HEADER_LIST_SIZE as fragments arrive, so an oversized
// block is refused before it is ever decoded.
type HeaderAccumulator struct {
	streamID  uint32
	endStream bool
	maxSize   uint32
	block     []byte
	complete  bool
}

// NewHeaderAccumulator starts accumulation for streamID. endStream records
// the END_STREAM flag of the opening HEADERS frame; maxSize of zero means
// no limit.
func NewHeaderAccumulator(streamID uint32, endStream bool, maxSize uint32) *HeaderAccumulator {
	return &HeaderAccumulator{streamID: streamID, endStream: endStream, maxSize: maxSize}
}

// StreamID returns the stream the block belongs to. Frames for any other
// stream while accumulation is in progress fail the connection.
func (a *HeaderAccumulator) StreamID() uint32 { return a.streamID }

// EndStream reports the END_STREAM flag of the opening HEADERS frame.
func (a *HeaderAccumulator) EndStream() bool { return a.endStream }

// Complete reports whether END_HEADERS has arrived.
func (a *HeaderAccumulator) Complete() bool { return a.complete }

// Block returns the reassembled header block. Valid once Complete.
func (a *HeaderAccumulator) Block() []byte { return a.block }

// Add appends one fragment. endHeaders marks the final fragment.
func (a *HeaderAccumulator) Add(fragment []byte, endHeaders bool) error {
	if a.maxSize != 0 && uint32(len(a.block))+uint32(len(fragment)) > a.maxSize {
		return frame.StreamErr(a.streamID, http2.ErrCodeEnhanceYourCalm,
			"header block on stream %d exceeds max header list size %d", a.streamID, a.maxSize)
	}
	a.block = append(a.block, fragment...)
	a.complete = endHeaders
	return nil
}
