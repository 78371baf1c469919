// Package settings models negotiated HTTP/2 connection parameters.
//
// Each side of a connection keeps two instances: one for the parameters it
// announced, one for the parameters the peer announced. Values arriving on
// the wire are validated against the per-parameter ranges of RFC 9113 §6.5.2
// and are never clamped; an out-of-range value fails the connection.
package settings

import (
	"encoding/binary"
	"fmt"

	"github.com/dgarridom/velox/internal/h2/flow"
	"github.com/dgarridom/velox/internal/h2/frame"
	"golang.org/x/net/http2"
)

// entrySize is the wire size of one SETTINGS parameter.
const entrySize = 6

// Defaults per RFC 9113 §6.5.2. Absent parameters report these values.
const (
	DefaultHeaderTableSize   uint32 = 4096
	DefaultEnablePush        uint32 = 1
	DefaultMaxFrameSize             = frame.DefaultMaxFrameSize
	DefaultInitialWindowSize        = uint32(flow.DefaultWindowSize)
)

// Unbounded is reported for MAX_CONCURRENT_STREAMS and MAX_HEADER_LIST_SIZE
// when the peer never announced a limit.
const Unbounded uint32 = 0xffffffff

// Settings is one side's parameter set. Not safe for concurrent mutation;
// the connection goroutine owns it.
type Settings struct {
	values map[http2.SettingID]uint32
}

// New creates an empty parameter set reporting RFC defaults.
func New() *Settings {
	return &Settings{values: make(map[http2.SettingID]uint32, 6)}
}

// Set records a parameter after validating its range.
func (s *Settings) Set(id http2.SettingID, value uint32) error {
	if err := validate(id, value); err != nil {
		return err
	}
	s.values[id] = value
	return nil
}

// Has reports whether the parameter was explicitly announced.
func (s *Settings) Has(id http2.SettingID) bool {
	_, ok := s.values[id]
	return ok
}

// Value returns the announced value, or the RFC default when absent.
func (s *Settings) Value(id http2.SettingID) uint32 {
	if v, ok := s.values[id]; ok {
		return v
	}
	switch id {
	case http2.SettingHeaderTableSize:
		return DefaultHeaderTableSize
	case http2.SettingEnablePush:
		return DefaultEnablePush
	case http2.SettingMaxConcurrentStreams:
		return Unbounded
	case http2.SettingInitialWindowSize:
		return DefaultInitialWindowSize
	case http2.SettingMaxFrameSize:
		return DefaultMaxFrameSize
	case http2.SettingMaxHeaderListSize:
		return Unbounded
	default:
		return 0
	}
}

// HeaderTableSize returns SETTINGS_HEADER_TABLE_SIZE.
func (s *Settings) HeaderTableSize() uint32 { return s.Value(http2.SettingHeaderTableSize) }

// EnablePush reports whether SETTINGS_ENABLE_PUSH is 1.
func (s *Settings) EnablePush() bool { return s.Value(http2.SettingEnablePush) == 1 }

// MaxConcurrentStreams returns SETTINGS_MAX_CONCURRENT_STREAMS.
func (s *Settings) MaxConcurrentStreams() uint32 { return s.Value(http2.SettingMaxConcurrentStreams) }

// InitialWindowSize returns SETTINGS_INITIAL_WINDOW_SIZE.
func (s *Settings) InitialWindowSize() uint32 { return s.Value(http2.SettingInitialWindowSize) }

// MaxFrameSize returns SETTINGS_MAX_FRAME_SIZE.
func (s *Settings) MaxFrameSize() uint32 { return s.Value(http2.SettingMaxFrameSize) }

// MaxHeaderListSize returns SETTINGS_MAX_HEADER_LIST_SIZE.
func (s *Settings) MaxHeaderListSize() uint32 { return s.Value(http2.SettingMaxHeaderListSize) }

// Update applies the entries of a decoded SETTINGS frame in wire order.
// Unknown identifiers are stored without validation and otherwise ignored.
func (s *Settings) Update(entries []http2.Setting) error {
	for _, e := range entries {
		if err := s.Set(e.ID, e.Val); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses a SETTINGS frame payload into its entries. A payload whose
// length is not a multiple of six is a FRAME_SIZE connection error.
func Decode(payload []byte) ([]http2.Setting, error) {
	if len(payload)%entrySize != 0 {
		return nil, frame.ConnError(http2.ErrCodeFrameSize,
			"SETTINGS frame length %d not a multiple of 6", len(payload))
	}
	entries := make([]http2.Setting, 0, len(payload)/entrySize)
	for off := 0; off < len(payload); off += entrySize {
		entries = append(entries, http2.Setting{
			ID:  http2.SettingID(binary.BigEndian.Uint16(payload[off : off+2])),
			Val: binary.BigEndian.Uint32(payload[off+2 : off+6]),
		})
	}
	return entries, nil
}

// Encode serializes the announced parameters as a SETTINGS frame payload.
// Entries are emitted in a fixed identifier order for deterministic output.
func (s *Settings) Encode() []byte {
	order := []http2.SettingID{
		http2.SettingHeaderTableSize,
		http2.SettingEnablePush,
		http2.SettingMaxConcurrentStreams,
		http2.SettingInitialWindowSize,
		http2.SettingMaxFrameSize,
		http2.SettingMaxHeaderListSize,
	}
	out := make([]byte, 0, len(s.values)*entrySize)
	for _, id := range order {
		v, ok := s.values[id]
		if !ok {
			continue
		}
		var entry [entrySize]byte
		binary.BigEndian.PutUint16(entry[0:2], uint16(id))
		binary.BigEndian.PutUint32(entry[2:6], v)
		out = append(out, entry[:]...)
	}
	return out
}

// Entries returns the announced parameters in the same order Encode uses.
func (s *Settings) Entries() []http2.Setting {
	payload := s.Encode()
	entries, _ := Decode(payload)
	return entries
}

func validate(id http2.SettingID, value uint32) error {
	switch id {
	case http2.SettingEnablePush:
		if value > 1 {
			return frame.ConnError(http2.ErrCodeProtocol,
				"ENABLE_PUSH must be 0 or 1, got %d", value)
		}
	case http2.SettingInitialWindowSize:
		if value > uint32(flow.MaxWindowSize) {
			return frame.ConnError(http2.ErrCodeFlowControl,
				"INITIAL_WINDOW_SIZE %d exceeds 2^31-1", value)
		}
	case http2.SettingMaxFrameSize:
		if value < frame.DefaultMaxFrameSize || value > frame.MaxAllowedFrameSize {
			return frame.ConnError(http2.ErrCodeProtocol,
				"MAX_FRAME_SIZE %d outside [%d, %d]", value,
				frame.DefaultMaxFrameSize, frame.MaxAllowedFrameSize)
		}
	}
	return nil
}

// String lists the announced parameters, mainly for logs.
func (s *Settings) String() string {
	return fmt.Sprintf("settings%v", s.values)
}
