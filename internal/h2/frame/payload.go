package frame

import (
	"encoding/binary"

	"golang.org/x/net/http2"
)

// Frame size bounds for the SETTINGS_MAX_FRAME_SIZE parameter.
const (
	DefaultMaxFrameSize uint32 = 16_384
	MaxAllowedFrameSize uint32 = 1<<24 - 1
)

// Priority carries the fields of a PRIORITY frame or of the priority block
// prefixed to a HEADERS frame. It is recorded but never acted on.
type Priority struct {
	DependsOn uint32
	Exclusive bool
	Weight    uint8
}

// ParsePriority decodes a PRIORITY frame payload.
func ParsePriority(streamID uint32, payload []byte) (Priority, error) {
	if len(payload) != 5 {
		return Priority{}, StreamErr(streamID, http2.ErrCodeFrameSize,
			"PRIORITY frame length %d, must be 5", len(payload))
	}
	return parsePriorityBlock(payload), nil
}

func parsePriorityBlock(b []byte) Priority {
	dep := binary.BigEndian.Uint32(b[0:4])
	return Priority{
		DependsOn: dep & 0x7fffffff,
		Exclusive: dep&0x80000000 != 0,
		Weight:    b[4],
	}
}

// ParseWindowUpdate decodes a WINDOW_UPDATE payload. A zero increment is a
// protocol violation regardless of scope.
func ParseWindowUpdate(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ConnError(http2.ErrCodeFrameSize,
			"WINDOW_UPDATE frame length %d, must be 4", len(payload))
	}
	increment := binary.BigEndian.Uint32(payload) & 0x7fffffff
	if increment == 0 {
		return 0, ConnError(http2.ErrCodeProtocol, "window size increment cannot be 0")
	}
	return increment, nil
}

// ParseRSTStream decodes a RST_STREAM payload into its error code.
func ParseRSTStream(payload []byte) (http2.ErrCode, error) {
	if len(payload) != 4 {
		return 0, ConnError(http2.ErrCodeFrameSize,
			"RST_STREAM frame length %d, must be 4", len(payload))
	}
	return http2.ErrCode(binary.BigEndian.Uint32(payload)), nil
}

// ParsePing decodes a PING payload.
func ParsePing(payload []byte) ([8]byte, error) {
	var data [8]byte
	if len(payload) != 8 {
		return data, ConnError(http2.ErrCodeFrameSize,
			"PING frame length %d, must be 8", len(payload))
	}
	copy(data[:], payload)
	return data, nil
}

// GoAway carries the decoded fields of a GOAWAY frame.
type GoAway struct {
	LastStreamID uint32
	Code         http2.ErrCode
	DebugData    []byte
}

// ParseGoAway decodes a GOAWAY payload.
func ParseGoAway(payload []byte) (GoAway, error) {
	if len(payload) < 8 {
		return GoAway{}, ConnError(http2.ErrCodeFrameSize,
			"GOAWAY frame length %d, must be at least 8", len(payload))
	}
	return GoAway{
		LastStreamID: binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff,
		Code:         http2.ErrCode(binary.BigEndian.Uint32(payload[4:8])),
		DebugData:    payload[8:],
	}, nil
}

// ParseData strips the padding envelope from a DATA payload. Flow control
// accounting uses the full framed length, not the length returned here.
func ParseData(h Header, payload []byte) ([]byte, error) {
	if !h.Flag(http2.FlagDataPadded) {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, ConnError(http2.ErrCodeProtocol, "padded DATA frame with empty payload")
	}
	padLen := int(payload[0])
	if padLen >= len(payload) {
		return nil, ConnError(http2.ErrCodeProtocol,
			"DATA pad length %d not smaller than payload %d", padLen, len(payload))
	}
	return payload[1 : len(payload)-padLen], nil
}

// ParseHeadersPayload strips the padding and priority prefixes from a
// HEADERS payload and returns the header block fragment. The priority
// pointer is nil when the PRIORITY flag is absent.
func ParseHeadersPayload(h Header, payload []byte) ([]byte, *Priority, error) {
	rest := payload
	padLen := 0
	if h.Flag(http2.FlagHeadersPadded) {
		if len(rest) < 1 {
			return nil, nil, ConnError(http2.ErrCodeProtocol, "padded HEADERS frame with empty payload")
		}
		padLen = int(rest[0])
		rest = rest[1:]
	}
	var prio *Priority
	if h.Flag(http2.FlagHeadersPriority) {
		if len(rest) < 5 {
			return nil, nil, ConnError(http2.ErrCodeFrameSize, "HEADERS priority block truncated")
		}
		p := parsePriorityBlock(rest[:5])
		prio = &p
		rest = rest[5:]
	}
	if padLen > len(rest) {
		return nil, nil, ConnError(http2.ErrCodeProtocol,
			"HEADERS pad length %d exceeds remaining payload %d", padLen, len(rest))
	}
	return rest[:len(rest)-padLen], prio, nil
}
