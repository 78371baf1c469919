package stream

import (
	"strings"

	"github.com/dgarridom/velox/internal/h2/frame"
	"golang.org/x/net/http2"
)

// validateRequestHeaders checks a decoded request header list against the
// RFC 9113 §8.3 rules. Malformed requests are stream errors; the connection
// stays up.
func validateRequestHeaders(streamID uint32, headers [][2]string) error {
	var (
		hasMethod   bool
		hasScheme   bool
		hasPath     bool
		seenRegular bool
		seenPseudo  = make(map[string]bool)
	)

	for _, h := range headers {
		name, value := h[0], h[1]

		if name != strings.ToLower(name) {
			return frame.StreamErr(streamID, http2.ErrCodeProtocol,
				"header field name must be lowercase: %s", name)
		}

		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return frame.StreamErr(streamID, http2.ErrCodeProtocol,
					"pseudo-header %s after regular header", name)
			}
			if seenPseudo[name] {
				return frame.StreamErr(streamID, http2.ErrCodeProtocol,
					"duplicate pseudo-header: %s", name)
			}
			seenPseudo[name] = true

			switch name {
			case ":method":
				hasMethod = true
			case ":scheme":
				hasScheme = true
			case ":path":
				hasPath = true
				if value == "" {
					return frame.StreamErr(streamID, http2.ErrCodeProtocol,
						"empty :path pseudo-header")
				}
			case ":authority":
			default:
				return frame.StreamErr(streamID, http2.ErrCodeProtocol,
					"unknown pseudo-header: %s", name)
			}
			continue
		}

		seenRegular = true
		if err := checkRegularField(streamID, name, value); err != nil {
			return err
		}
	}

	if !hasMethod || !hasScheme || !hasPath {
		return frame.StreamErr(streamID, http2.ErrCodeProtocol,
			"missing required pseudo-headers (:method %t, :scheme %t, :path %t)",
			hasMethod, hasScheme, hasPath)
	}
	return nil
}

// validateTrailerHeaders checks a trailer header list. Trailers carry no
// pseudo-headers and obey the same connection-specific restrictions as
// regular fields.
func validateTrailerHeaders(streamID uint32, headers [][2]string) error {
	for _, h := range headers {
		name, value := h[0], h[1]

		if name != strings.ToLower(name) {
			return frame.StreamErr(streamID, http2.ErrCodeProtocol,
				"header field name must be lowercase: %s", name)
		}
		if strings.HasPrefix(name, ":") {
			return frame.StreamErr(streamID, http2.ErrCodeProtocol,
				"pseudo-header not allowed in trailers: %s", name)
		}
		if err := checkRegularField(streamID, name, value); err != nil {
			return err
		}
	}
	return nil
}

func checkRegularField(streamID uint32, name, value string) error {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return frame.StreamErr(streamID, http2.ErrCodeProtocol,
			"connection-specific header not allowed: %s", name)
	case "te":
		if value != "trailers" {
			return frame.StreamErr(streamID, http2.ErrCodeProtocol,
				"te header must be \"trailers\", got %q", value)
		}
	}
	return nil
}
