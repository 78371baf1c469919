package frame

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

// ConnectionError is fatal for the whole connection. The engine answers it
// with a GOAWAY frame carrying Code and then stops processing.
type ConnectionError struct {
	Code   http2.ErrCode
	Reason string
}

func (e *ConnectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection error: %v", e.Code)
	}
	return fmt.Sprintf("connection error: %v: %s", e.Code, e.Reason)
}

// ConnError builds a connection-fatal protocol error.
func ConnError(code http2.ErrCode, format string, args ...any) *ConnectionError {
	return &ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StreamError is fatal for a single stream. The engine answers it with a
// RST_STREAM frame and keeps the connection alive.
type StreamError struct {
	StreamID uint32
	Code     http2.ErrCode
	Reason   string
}

func (e *StreamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream %d error: %v", e.StreamID, e.Code)
	}
	return fmt.Sprintf("stream %d error: %v: %s", e.StreamID, e.Code, e.Reason)
}

// StreamErr builds a stream-fatal protocol error.
func StreamErr(streamID uint32, code http2.ErrCode, format string, args ...any) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsConnError reports whether err is (or wraps) a ConnectionError.
func AsConnError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	ok := errors.As(err, &ce)
	return ce, ok
}

// AsStreamError reports whether err is (or wraps) a StreamError.
func AsStreamError(err error) (*StreamError, bool) {
	var se *StreamError
	ok := errors.As(err, &se)
	return se, ok
}
