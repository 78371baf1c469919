// Package velox provides a server-side HTTP/2 connection engine with an
// event-driven TCP transport.
package velox

import (
	"fmt"
	"io"
	"log"
	"time"
)

// Config holds the server configuration options.
type Config struct {
	Addr         string      // Server address to bind to
	Multicore    bool        // Enable multicore mode in the event loop
	NumEventLoop int         // Number of event loops (0 for auto-detect)
	ReusePort    bool        // Enable SO_REUSEPORT for load balancing
	Logger       *log.Logger // Logger for server events

	MaxConcurrentStreams uint32 // Maximum concurrent streams per connection
	MaxFrameSize         uint32 // Maximum frame size we accept
	InitialWindowSize    uint32 // Initial flow control window size
	MaxHeaderListSize    uint32 // Maximum accepted header block size (0 = unlimited)
	HeaderTableSize      uint32 // HPACK dynamic table size

	// SendErrorDetails puts the error reason into GOAWAY debug data.
	// Useful in development, off by default.
	SendErrorDetails bool

	MaxRapidResets        int           // Resets of unused streams tolerated per check period
	RapidResetCheckPeriod time.Duration // Window for the rapid-reset counter
	MaxEmptyFrames        int           // Consecutive empty DATA frames tolerated

	WorkerPoolSize int // Size of the goroutine pool running stream handlers
}

// newSilentLogger creates a silent logger that discards all output.
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                  ":8080",
		Multicore:             true,
		NumEventLoop:          0, // Auto-detect
		ReusePort:             true,
		Logger:                newSilentLogger(),
		MaxConcurrentStreams:  100,
		MaxFrameSize:          16384,
		InitialWindowSize:     65535,
		MaxHeaderListSize:     65536,
		HeaderTableSize:       4096,
		SendErrorDetails:      false,
		MaxRapidResets:        200,
		RapidResetCheckPeriod: 10 * time.Second,
		MaxEmptyFrames:        10,
		WorkerPoolSize:        4096,
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize < 16384 || c.MaxFrameSize > (1<<24)-1 {
		return fmt.Errorf("MaxFrameSize %d outside [16384, %d]", c.MaxFrameSize, (1<<24)-1)
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.InitialWindowSize > (1<<31)-1 {
		return fmt.Errorf("InitialWindowSize %d exceeds 2^31-1", c.InitialWindowSize)
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = 4096
	}
	if c.MaxRapidResets == 0 {
		c.MaxRapidResets = 200
	}
	if c.RapidResetCheckPeriod == 0 {
		c.RapidResetCheckPeriod = 10 * time.Second
	}
	if c.MaxEmptyFrames == 0 {
		c.MaxEmptyFrames = 10
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 4096
	}
	if c.Logger == nil {
		c.Logger = newSilentLogger()
	}
	return nil
}
