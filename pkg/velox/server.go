package velox

import (
	"context"
	"errors"

	"github.com/dgarridom/velox/internal/date"
	"github.com/dgarridom/velox/internal/h2/conn"
	"github.com/dgarridom/velox/internal/transport"
	"github.com/panjf2000/ants/v2"
)

var errHeadersSent = errors.New("response headers already sent")

// Server serves HTTP/2 over cleartext TCP with prior knowledge.
type Server struct {
	config   Config
	pool     *ants.Pool
	trans    *transport.Server
	stopDate func()
}

// New creates a server running handler. The configuration is validated and
// normalized in place.
func New(handler Handler, config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Nonblocking: a saturated pool refuses new streams instead of
	// stalling the connection read loop.
	pool, err := ants.NewPool(config.WorkerPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	engineCfg := conn.Config{
		Logger:                config.Logger,
		Handler:               streamHandlerAdapter{handler: handler},
		Executor:              pool,
		MaxConcurrentStreams:  config.MaxConcurrentStreams,
		MaxFrameSize:          config.MaxFrameSize,
		InitialWindowSize:     config.InitialWindowSize,
		MaxHeaderListSize:     config.MaxHeaderListSize,
		HeaderTableSize:       config.HeaderTableSize,
		SendErrorDetails:      config.SendErrorDetails,
		MaxRapidResets:        config.MaxRapidResets,
		RapidResetCheckPeriod: config.RapidResetCheckPeriod,
		MaxEmptyFrames:        config.MaxEmptyFrames,
	}
	trans := transport.NewServer(transport.Config{
		Addr:         config.Addr,
		Multicore:    config.Multicore,
		NumEventLoop: config.NumEventLoop,
		ReusePort:    config.ReusePort,
		Logger:       config.Logger,
	}, engineCfg)

	return &Server{
		config:   config,
		pool:     pool,
		trans:    trans,
		stopDate: date.StartTicker(),
	}, nil
}

// ListenAndServe blocks serving connections until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.trans.Start()
}

// Shutdown sends GOAWAY on all connections, waits for in-flight streams
// within the context deadline and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.trans.Stop(ctx)
	s.pool.Release()
	s.stopDate()
	return err
}
