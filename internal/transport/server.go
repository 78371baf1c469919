// Package transport runs the HTTP/2 connection engine on top of gnet's
// event-driven TCP server. Each accepted socket gets its own engine
// goroutine; the event loop only shovels bytes between the socket and the
// engine's inbound buffer, so slow protocol work never stalls the loop.
package transport

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dgarridom/velox/internal/h2/conn"
	"github.com/panjf2000/gnet/v2"
)

// Config holds the transport knobs.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       *log.Logger
}

// Server implements gnet.EventHandler and owns the listener lifecycle.
type Server struct {
	gnet.BuiltinEventEngine

	cfg    Config
	engCfg conn.Config
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	engine gnet.Engine

	// map[gnet.Conn]*session
	sessions sync.Map
}

// session ties one socket to its connection engine.
type session struct {
	engine  *conn.Connection
	inbound *inboundBuffer
}

// NewServer creates a transport serving engineCfg connections on cfg.Addr.
func NewServer(cfg Config, engineCfg conn.Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if engineCfg.Logger == nil {
		engineCfg.Logger = cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		engCfg: engineCfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the event loop. It blocks until Stop is called or the loop
// fails.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	s.logger.Printf("listening on %s", s.cfg.Addr)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop sends GOAWAY on every connection, waits briefly for in-flight
// streams, then tears the event loop down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.sessions.Range(func(_, value any) bool {
		value.(*session).engine.Shutdown()
		return true
	})

	deadline := time.Now().Add(500 * time.Millisecond)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for time.Now().Before(deadline) {
		busy := false
		s.sessions.Range(func(_, value any) bool {
			if !value.(*session).engine.CanInterrupt() {
				busy = true
				return false
			}
			return true
		})
		if !busy {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return s.engine.Stop(ctx)
}

// OnBoot stores the gnet engine handle for shutdown.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	return gnet.None
}

// OnOpen wires a new socket to a connection engine and starts its read
// loop on a dedicated goroutine.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	select {
	case <-s.ctx.Done():
		return nil, gnet.Close
	default:
	}

	sess := &session{inbound: newInboundBuffer()}
	sess.engine = conn.New(duplex{r: sess.inbound, w: asyncWriter{c: c}}, s.engCfg)
	c.SetContext(sess)
	s.sessions.Store(c, sess)

	go func() {
		if err := sess.engine.Handle(s.ctx); err != nil {
			s.logger.Printf("connection %s: %v", c.RemoteAddr(), err)
		}
		s.sessions.Delete(c)
		_ = c.Close()
	}()
	return nil, gnet.None
}

// OnTraffic copies inbound bytes into the engine's buffer. The slice from
// Next is only valid during this call; the buffer copies it.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	sess, ok := c.Context().(*session)
	if !ok {
		return gnet.Close
	}
	data, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	sess.inbound.Write(data)
	return gnet.None
}

// OnClose lets the engine drain out with EOF.
func (s *Server) OnClose(c gnet.Conn, _ error) gnet.Action {
	if sess, ok := c.Context().(*session); ok {
		sess.inbound.Close()
	}
	s.sessions.Delete(c)
	return gnet.None
}

// duplex joins the inbound buffer and the socket writer into the
// io.ReadWriter the engine expects.
type duplex struct {
	r io.Reader
	w io.Writer
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

// asyncWriter adapts gnet's non-blocking write API. The frame writer
// reuses its scratch buffer, so every write is copied before queueing.
type asyncWriter struct {
	c gnet.Conn
}

func (w asyncWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := w.c.AsyncWrite(buf, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}
