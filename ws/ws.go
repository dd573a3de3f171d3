// Package ws is a websocket transport for package conns. Every accepted socket becomes a conns.Conn: client
// messages are decoded into user actions and every result the app sends to the session is written back.
package ws

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/kit/auth"
	"pkg.world.dev/world-engine/kit/conns"
	"pkg.world.dev/world-engine/kit/statsd"
	"pkg.world.dev/world-engine/kit/wire"
)

const (
	DefaultPath       = "/ws"
	DefaultBufferSize = 64

	shutdownTimeout = 5 * time.Second
	localUserID     = "user_id"
)

type options struct {
	path       string
	codec      wire.Codec
	authn      auth.Authenticator
	logger     zerolog.Logger
	bufferSize int
}

type Option func(*options)

// WithPath sets the route sockets are upgraded on.
func WithPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

func WithCodec(codec wire.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// WithAuthenticator resolves the user of every upgrade request. Connections are anonymous by default.
func WithAuthenticator(authn auth.Authenticator) Option {
	return func(o *options) {
		o.authn = authn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBufferSize sets the capacity of the inbound and outbound channel of every session.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// Server accepts websocket connections and hands them to the app through Conns.
type Server[Req, Res, Err any] struct {
	opts  options
	app   *fiber.App
	toErr func(wire.NetworkError) Err

	conns chan conns.Conn[Req, Res, Err]
	done  chan struct{}

	shutdownOnce sync.Once
	mu           sync.RWMutex
	closed       bool
}

// New creates a server. toErr converts the network errors reported to a client into the app's error type.
func New[Req, Res, Err any](toErr func(wire.NetworkError) Err, opts ...Option) *Server[Req, Res, Err] {
	o := options{
		path:       DefaultPath,
		codec:      wire.JSONCodec{},
		authn:      auth.Anonymous,
		logger:     zerolog.Nop(),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server[Req, Res, Err]{
		opts: o,
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		toErr: toErr,
		conns: make(chan conns.Conn[Req, Res, Err], o.bufferSize),
		done:  make(chan struct{}),
	}
	s.app.Use(o.path, s.upgrade)
	s.app.Get(o.path, websocket.New(s.handle))
	return s
}

// Conns returns the channel new sessions are sent on. It is closed by Shutdown.
func (s *Server[Req, Res, Err]) Conns() <-chan conns.Conn[Req, Res, Err] {
	return s.conns
}

// Listen serves on addr until Shutdown is called.
func (s *Server[Req, Res, Err]) Listen(addr string) error {
	s.opts.logger.Info().Str("addr", addr).Str("path", s.opts.path).Msg("websocket server listening")
	if err := s.app.Listen(addr); err != nil {
		return eris.Wrap(err, "websocket server stopped")
	}
	return nil
}

// Shutdown closes every open socket, stops the listener and closes the Conns channel.
func (s *Server[Req, Res, Err]) Shutdown() error {
	s.shutdownOnce.Do(func() {
		// Handing over a connection holds the read lock until done is closed.
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.conns)
		s.mu.Unlock()
	})

	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return eris.Wrap(err, "failed to shut down websocket server")
	}
	return nil
}

func (s *Server[Req, Res, Err]) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	user, err := s.opts.authn(c)
	if err != nil {
		s.opts.logger.Debug().Err(err).Str("addr", c.IP()).Msg("rejected connection")
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals(localUserID, user)
	return c.Next()
}

// hand gives conn to the app. It fails once the server is shut down.
func (s *Server[Req, Res, Err]) hand(conn conns.Conn[Req, Res, Err]) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.conns <- conn:
		return true
	case <-s.done:
		return false
	}
}

// handle serves one socket. The socket must not be used once handle returns, so the writer is always stopped
// first.
func (s *Server[Req, Res, Err]) handle(c *websocket.Conn) {
	user, _ := c.Locals(localUserID).(wire.UserID)
	addr := c.RemoteAddr().String()
	logger := s.opts.logger.With().Str("addr", addr).Stringer("user_id", user).Logger()

	in := make(chan conns.ExternalReq[Req], s.opts.bufferSize)
	out := make(chan wire.Result[wire.TimestampedEvent[Res], Err], s.opts.bufferSize)
	if !s.hand(conns.Conn[Req, Res, Err]{UserID: user, Addr: addr, In: in, Out: out}) {
		logger.Debug().Msg("server is shutting down, dropping connection")
		return
	}
	statsd.EmitCount("ws.connected", 1)

	invalid := make(chan Err, s.opts.bufferSize)
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.write(c, &logger, out, invalid, stop)
	}()

	s.read(c, &logger, in, invalid, writerDone)
	close(in)
	close(stop)
	<-writerDone
	statsd.EmitCount("ws.disconnected", 1)
}

// read decodes client messages until the socket fails or the writer gave up on it.
func (s *Server[Req, Res, Err]) read(
	c *websocket.Conn,
	logger *zerolog.Logger,
	in chan<- conns.ExternalReq[Req],
	invalid chan<- Err,
	writerDone <-chan struct{},
) {
	for {
		kind, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("socket error")
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		var action Req
		if err := s.opts.codec.Unmarshal(data, &action); err != nil {
			logger.Debug().Err(err).Msg("invalid message")
			netErr := wire.NetworkError{Kind: wire.InvalidMessage, Message: err.Error()}
			select {
			case invalid <- s.toErr(netErr):
			default:
			}
			continue
		}

		select {
		case in <- conns.UserAction(action):
		case <-writerDone:
			return
		case <-s.done:
			return
		}
	}
}

// write sends every result of the session as a binary frame. It closes the socket when the app closes the
// session or the server shuts down.
func (s *Server[Req, Res, Err]) write(
	c *websocket.Conn,
	logger *zerolog.Logger,
	out <-chan wire.Result[wire.TimestampedEvent[Res], Err],
	invalid <-chan Err,
	stop <-chan struct{},
) {
	for {
		var msg wire.Result[wire.TimestampedEvent[Res], Err]
		select {
		case m, ok := <-out:
			if !ok {
				s.close(c, logger)
				return
			}
			msg = m
		case e := <-invalid:
			msg = wire.Fail[wire.TimestampedEvent[Res]](e)
		case <-s.done:
			s.close(c, logger)
			return
		case <-stop:
			return
		}

		bz, err := s.opts.codec.Marshal(msg)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to encode message")
			continue
		}
		if err := c.WriteMessage(websocket.BinaryMessage, bz); err != nil {
			logger.Debug().Err(err).Msg("socket error")
			s.close(c, logger)
			return
		}
	}
}

func (s *Server[Req, Res, Err]) close(c *websocket.Conn, logger *zerolog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err := c.Close(); err != nil {
		logger.Trace().Err(err).Msg("failed to close socket")
	}
}
