package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/observability"
)

// Relay is the coordinator surface the HTTP layer depends on.
type Relay interface {
	chat.Registry
	Snapshot(ctx context.Context) (map[string][]chat.SessionID, error)
}

// Options wires a Server to the rest of the process.
type Options struct {
	Config   config.Config
	Relay    Relay
	Visitors *chat.VisitorCounter
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server serves the relay over HTTP and tracks the sessions it started.
type Server struct {
	cfg      config.Config
	relay    Relay
	visitors *chat.VisitorCounter
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// sessionCtx is cancelled on Shutdown to stop every running session.
	sessionCtx   context.Context
	stopSessions context.CancelFunc
	mu           sync.Mutex
	shuttingDown bool
	sessions     sync.WaitGroup

	logger        *zap.Logger
	sessionLogger *zap.Logger
	metrics       *observability.Metrics
	gatherer      prometheus.Gatherer
}

// New creates a Server. Nothing is listening until ListenAndServe or Serve.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	visitors := opts.Visitors
	if visitors == nil {
		visitors = chat.NewVisitorCounter()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           opts.Config,
		relay:         opts.Relay,
		visitors:      visitors,
		origins:       NewOriginPolicy(opts.Config.Security.AllowedOrigins, logger.Named("origin")),
		sessionCtx:    ctx,
		stopSessions:  cancel,
		logger:        logger.Named("http"),
		sessionLogger: logger,
		metrics:       metrics,
		gatherer:      gatherer,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.CheckOrigin,
	}
	s.httpSrv = &http.Server{
		Addr:         opts.Config.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  opts.Config.Server.ReadTimeout,
		WriteTimeout: opts.Config.Server.WriteTimeout,
		IdleTimeout:  opts.Config.Server.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.logger),
	}
	return s
}

// Handler returns the router, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe listens on the configured address and blocks until the
// server is shut down. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", zap.Stringer("addr", ln.Addr()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Shutdown stops accepting requests, closes every running session and waits
// for them to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")

	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("http server shutdown error", zap.Error(err))
	}

	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	s.stopSessions()

	finished := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("http server shutdown completed")
		return err
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for sessions to close")
		return errors.CombineErrors(err, ctx.Err())
	}
}

// startSession runs a session for conn unless the server is shutting down.
func (s *Server) startSession(conn *websocket.Conn) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.Chat.WriteTimeout))
		_ = conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	session := chat.NewSession(conn, s.relay, chat.SessionOptions{
		Chat:      s.cfg.Chat,
		RateLimit: s.cfg.RateLimit,
		Logger:    s.sessionLogger,
		Metrics:   s.metrics,
	})
	go func() {
		defer s.sessions.Done()
		session.Run(s.sessionCtx)
	}()
}
