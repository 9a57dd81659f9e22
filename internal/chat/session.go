package chat

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/observability"
)

// Conn is the part of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
	RemoteAddr() net.Addr
}

var _ Conn = (*websocket.Conn)(nil)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Chat      config.ChatConfig
	RateLimit config.RateLimitConfig
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	// Clock overrides time.Now for heartbeat bookkeeping.
	Clock func() time.Time
}

// frame is one inbound websocket message, or the read error that ended the
// reader.
type frame struct {
	kind int
	data []byte
	err  error
}

// Session serves one client connection. Its protocol state is owned by the
// goroutine running Run; the reader goroutine and the coordinator only talk
// to it through channels.
type Session struct {
	conn     Conn
	registry Registry
	cfg      config.ChatConfig
	addr     string

	// Owned by the Run goroutine.
	id            SessionID
	room          string
	name          string
	lastHeartbeat time.Time
	limiter       *tokenBucket
	closeCode     int

	inbound   chan frame
	outbound  chan Message
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	now     func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ Recipient = (*Session)(nil)

// NewSession creates a Session for conn. The session does nothing until Run
// is called.
func NewSession(conn Conn, registry Registry, opts SessionOptions) *Session {
	cfg := opts.Chat
	defaults := config.Default().Chat
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = defaults.DefaultRoom
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = defaults.ClientTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = defaults.RegisterTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}

	addr := "unknown"
	if conn != nil && conn.RemoteAddr() != nil {
		addr = conn.RemoteAddr().String()
	}

	return &Session{
		conn:          conn,
		registry:      registry,
		cfg:           cfg,
		addr:          addr,
		room:          cfg.DefaultRoom,
		closeCode:     websocket.CloseNormalClosure,
		lastHeartbeat: now(),
		limiter:       newTokenBucket(opts.RateLimit, now),
		inbound:       make(chan frame),
		outbound:      make(chan Message, cfg.SendBuffer),
		done:          make(chan struct{}),
		now:           now,
		logger:        logger.Named("session").With(zap.String("remote_addr", addr)),
		metrics:       metrics,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Deliver queues msg for the peer without blocking.
func (s *Session) Deliver(msg Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrDeliveryBufferFull
	}
}

// Run registers the session, serves the connection and tears everything
// down when the peer leaves, the heartbeat fails, the coordinator stops or
// ctx is cancelled. It returns once the session is closed.
func (s *Session) Run(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetPingHandler(func(appData string) error {
		s.push(frame{kind: websocket.PingMessage, data: []byte(appData)})
		return nil
	})
	s.conn.SetPongHandler(func(appData string) error {
		s.push(frame{kind: websocket.PongMessage, data: []byte(appData)})
		return nil
	})

	if !s.register(ctx) {
		return
	}
	s.state.Store(int32(StateActive))

	go s.readLoop()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for s.step(ctx, ticker.C) {
	}
}

// register blocks until the coordinator assigns an id.
func (s *Session) register(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RegisterTimeout)
	defer cancel()

	id, err := s.registry.Connect(ctx, s)
	if err != nil {
		s.logger.Warn("session registration failed", zap.Error(err))
		return false
	}
	s.id = id
	s.logger = s.logger.With(zap.Stringer("session_id", id))
	s.logger.Debug("session registered", zap.String("room", s.room))
	return true
}

// step handles one event and reports whether the session should keep running.
func (s *Session) step(ctx context.Context, tick <-chan time.Time) bool {
	select {
	case <-ctx.Done():
		s.logger.Debug("session stopped by server")
		return false
	case <-s.registry.Done():
		s.logger.Debug("session stopped by coordinator shutdown")
		return false
	case f := <-s.inbound:
		return s.handleFrame(ctx, f)
	case msg := <-s.outbound:
		return s.writeText(msg.Text)
	case <-tick:
		return s.checkHeartbeat()
	}
}

func (s *Session) readLoop() {
	for {
		kind, data, err := s.conn.ReadMessage()
		if !s.push(frame{kind: kind, data: data, err: err}) || err != nil {
			return
		}
	}
}

// push hands f to the Run goroutine unless the session is closing.
func (s *Session) push(f frame) bool {
	select {
	case s.inbound <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) handleFrame(ctx context.Context, f frame) bool {
	if f.err != nil {
		s.logReadError(f.err)
		return false
	}

	switch f.kind {
	case websocket.PingMessage:
		s.lastHeartbeat = s.now()
		return s.write(websocket.PongMessage, f.data)
	case websocket.PongMessage:
		s.lastHeartbeat = s.now()
		return true
	case websocket.TextMessage:
		if !utf8.Valid(f.data) {
			s.logger.Warn("invalid utf-8 in text frame, closing", zap.Int("bytes", len(f.data)))
			s.closeCode = websocket.CloseInvalidFramePayloadData
			return false
		}
		return s.handleText(ctx, string(f.data))
	case websocket.BinaryMessage:
		s.logger.Debug("ignoring binary frame", zap.Int("bytes", len(f.data)))
		return true
	default:
		s.logger.Warn("unexpected frame type, closing", zap.Int("type", f.kind))
		return false
	}
}

// handleText runs a command or relays a chat line. Only chat lines fan out
// to other sessions, so only they are rate limited; commands are always
// answered.
func (s *Session) handleText(ctx context.Context, text string) bool {
	cmd := parseCommand(text)
	if cmd.kind == commandChat {
		if !s.limiter.allow() {
			s.logger.Warn("rate limit exceeded; discarding message")
			return true
		}
	} else {
		s.metrics.Commands.WithLabelValues(cmd.kind.String()).Inc()
	}

	switch cmd.kind {
	case commandList:
		return s.listRooms(ctx)
	case commandJoin:
		if cmd.arg == "" {
			return s.writeText(replyRoomRequired)
		}
		s.room = cmd.arg
		s.registry.Join(s.id, s.room)
		return s.writeText(replyJoined)
	case commandName:
		if cmd.arg == "" {
			return s.writeText(replyNameRequired)
		}
		s.name = cmd.arg
		return true
	case commandUnknown:
		return s.writeText(unknownCommandReply(cmd.text))
	default:
		s.registry.Send(s.id, s.room, chatLine(s.name, cmd.text))
		return true
	}
}

// listRooms waits for the coordinator's answer; no other frame of this
// session is processed meanwhile.
func (s *Session) listRooms(ctx context.Context) bool {
	rooms, err := s.registry.ListRooms(ctx)
	if err != nil {
		s.logger.Warn("listing rooms failed", zap.Error(err))
		return true
	}
	for _, room := range rooms {
		if !s.writeText(room) {
			return false
		}
	}
	return true
}

func (s *Session) checkHeartbeat() bool {
	if s.now().Sub(s.lastHeartbeat) > s.cfg.ClientTimeout {
		s.metrics.HeartbeatTimeouts.Inc()
		s.logger.Info("client heartbeat failed, disconnecting",
			zap.Duration("silence", s.now().Sub(s.lastHeartbeat)),
		)
		return false
	}
	return s.write(websocket.PingMessage, nil)
}

func (s *Session) writeText(text string) bool {
	return s.write(websocket.TextMessage, []byte(text))
}

func (s *Session) write(kind int, data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(kind, data); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("error writing frame", zap.Int("type", kind), zap.Error(err))
		}
		return false
	}
	return true
}

// close moves the session to Closed exactly once, whatever ended it.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)

		if !s.id.IsNil() {
			s.registry.Disconnect(s.id)
		}

		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(s.closeCode, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection", zap.Error(err))
		}

		s.state.Store(int32(StateClosed))
		s.logger.Info("session closed", zap.String("room", s.room))
	})
}

// logReadError logs why the reader stopped at a level matching the cause.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("message exceeded maximum size", zap.Int64("max_bytes", s.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.logger.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		s.logger.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err):
		s.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		s.logger.Warn("websocket protocol error", zap.Error(err))
	}
}

// isExpectedCloseError reports errors that are normal while a connection is
// going away.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}
