package chat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/observability"
)

// Coordinator owns every session registration and room membership. All
// state is confined to the goroutine running Run; the exported methods only
// post events to its mailbox, so mutations are applied one at a time in the
// order they were posted.
type Coordinator struct {
	defaultRoom string
	sessions    map[SessionID]Recipient
	rooms       map[string]map[SessionID]struct{}
	visitors    *VisitorCounter

	mailbox chan any
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ Registry = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator with the default room already present.
// The returned Coordinator does nothing until Run is called.
func NewCoordinator(cfg config.ChatConfig, visitors *VisitorCounter, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	if visitors == nil {
		visitors = NewVisitorCounter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = config.Default().Chat.MailboxSize
	}
	defaultRoom := cfg.DefaultRoom
	if defaultRoom == "" {
		defaultRoom = config.Default().Chat.DefaultRoom
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		defaultRoom: defaultRoom,
		sessions:    make(map[SessionID]Recipient),
		rooms:       map[string]map[SessionID]struct{}{defaultRoom: {}},
		visitors:    visitors,
		mailbox:     make(chan any, mailboxSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      logger.Named("coordinator"),
		metrics:     metrics,
	}
	c.metrics.Rooms.Set(1)
	return c
}

// Run consumes the mailbox until ctx is cancelled or Shutdown is called.
// It must be called once; later calls return immediately.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Warn("coordinator already running")
		return
	}
	defer close(c.done)

	c.logger.Info("coordinator started", zap.String("default_room", c.defaultRoom))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping", zap.Error(ctx.Err()), zap.Int("sessions", len(c.sessions)))
			return
		case <-c.ctx.Done():
			c.logger.Info("coordinator stopping", zap.Int("sessions", len(c.sessions)))
			return
		case ev := <-c.mailbox:
			c.handle(ev)
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown stops the loop and waits up to timeout for it to exit. Sessions
// observe Done and close their own connections.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	c.cancel()

	select {
	case <-c.done:
		c.logger.Info("coordinator shutdown completed")
		return nil
	case <-time.After(timeout):
		c.logger.Warn("coordinator shutdown timeout reached")
		return context.DeadlineExceeded
	}
}

// Connect registers r and returns its freshly assigned id.
func (c *Coordinator) Connect(ctx context.Context, r Recipient) (SessionID, error) {
	reply := make(chan SessionID, 1)
	if !c.post(connectEvent{recipient: r, reply: reply}) {
		return NilSessionID, ErrCoordinatorStopped
	}

	select {
	case id := <-reply:
		return id, nil
	case <-c.done:
		select {
		case id := <-reply:
			return id, nil
		default:
			return NilSessionID, ErrCoordinatorStopped
		}
	case <-ctx.Done():
		// The event is already queued; undo the registration once it lands.
		go c.abandon(reply)
		return NilSessionID, ctx.Err()
	}
}

func (c *Coordinator) abandon(reply <-chan SessionID) {
	select {
	case id := <-reply:
		c.Disconnect(id)
	case <-c.done:
	}
}

// Disconnect removes id from the registry and every room. Unknown ids are
// ignored, so repeated calls are harmless.
func (c *Coordinator) Disconnect(id SessionID) {
	c.post(disconnectEvent{id: id})
}

// Join moves id into room.
func (c *Coordinator) Join(id SessionID, room string) {
	c.post(joinEvent{id: id, room: room})
}

// Send delivers text to every member of room except sender.
func (c *Coordinator) Send(sender SessionID, room, text string) {
	c.post(clientMessageEvent{sender: sender, room: room, text: text})
}

// ListRooms returns all known room names in lexical order.
func (c *Coordinator) ListRooms(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if !c.post(listRoomsEvent{reply: reply}) {
		return nil, ErrCoordinatorStopped
	}
	return await(ctx, c.done, reply)
}

// Snapshot returns a copy of room membership keyed by room name.
func (c *Coordinator) Snapshot(ctx context.Context) (map[string][]SessionID, error) {
	reply := make(chan map[string][]SessionID, 1)
	if !c.post(snapshotEvent{reply: reply}) {
		return nil, ErrCoordinatorStopped
	}
	return await(ctx, c.done, reply)
}

func await[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrCoordinatorStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post queues ev and reports whether the coordinator could still accept it.
func (c *Coordinator) post(ev any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.mailbox <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) handle(ev any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic while handling event",
				zap.Any("panic", r),
				zap.String("event", fmt.Sprintf("%T", ev)),
			)
		}
	}()

	switch ev := ev.(type) {
	case connectEvent:
		c.handleConnect(ev)
	case disconnectEvent:
		c.handleDisconnect(ev)
	case joinEvent:
		c.handleJoin(ev)
	case clientMessageEvent:
		c.sendMessage(ev.room, ev.text, ev.sender)
	case listRoomsEvent:
		rooms := lo.Keys(c.rooms)
		slices.Sort(rooms)
		ev.reply <- rooms
	case snapshotEvent:
		ev.reply <- lo.MapValues(c.rooms, func(members map[SessionID]struct{}, _ string) []SessionID {
			return lo.Keys(members)
		})
	default:
		c.logger.Warn("ignoring unknown event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func (c *Coordinator) handleConnect(ev connectEvent) {
	c.sendMessage(c.defaultRoom, noticeJoined, NilSessionID)

	id := newSessionID()
	for c.isRegistered(id) || id.IsNil() {
		id = newSessionID()
	}
	c.sessions[id] = ev.recipient
	c.room(c.defaultRoom)[id] = struct{}{}

	count := c.visitors.Next()
	c.sendMessage(c.defaultRoom, fmt.Sprintf(noticeVisitors, count), id)

	c.metrics.SessionsActive.Set(float64(len(c.sessions)))
	c.logger.Info("session registered",
		zap.Stringer("session_id", id),
		zap.Int("sessions", len(c.sessions)),
	)
	ev.reply <- id
}

func (c *Coordinator) handleDisconnect(ev disconnectEvent) {
	if _, ok := c.sessions[ev.id]; !ok {
		return
	}
	delete(c.sessions, ev.id)

	for _, room := range c.leaveAll(ev.id) {
		c.sendMessage(room, noticeDisconnected, NilSessionID)
	}

	c.metrics.SessionsActive.Set(float64(len(c.sessions)))
	c.logger.Info("session unregistered",
		zap.Stringer("session_id", ev.id),
		zap.Int("sessions", len(c.sessions)),
	)
}

func (c *Coordinator) handleJoin(ev joinEvent) {
	if !c.isRegistered(ev.id) {
		c.logger.Debug("join from unregistered session", zap.Stringer("session_id", ev.id), zap.String("room", ev.room))
		return
	}

	for _, room := range c.leaveAll(ev.id) {
		c.sendMessage(room, noticeDisconnected, NilSessionID)
	}

	c.room(ev.room)[ev.id] = struct{}{}
	c.sendMessage(ev.room, noticeConnected, ev.id)

	c.logger.Debug("session joined room", zap.Stringer("session_id", ev.id), zap.String("room", ev.room))
}

func (c *Coordinator) isRegistered(id SessionID) bool {
	_, ok := c.sessions[id]
	return ok
}

// room returns the member set of name, creating the room if needed.
// Rooms are never deleted.
func (c *Coordinator) room(name string) map[SessionID]struct{} {
	members, ok := c.rooms[name]
	if !ok {
		members = make(map[SessionID]struct{})
		c.rooms[name] = members
		c.metrics.Rooms.Set(float64(len(c.rooms)))
	}
	return members
}

// leaveAll removes id from every room and returns the vacated room names.
func (c *Coordinator) leaveAll(id SessionID) []string {
	vacated := lo.Filter(lo.Keys(c.rooms), func(name string, _ int) bool {
		_, ok := c.rooms[name][id]
		return ok
	})
	slices.Sort(vacated)
	for _, name := range vacated {
		delete(c.rooms[name], id)
	}
	return vacated
}

// sendMessage delivers text to every member of room except skip. Missing
// rooms, missing handles and failed deliveries are all skipped.
func (c *Coordinator) sendMessage(room, text string, skip SessionID) {
	members, ok := c.rooms[room]
	if !ok {
		return
	}

	msg := Message{Text: text}
	for id := range members {
		if id == skip {
			continue
		}
		recipient, ok := c.sessions[id]
		if !ok {
			continue
		}
		if err := c.safeDeliver(recipient, msg); err != nil {
			c.metrics.DeliveriesDropped.Inc()
			c.logger.Debug("delivery dropped",
				zap.Stringer("session_id", id),
				zap.String("room", room),
				zap.Error(err),
			)
			continue
		}
		c.metrics.MessagesRouted.Inc()
	}
}

func (c *Coordinator) safeDeliver(r Recipient, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("recipient panicked: %v", p)
		}
	}()
	return r.Deliver(msg)
}
