package chat

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	// ErrCoordinatorStopped is returned by request/response operations once
	// the coordinator loop has exited.
	ErrCoordinatorStopped = errors.New("chat: coordinator stopped")
	// ErrSessionClosed is returned by Deliver after a session started closing.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrDeliveryBufferFull is returned by Deliver when the outbound buffer is full.
	ErrDeliveryBufferFull = errors.New("chat: delivery buffer full")
)

// Notices broadcast by the coordinator.
const (
	noticeJoined       = "Someone joined"
	noticeConnected    = "Someone connected"
	noticeDisconnected = "Someone disconnected"
	noticeVisitors     = "Total visitors %d"
)

// SessionID identifies a registered session. The zero value means the
// session has not been registered.
type SessionID uuid.UUID

// NilSessionID is the id of a session that never completed registration.
var NilSessionID = SessionID(uuid.Nil)

func newSessionID() SessionID {
	return SessionID(uuid.New())
}

// String returns the canonical UUID form of the id.
func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the unregistered id.
func (id SessionID) IsNil() bool {
	return id == NilSessionID
}

// Message is one line of text delivered by the coordinator to a session.
type Message struct {
	Text string
}

// Recipient is the delivery handle the coordinator keeps for a session.
// Deliver must not block; it reports closed or saturated recipients with an
// error, which the coordinator treats as a dropped delivery.
type Recipient interface {
	Deliver(msg Message) error
}

// Registry is the coordinator protocol consumed by sessions.
type Registry interface {
	// Connect registers r and returns its id. It blocks until the
	// coordinator answers, ctx is done, or the coordinator stops.
	Connect(ctx context.Context, r Recipient) (SessionID, error)
	// Disconnect removes id from the registry and from every room.
	Disconnect(id SessionID)
	// Join moves id into room, creating the room if needed.
	Join(id SessionID, room string)
	// Send delivers text to every member of room except sender.
	Send(sender SessionID, room, text string)
	// ListRooms returns the names of all known rooms.
	ListRooms(ctx context.Context) ([]string, error)
	// Done is closed once the coordinator loop has exited.
	Done() <-chan struct{}
}

// Coordinator events. Every mutation of coordinator state is one of these,
// applied in mailbox order by the coordinator goroutine.
type (
	connectEvent struct {
		recipient Recipient
		reply     chan SessionID
	}

	disconnectEvent struct {
		id SessionID
	}

	joinEvent struct {
		id   SessionID
		room string
	}

	clientMessageEvent struct {
		sender SessionID
		room   string
		text   string
	}

	listRoomsEvent struct {
		reply chan []string
	}

	snapshotEvent struct {
		reply chan map[string][]SessionID
	}
)
