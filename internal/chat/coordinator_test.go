package chat

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/observability"
)

// recorder is a Recipient that keeps every delivered line.
type recorder struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (r *recorder) Deliver(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.lines = append(r.lines, msg.Text)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lines)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}

type panicRecipient struct{}

func (panicRecipient) Deliver(Message) error { panic("boom") }

func newTestCoordinator(t testing.TB) (*Coordinator, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := NewCoordinator(config.Default().Chat, NewVisitorCounter(), zaptest.NewLogger(t), metrics)
	go c.Run(context.Background())
	t.Cleanup(func() {
		_ = c.Shutdown(time.Second)
	})
	return c, metrics
}

func connect(t testing.TB, c *Coordinator, r Recipient) SessionID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := c.Connect(ctx, r)
	require.NoError(t, err)
	return id
}

// flush returns once every event posted before it has been applied.
func flush(t testing.TB, c *Coordinator) map[string][]SessionID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func TestNewCoordinatorSeedsDefaultRoom(t *testing.T) {
	c, metrics := newTestCoordinator(t)

	rooms, err := c.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Main"}, rooms)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Rooms))
}

func TestConnectAssignsUniqueIDs(t *testing.T) {
	c, metrics := newTestCoordinator(t)

	seen := make(map[SessionID]struct{})
	for range 50 {
		id := connect(t, c, &recorder{})
		require.False(t, id.IsNil())
		_, dup := seen[id]
		require.False(t, dup, "id %s assigned twice", id)
		seen[id] = struct{}{}
	}

	snap := flush(t, c)
	assert.Len(t, snap["Main"], 50)
	assert.Equal(t, float64(50), testutil.ToFloat64(metrics.SessionsActive))
}

func TestConnectBroadcastsNotices(t *testing.T) {
	c, _ := newTestCoordinator(t)

	a := &recorder{}
	connect(t, c, a)
	b := &recorder{}
	connect(t, c, b)
	flush(t, c)

	assert.Equal(t, []string{"Someone joined", "Total visitors 1"}, a.texts())
	assert.Empty(t, b.texts(), "the new session must not see its own visitor notice")
}

func TestJoinMovesSessionBetweenRooms(t *testing.T) {
	c, metrics := newTestCoordinator(t)

	a, b := &recorder{}, &recorder{}
	idA := connect(t, c, a)
	idB := connect(t, c, b)
	flush(t, c)
	a.reset()
	b.reset()

	c.Join(idB, "Lobby")
	c.Join(idA, "Lobby")
	snap := flush(t, c)

	assert.Empty(t, snap["Main"])
	assert.ElementsMatch(t, []SessionID{idA, idB}, snap["Lobby"])
	assert.Equal(t, []string{"Someone disconnected"}, a.texts(), "A was left behind in Main")
	assert.Equal(t, []string{"Someone connected"}, b.texts())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Rooms))

	b.reset()
	c.Join(idA, "Other")
	snap = flush(t, c)

	assert.Equal(t, []SessionID{idB}, snap["Lobby"])
	assert.Equal(t, []SessionID{idA}, snap["Other"])
	assert.Equal(t, []string{"Someone disconnected"}, b.texts())
}

func TestJoinSameRoomKeepsSingleMembership(t *testing.T) {
	c, _ := newTestCoordinator(t)

	id := connect(t, c, &recorder{})
	c.Join(id, "Main")
	c.Join(id, "Main")
	snap := flush(t, c)

	assert.Equal(t, []SessionID{id}, snap["Main"])
}

func TestJoinFromUnregisteredSessionIsIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Join(newSessionID(), "Ghost")
	rooms, err := c.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Main"}, rooms)
}

func TestSendSkipsSenderAndOtherRooms(t *testing.T) {
	c, metrics := newTestCoordinator(t)

	a, b, other := &recorder{}, &recorder{}, &recorder{}
	idA := connect(t, c, a)
	idB := connect(t, c, b)
	idOther := connect(t, c, other)
	c.Join(idA, "Lobby")
	c.Join(idB, "Lobby")
	c.Join(idOther, "Elsewhere")
	flush(t, c)
	a.reset()
	b.reset()
	other.reset()
	routedBefore := testutil.ToFloat64(metrics.MessagesRouted)

	c.Send(idA, "Lobby", "hello")
	flush(t, c)

	assert.Equal(t, []string{"hello"}, b.texts())
	assert.Empty(t, a.texts())
	assert.Empty(t, other.texts())
	assert.Equal(t, routedBefore+1, testutil.ToFloat64(metrics.MessagesRouted))
}

func TestSendToMissingRoomIsDropped(t *testing.T) {
	c, _ := newTestCoordinator(t)

	a := &recorder{}
	id := connect(t, c, a)
	c.Send(id, "Nowhere", "hello")

	rooms, err := c.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Main"}, rooms)
	assert.Empty(t, a.texts())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, metrics := newTestCoordinator(t)

	a, b := &recorder{}, &recorder{}
	idA := connect(t, c, a)
	idB := connect(t, c, b)
	flush(t, c)
	a.reset()
	b.reset()

	c.Disconnect(idA)
	c.Disconnect(idA)
	c.Disconnect(NilSessionID)
	c.Send(idB, "Main", "anyone there?")
	snap := flush(t, c)

	assert.NotContains(t, snap["Main"], idA)
	assert.Equal(t, []string{"Someone disconnected"}, b.texts())
	assert.Empty(t, a.texts(), "a departed session receives nothing")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SessionsActive))
}

func TestRoomsAreNeverDeleted(t *testing.T) {
	c, _ := newTestCoordinator(t)

	id := connect(t, c, &recorder{})
	c.Join(id, "Zeta")
	c.Join(id, "Alpha")
	c.Disconnect(id)

	rooms, err := c.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Main", "Zeta"}, rooms)
}

func TestFailingRecipientsDoNotStopFanOut(t *testing.T) {
	c, metrics := newTestCoordinator(t)

	healthy := &recorder{}
	full := &recorder{err: ErrDeliveryBufferFull}
	idSender := connect(t, c, &recorder{})
	connect(t, c, panicRecipient{})
	connect(t, c, full)
	connect(t, c, healthy)
	flush(t, c)
	healthy.reset()
	droppedBefore := testutil.ToFloat64(metrics.DeliveriesDropped)

	c.Send(idSender, "Main", "still here")
	flush(t, c)

	assert.Equal(t, []string{"still here"}, healthy.texts())
	assert.Equal(t, droppedBefore+2, testutil.ToFloat64(metrics.DeliveriesDropped))
}

func TestShutdownStopsCoordinator(t *testing.T) {
	c := NewCoordinator(config.Default().Chat, nil, zaptest.NewLogger(t), nil)
	go c.Run(context.Background())

	connect(t, c, &recorder{})
	require.NoError(t, c.Shutdown(time.Second))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	_, err := c.Connect(context.Background(), &recorder{})
	assert.ErrorIs(t, err, ErrCoordinatorStopped)
	_, err = c.ListRooms(context.Background())
	assert.ErrorIs(t, err, ErrCoordinatorStopped)

	// Fire-and-forget operations are dropped silently.
	c.Join(newSessionID(), "Lobby")
	c.Send(newSessionID(), "Main", "late")
	c.Disconnect(newSessionID())
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	c := NewCoordinator(config.Default().Chat, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop after context cancellation")
	}
}

func TestConnectCancelledBeforeReplyIsUndone(t *testing.T) {
	c := NewCoordinator(config.Default().Chat, nil, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = c.Shutdown(time.Second) })

	// The loop is not running yet, so the request sits in the mailbox.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Connect(ctx, &recorder{})
	require.ErrorIs(t, err, context.Canceled)

	go c.Run(context.Background())

	require.Eventually(t, func() bool {
		snap, err := c.Snapshot(context.Background())
		return err == nil && len(snap["Main"]) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentSessions(t *testing.T) {
	c, metrics := newTestCoordinator(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.Connect(context.Background(), &recorder{})
			if !assert.NoError(t, err) {
				return
			}
			room := fmt.Sprintf("room-%d", i%4)
			c.Join(id, room)
			c.Send(id, room, "hi")
			_, err = c.ListRooms(context.Background())
			assert.NoError(t, err)
			c.Disconnect(id)
		}()
	}
	wg.Wait()

	snap := flush(t, c)
	for room, members := range snap {
		assert.Empty(t, members, "room %s still has members", room)
	}
	assert.Len(t, snap, 5)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.SessionsActive))
}

// TestMembershipInvariants drives random event sequences and checks that
// every registered session sits in exactly one room, that no unregistered
// session sits in any room, and that no room ever disappears.
func TestMembershipInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCoordinator(config.Default().Chat, nil, nil, nil)
		go c.Run(context.Background())
		defer func() { _ = c.Shutdown(time.Second) }()

		roomGen := rapid.SampledFrom([]string{"Main", "Lobby", "Games", "Music"})
		var live, gone []SessionID
		everJoined := map[string]struct{}{"Main": {}}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for range steps {
			switch op := rapid.IntRange(0, 3).Draw(t, "op"); {
			case op == 0 || len(live) == 0:
				id, err := c.Connect(context.Background(), &recorder{})
				if err != nil {
					t.Fatalf("connect: %v", err)
				}
				live = append(live, id)
			case op == 1:
				i := rapid.IntRange(0, len(live)-1).Draw(t, "joiner")
				room := roomGen.Draw(t, "room")
				c.Join(live[i], room)
				everJoined[room] = struct{}{}
			case op == 2:
				i := rapid.IntRange(0, len(live)-1).Draw(t, "sender")
				c.Send(live[i], roomGen.Draw(t, "target"), "msg")
			default:
				i := rapid.IntRange(0, len(live)-1).Draw(t, "leaver")
				c.Disconnect(live[i])
				gone = append(gone, live[i])
				live = slices.Delete(live, i, i+1)
			}
		}

		snap, err := c.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}

		memberships := make(map[SessionID]int)
		for _, members := range snap {
			for _, id := range members {
				memberships[id]++
			}
		}
		for _, id := range live {
			if memberships[id] != 1 {
				t.Fatalf("session %s is in %d rooms", id, memberships[id])
			}
		}
		for _, id := range gone {
			if memberships[id] != 0 {
				t.Fatalf("disconnected session %s still in %d rooms", id, memberships[id])
			}
		}
		for room := range everJoined {
			if _, ok := snap[room]; !ok {
				t.Fatalf("room %q disappeared", room)
			}
		}
	})
}

func TestVisitorCounter(t *testing.T) {
	v := NewVisitorCounter()
	assert.Equal(t, int64(0), v.Next())
	assert.Equal(t, int64(1), v.Next())
	assert.Equal(t, int64(2), v.Load())
}

func TestVisitorCountSharedAcrossConnects(t *testing.T) {
	visitors := NewVisitorCounter()
	c := NewCoordinator(config.Default().Chat, visitors, nil, nil)
	go c.Run(context.Background())
	t.Cleanup(func() { _ = c.Shutdown(time.Second) })

	for range 3 {
		connect(t, c, &recorder{})
	}
	assert.Equal(t, int64(3), visitors.Load())
}
