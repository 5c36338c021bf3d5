package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crew-chat-service/internal/mocks"
	"crew-chat-service/internal/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.GroupEvent
}

func (l *eventLog) Publish(_ context.Context, ev models.GroupEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []models.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRegistry(ttl time.Duration) (*Registry, *eventLog, *clock) {
	events := &eventLog{}
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(events, ttl, zerolog.Nop())
	r.now = clk.now
	return r, events, clk
}

func TestHeartbeatJoinsOnce(t *testing.T) {
	r, events, clk := newRegistry(30 * time.Second)
	ctx := context.Background()

	require.True(t, r.Heartbeat(ctx, 1, 7, models.Sender{}))
	clk.advance(10 * time.Second)
	require.False(t, r.Heartbeat(ctx, 1, 7, models.KnownSender(7, models.Profile{Name: "ada"})))

	require.Equal(t, []models.EventType{models.EventPresenceJoin}, events.types())

	snap := r.Snapshot(ctx, 1)
	require.Len(t, snap, 1)
	require.Equal(t, clk.t, snap[7].LastHeartbeat)
	require.Equal(t, "ada", snap[7].Sender.Name)
}

func TestUnknownSenderDoesNotOverwriteKnown(t *testing.T) {
	r, _, _ := newRegistry(30 * time.Second)
	ctx := context.Background()

	r.Heartbeat(ctx, 1, 7, models.KnownSender(7, models.Profile{Name: "ada"}))
	r.Heartbeat(ctx, 1, 7, models.UnknownSender(7))

	require.Equal(t, models.SenderKnown, r.Snapshot(ctx, 1)[7].Sender.Kind)
}

func TestExpireStale(t *testing.T) {
	r, events, clk := newRegistry(30 * time.Second)
	ctx := context.Background()

	r.Heartbeat(ctx, 1, 7, models.Sender{})
	clk.advance(20 * time.Second)
	r.Heartbeat(ctx, 1, 8, models.Sender{})
	clk.advance(15 * time.Second)

	expired := r.ExpireStale(ctx, clk.t)
	require.Len(t, expired, 1)
	require.Equal(t, int64(7), expired[0].UserID)
	require.Equal(t, []models.EventType{models.EventPresenceJoin, models.EventPresenceJoin, models.EventPresenceLeave}, events.types())

	snap := r.Snapshot(ctx, 1)
	require.Len(t, snap, 1)
	require.Contains(t, snap, int64(8))
}

func TestExpiryAtExactlyTTLKeepsEntry(t *testing.T) {
	r, _, clk := newRegistry(30 * time.Second)
	ctx := context.Background()

	r.Heartbeat(ctx, 1, 7, models.Sender{})
	clk.advance(30 * time.Second)
	require.Empty(t, r.ExpireStale(ctx, clk.t))
}

func TestSnapshotEvictsLazily(t *testing.T) {
	r, events, clk := newRegistry(time.Second)
	ctx := context.Background()

	r.Heartbeat(ctx, 1, 7, models.Sender{})
	clk.advance(2 * time.Second)

	require.Empty(t, r.Snapshot(ctx, 1))
	require.Equal(t, []models.EventType{models.EventPresenceJoin, models.EventPresenceLeave}, events.types())
}

func TestHeartbeatAfterExpiryRejoins(t *testing.T) {
	r, events, clk := newRegistry(time.Second)
	ctx := context.Background()

	require.True(t, r.Heartbeat(ctx, 1, 7, models.Sender{}))
	clk.advance(2 * time.Second)
	require.True(t, r.Heartbeat(ctx, 1, 7, models.Sender{}))

	require.Equal(t, []models.EventType{models.EventPresenceJoin, models.EventPresenceLeave, models.EventPresenceJoin}, events.types())
}

func TestOnDisconnect(t *testing.T) {
	r, events, _ := newRegistry(time.Minute)
	ctx := context.Background()

	require.False(t, r.OnDisconnect(ctx, 1, 7))
	r.Heartbeat(ctx, 1, 7, models.Sender{})
	require.True(t, r.OnDisconnect(ctx, 1, 7))
	require.Empty(t, r.Snapshot(ctx, 1))
	require.Equal(t, []models.EventType{models.EventPresenceJoin, models.EventPresenceLeave}, events.types())
}

func TestPurgeGroupIsSilent(t *testing.T) {
	r, events, _ := newRegistry(time.Minute)
	ctx := context.Background()

	r.Heartbeat(ctx, 1, 7, models.Sender{})
	r.Heartbeat(ctx, 2, 7, models.Sender{})
	require.NoError(t, r.PurgeGroup(ctx, 1))

	require.Empty(t, r.Snapshot(ctx, 1))
	require.Len(t, r.Snapshot(ctx, 2), 1)
	require.Len(t, events.types(), 2)
}

func TestConcurrentHeartbeatsJoinOnce(t *testing.T) {
	r, events, _ := newRegistry(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Heartbeat(ctx, 1, 7, models.Sender{})
		}()
	}
	wg.Wait()

	require.Equal(t, []models.EventType{models.EventPresenceJoin}, events.types())
}

func TestLeaveEventCarriesEntry(t *testing.T) {
	sink := new(mocks.EventSinkMock)
	r := NewRegistry(sink, time.Minute, zerolog.Nop())
	ctx := context.Background()

	sink.On("Publish", ctx, mock.MatchedBy(func(ev models.GroupEvent) bool {
		return ev.Type == models.EventPresenceJoin
	})).Return().Once()
	sink.On("Publish", ctx, mock.MatchedBy(func(ev models.GroupEvent) bool {
		return ev.Type == models.EventPresenceLeave && ev.GroupID == 5 &&
			ev.Presence != nil && ev.Presence.UserID == 8
	})).Return().Once()

	require.True(t, r.Heartbeat(ctx, 5, 8, models.Sender{}))
	require.True(t, r.OnDisconnect(ctx, 5, 8))
	require.False(t, r.OnDisconnect(ctx, 5, 8))
	sink.AssertExpectations(t)
}
