package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"crew-chat-service/internal/directory"
	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/hub"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/presence"
	"crew-chat-service/internal/repositories"
	"crew-chat-service/internal/stream"
)

type fakeConn struct {
	ch     chan models.Envelope
	gate   chan struct{}
	gated  atomic.Bool
	closed atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: make(chan models.Envelope, 512), gate: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, env models.Envelope) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	if c.gated.Load() {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.ch <- env
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// next returns the next envelope of type typ, skipping others.
func (c *fakeConn) next(t *testing.T, typ string) models.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.ch:
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s envelope received", typ)
		}
	}
}

// drain returns every envelope currently queued.
func (c *fakeConn) drain() []models.Envelope {
	var out []models.Envelope
	for {
		select {
		case env := <-c.ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func sequences(envs []models.Envelope) []int64 {
	var out []int64
	for _, env := range envs {
		if env.Type == models.EnvelopeMessage {
			out = append(out, env.Message.Sequence)
		}
	}
	return out
}

type testEnv struct {
	hub      *hub.Hub
	dir      *directory.Directory
	stream   *stream.Stream
	presence *presence.Registry
	reg      *Registry
	groupID  int64
}

func newTestEnv(t *testing.T, streamOpts stream.Options, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvTTL(t, streamOpts, cfg, time.Minute)
}

func newTestEnvTTL(t *testing.T, streamOpts stream.Options, cfg Config, ttl time.Duration) *testEnv {
	t.Helper()
	h := hub.NewHub(zerolog.Nop())
	dir := directory.New(repositories.NewMemoryGroupRepo(), h, zerolog.Nop(), directory.Options{})
	st := stream.New(repositories.NewMemoryGroupMessageRepo(), dir, h, zerolog.Nop(), streamOpts)
	pr := presence.NewRegistry(h, ttl, zerolog.Nop())
	reg := NewRegistry(Deps{Messages: st, Presence: pr, Topics: h, Members: dir}, cfg, zerolog.Nop())

	ctx := context.Background()
	g, err := dir.CreateGroup(ctx, 1, "crew", "")
	require.NoError(t, err)
	_, err = dir.AddMember(ctx, 1, g.ID, 2, models.RoleMember)
	require.NoError(t, err)

	return &testEnv{hub: h, dir: dir, stream: st, presence: pr, reg: reg, groupID: g.ID}
}

func (e *testEnv) send(t *testing.T, sender int64, content string) models.Message {
	t.Helper()
	msg, err := e.stream.SendMessage(context.Background(), sender, e.groupID, content)
	require.NoError(t, err)
	return msg
}

func TestOpenSendsSessionEnvelope(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	conn := newFakeConn()

	s, err := e.reg.Open(context.Background(), 2, conn)
	require.NoError(t, err)
	require.Equal(t, StateActive, s.State())

	env := conn.next(t, models.EnvelopeSession)
	require.Equal(t, s.ID, env.SessionID)
	require.False(t, env.Resumed)
}

func TestSubscribeDeliversHistoryThenLive(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	ctx := context.Background()
	e.send(t, 1, "hello")

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, "r1"))

	sync := conn.next(t, string(models.EventPresenceSync))
	require.Len(t, sync.PresenceSnapshot, 1)
	require.Equal(t, int64(2), sync.PresenceSnapshot[0].UserID)

	require.Equal(t, int64(1), conn.next(t, models.EnvelopeMessage).Message.Sequence)
	ack := conn.next(t, models.EnvelopeSubscribed)
	require.Equal(t, "r1", ack.Ref)
	require.Equal(t, int64(1), ack.LastSeen)

	e.send(t, 1, "hi")
	require.Equal(t, int64(2), conn.next(t, models.EnvelopeMessage).Message.Sequence)
}

func TestSubscribeRejectsNonMember(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	s, err := e.reg.Open(context.Background(), 7, newFakeConn())
	require.NoError(t, err)

	err = s.Subscribe(context.Background(), e.groupID, nil, "")
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	require.Empty(t, s.Groups())
}

func TestSubscribeTwiceIsIdempotent(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	ctx := context.Background()
	e.send(t, 1, "hello")

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, "a"))
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, "b"))

	require.Equal(t, 1, e.hub.Subscribers(e.groupID))

	envs := conn.drain()
	syncs := 0
	for _, env := range envs {
		if env.Type == string(models.EventPresenceSync) {
			syncs++
		}
	}
	require.Equal(t, 1, syncs)
	require.Equal(t, []int64{1}, sequences(envs))
}

func TestUnsubscribeReleasesPresenceAndTopic(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, ""))
	require.Contains(t, e.presence.Snapshot(ctx, e.groupID), int64(2))

	require.NoError(t, s.Unsubscribe(ctx, e.groupID, "u"))
	require.Equal(t, "u", conn.next(t, models.EnvelopeUnsubscribed).Ref)
	require.NotContains(t, e.presence.Snapshot(ctx, e.groupID), int64(2))
	require.Zero(t, e.hub.Subscribers(e.groupID))
	require.Empty(t, s.Groups())
}

func TestReconnectReplaysMissedMessages(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, ""))

	e.send(t, 1, "hello")
	e.send(t, 2, "hi")
	require.Equal(t, int64(1), conn.next(t, models.EnvelopeMessage).Message.Sequence)
	require.Equal(t, int64(2), conn.next(t, models.EnvelopeMessage).Message.Sequence)
	require.Eventually(t, func() bool { return s.Groups()[e.groupID] == 2 }, time.Second, 10*time.Millisecond)

	s.Detach(errors.New("network down"))
	require.Equal(t, StateDisconnected, s.State())
	require.Zero(t, e.hub.Subscribers(e.groupID))

	e.send(t, 1, "three")
	e.send(t, 1, "four")

	conn2 := newFakeConn()
	resumed, err := e.reg.Resume(ctx, s.ID, 2, conn2)
	require.NoError(t, err)
	require.Same(t, s, resumed)
	require.Equal(t, StateActive, s.State())
	require.True(t, conn2.next(t, models.EnvelopeSession).Resumed)

	require.Equal(t, []int64{3, 4}, sequences(conn2.drain()))

	e.send(t, 1, "five")
	require.Equal(t, int64(5), conn2.next(t, models.EnvelopeMessage).Message.Sequence)
}

func TestResumeAfterRetentionSignalsGap(t *testing.T) {
	e := newTestEnv(t, stream.Options{Retention: 2}, Config{})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, ""))
	e.send(t, 1, "one")
	conn.next(t, models.EnvelopeMessage)
	require.Eventually(t, func() bool { return s.Groups()[e.groupID] == 1 }, time.Second, 10*time.Millisecond)

	s.Detach(errors.New("network down"))
	for i := 0; i < 4; i++ {
		e.send(t, 1, "m")
	}

	conn2 := newFakeConn()
	_, err = e.reg.Resume(ctx, s.ID, 2, conn2)
	require.NoError(t, err)

	gap := conn2.next(t, models.EnvelopeGapExceeded)
	require.Equal(t, e.groupID, gap.GroupID)
	require.Equal(t, []int64{4, 5}, sequences(conn2.drain()))
}

func TestResumeUnknownSessionOpensFresh(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	conn := newFakeConn()

	s, err := e.reg.Resume(context.Background(), "missing", 2, conn)
	require.NoError(t, err)
	require.NotEqual(t, "missing", s.ID)
	require.False(t, conn.next(t, models.EnvelopeSession).Resumed)
}

func TestOverflowForcesDisconnect(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{QueueSize: 1})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, ""))

	conn.gated.Store(true)
	for i := 0; i < 5; i++ {
		e.send(t, 1, "m")
	}
	close(conn.gate)

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, e.hub.Subscribers(e.groupID))

	conn2 := newFakeConn()
	_, err = e.reg.Resume(ctx, s.ID, 2, conn2)
	require.NoError(t, err)
	require.Equal(t, int64(5), s.Groups()[e.groupID])
}

func TestRemovedMemberLosesSubscription(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, ""))

	require.NoError(t, e.dir.RemoveMember(ctx, 1, e.groupID, 2))

	env := conn.next(t, string(models.EventMembershipChanged))
	require.Equal(t, models.MembershipRemoved, env.Action)
	require.Eventually(t, func() bool { return len(s.Groups()) == 0 }, time.Second, 10*time.Millisecond)
	require.Zero(t, e.hub.Subscribers(e.groupID))
}

func TestReapAndShutdown(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{ResumeGrace: time.Minute})
	ctx := context.Background()

	stale, err := e.reg.Open(ctx, 2, newFakeConn())
	require.NoError(t, err)
	live, err := e.reg.Open(ctx, 1, newFakeConn())
	require.NoError(t, err)
	require.NoError(t, stale.Subscribe(ctx, e.groupID, nil, ""))

	stale.Detach(errors.New("gone"))
	require.Zero(t, e.reg.Reap(ctx, time.Now()))
	require.Equal(t, 1, e.reg.Reap(ctx, time.Now().Add(2*time.Minute)))

	_, ok := e.reg.Get(stale.ID)
	require.False(t, ok)
	require.Equal(t, StateClosed, stale.State())
	require.NotContains(t, e.presence.Snapshot(ctx, e.groupID), int64(2))

	require.NoError(t, e.reg.Shutdown(ctx))
	require.Zero(t, e.reg.Len())
	require.Equal(t, StateClosed, live.State())
}

func TestSilentClientLeavesPresenceWithinTTL(t *testing.T) {
	ttl := 100 * time.Millisecond
	e := newTestEnvTTL(t, stream.Options{}, Config{HeartbeatInterval: 20 * time.Millisecond}, ttl)
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.Equal(t, int64(20), conn.next(t, models.EnvelopeSession).HeartbeatMs)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, ""))

	for i := 0; i < 5; i++ {
		time.Sleep(ttl / 2)
		s.Heartbeat(ctx)
		require.Contains(t, e.presence.Snapshot(ctx, e.groupID), int64(2))
	}

	require.Eventually(t, func() bool {
		_, ok := e.presence.Snapshot(ctx, e.groupID)[2]
		return !ok
	}, 3*ttl, 10*time.Millisecond)
	require.Equal(t, StateActive, s.State())
}

func TestSubscribeAheadOfLogSignalsGap(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	since := int64(50)
	require.NoError(t, s.Subscribe(ctx, e.groupID, &since, "r"))

	gap := conn.next(t, models.EnvelopeGapExceeded)
	require.Equal(t, int64(50), gap.LastSeen)
	require.Zero(t, conn.next(t, models.EnvelopeSubscribed).LastSeen)

	e.send(t, 1, "one")
	e.send(t, 1, "two")
	require.Equal(t, int64(1), conn.next(t, models.EnvelopeMessage).Message.Sequence)
	require.Equal(t, int64(2), conn.next(t, models.EnvelopeMessage).Message.Sequence)
}

func TestResyncTimeoutDisconnectsWithTransientError(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{ResyncTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)

	conn.gated.Store(true)
	err = s.Subscribe(ctx, e.groupID, nil, "")
	require.Error(t, err)
	require.True(t, errs.IsTransient(err), "got %v", err)
	require.NotErrorIs(t, err, errs.ErrConflict)
	require.Equal(t, StateDisconnected, s.State())
	require.Contains(t, s.Groups(), e.groupID)
	require.Zero(t, e.hub.Subscribers(e.groupID))

	conn2 := newFakeConn()
	_, err = e.reg.Resume(ctx, s.ID, 2, conn2)
	require.NoError(t, err)
	require.Equal(t, StateActive, s.State())
	require.Equal(t, 1, e.hub.Subscribers(e.groupID))
}

func TestUnsubscribeCancelsResync(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{ResyncTimeout: time.Minute})
	ctx := context.Background()

	conn := newFakeConn()
	s, err := e.reg.Open(ctx, 2, conn)
	require.NoError(t, err)

	conn.gated.Store(true)
	subErr := make(chan error, 1)
	go func() { subErr <- s.Subscribe(ctx, e.groupID, nil, "") }()
	require.Eventually(t, func() bool {
		_, present := e.presence.Snapshot(ctx, e.groupID)[2]
		return present && e.hub.Subscribers(e.groupID) == 1
	}, time.Second, 5*time.Millisecond)

	unsubErr := make(chan error, 1)
	go func() { unsubErr <- s.Unsubscribe(ctx, e.groupID, "u") }()

	select {
	case err := <-subErr:
		require.ErrorIs(t, err, errs.ErrConflict)
	case <-time.After(2 * time.Second):
		t.Fatal("resync was not cancelled")
	}
	close(conn.gate)
	require.NoError(t, <-unsubErr)

	require.Equal(t, StateActive, s.State())
	require.Empty(t, s.Groups())
	require.Zero(t, e.hub.Subscribers(e.groupID))
	require.NotContains(t, e.presence.Snapshot(ctx, e.groupID), int64(2))
	require.Equal(t, "u", conn.next(t, models.EnvelopeUnsubscribed).Ref)
}

// flakyMessages fails the first GetHistory calls with a transient error.
type flakyMessages struct {
	Messages
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyMessages) GetHistory(ctx context.Context, actor, groupID, since int64, limit int) (*stream.History, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errs.Transient("history", errors.New("database restarting"))
	}
	return f.Messages.GetHistory(ctx, actor, groupID, since, limit)
}

func TestReplayRetriesTransientErrors(t *testing.T) {
	e := newTestEnv(t, stream.Options{}, Config{})
	ctx := context.Background()
	e.send(t, 1, "one")
	e.send(t, 1, "two")

	flaky := &flakyMessages{Messages: e.stream}
	flaky.failures.Store(2)
	reg := NewRegistry(Deps{Messages: flaky, Presence: e.presence, Topics: e.hub, Members: e.dir},
		Config{RetryInitial: 5 * time.Millisecond}, zerolog.Nop())

	conn := newFakeConn()
	s, err := reg.Open(ctx, 2, conn)
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(ctx, e.groupID, nil, ""))

	require.Equal(t, int32(3), flaky.calls.Load())
	require.Equal(t, []int64{1, 2}, sequences(conn.drain()))
	require.Equal(t, StateActive, s.State())
}
