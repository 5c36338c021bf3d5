// Package session implements the server side of a client's live
// connection: per-group subscriptions with resync, presence heartbeats, and
// disconnect/resume handling.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/hub"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/observability"
	"crew-chat-service/internal/stream"
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateClosed       State = "closed"
)

// Conn is the outbound half of a transport connection.
type Conn interface {
	Send(ctx context.Context, env models.Envelope) error
	Close() error
}

// Messages is the part of stream.Stream a session uses.
type Messages interface {
	SendMessage(ctx context.Context, sender, groupID int64, content string, opts ...stream.SendOption) (models.Message, error)
	GetHistory(ctx context.Context, actor, groupID, since int64, limit int) (*stream.History, error)
}

// Presence is the part of presence.Registry a session uses.
type Presence interface {
	Heartbeat(ctx context.Context, groupID, userID int64, sender models.Sender) bool
	Snapshot(ctx context.Context, groupID int64) map[int64]models.PresenceEntry
	OnDisconnect(ctx context.Context, groupID, userID int64) bool
}

// Topics is the part of hub.Hub a session uses.
type Topics interface {
	Subscribe(groupID int64, buffer int) *hub.Subscription
	Unsubscribe(sub *hub.Subscription)
}

// Members answers membership questions; *directory.Directory satisfies it.
type Members interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

var (
	errStale     = errors.New("session: connection replaced")
	errCancelled = errs.New(errs.ErrConflict, "subscription cancelled during resync")
)

// interest is one subscribed group. lastSeen survives disconnects; sub and
// cancel belong to the current attachment only.
type interest struct {
	groupID  int64
	lastSeen atomic.Int64
	sub      *hub.Subscription
	cancel   context.CancelFunc
}

// Session is a ChannelSession: one user's logical connection, which may be
// carried by several transport connections over its lifetime.
type Session struct {
	ID     string
	UserID int64

	reg    *Registry
	sender models.Sender
	log    zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	gen        uint64
	attachCtx  context.Context
	cancel     context.CancelFunc
	groups     map[int64]*interest
	detachedAt time.Time

	writeMu sync.Mutex
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Groups returns the subscribed group ids with their last delivered sequence.
func (s *Session) Groups() map[int64]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int64, len(s.groups))
	for id, in := range s.groups {
		out[id] = in.lastSeen.Load()
	}
	return out
}

func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	observability.MoveSessionState(string(s.state), string(to))
	s.state = to
}

// Attach binds conn to the session and resyncs every group subscribed
// before the last disconnect. The session is Active when Attach returns nil;
// on error it is Disconnected again.
func (s *Session) Attach(ctx context.Context, conn Conn, resumed bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return errs.New(errs.ErrConflict, "session %s is closed", s.ID)
	}
	if s.conn != nil {
		s.detachLocked(errs.New(errs.ErrTransientTransport, "connection replaced"))
	}
	s.gen++
	gen := s.gen
	attachCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.attachCtx = attachCtx
	s.cancel = cancel
	s.setStateLocked(StateConnecting)
	type opened struct {
		in  *interest
		sub *hub.Subscription
		ctx context.Context
	}
	pending := make([]opened, 0, len(s.groups))
	for _, in := range s.groups {
		sub, pumpCtx := s.openLocked(in)
		pending = append(pending, opened{in: in, sub: sub, ctx: pumpCtx})
	}
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].in.groupID < pending[j].in.groupID })

	hello := models.Envelope{
		Type:        models.EnvelopeSession,
		SessionID:   s.ID,
		Resumed:     resumed,
		HeartbeatMs: s.reg.cfg.HeartbeatInterval.Milliseconds(),
	}
	if err := s.send(ctx, gen, hello); err != nil {
		return err
	}

	resyncCtx, done := context.WithTimeout(ctx, s.reg.cfg.ResyncTimeout)
	defer done()
	for _, p := range pending {
		if err := s.start(resyncCtx, p.ctx, gen, p.in, p.sub, ""); err != nil {
			if errors.Is(err, errCancelled) {
				continue
			}
			if errors.Is(err, errs.ErrPermissionDenied) || errors.Is(err, errs.ErrNotFound) {
				s.drop(ctx, p.in.groupID)
				continue
			}
			s.detachGen(gen, err)
			return err
		}
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		return errs.New(errs.ErrTransientTransport, "session %s lost its connection during resync", s.ID)
	}
	s.setStateLocked(StateActive)
	s.mu.Unlock()

	s.log.Info().Bool("resumed", resumed).Int("groups", len(pending)).Msg("session active")
	return nil
}

// Subscribe adds a group to the interest set and blocks until its resync
// completes. since overrides the remembered last-seen sequence. Subscribing
// to a group that is already live only repeats the acknowledgement.
func (s *Session) Subscribe(ctx context.Context, groupID int64, since *int64, ref string) error {
	ok, err := s.reg.deps.Members.IsMember(ctx, groupID, s.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.ErrPermissionDenied, "user %d is not a member of group %d", s.UserID, groupID)
	}

	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		return errs.New(errs.ErrConflict, "session %s is %s", s.ID, state)
	}
	gen := s.gen
	in, exists := s.groups[groupID]
	if exists && in.sub != nil {
		s.mu.Unlock()
		return s.send(ctx, gen, models.Envelope{Type: models.EnvelopeSubscribed, Ref: ref, GroupID: groupID, LastSeen: in.lastSeen.Load()})
	}
	if !exists {
		in = &interest{groupID: groupID}
		s.groups[groupID] = in
	}
	if since != nil {
		in.lastSeen.Store(*since)
	}
	sub, pumpCtx := s.openLocked(in)
	s.mu.Unlock()

	resyncCtx, done := context.WithTimeout(ctx, s.reg.cfg.ResyncTimeout)
	defer done()
	if err := s.start(resyncCtx, pumpCtx, gen, in, sub, ref); err != nil {
		if errors.Is(err, errCancelled) {
			return err
		}
		if errors.Is(err, errs.ErrPermissionDenied) || errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrInvalidArgument) {
			s.drop(ctx, groupID)
			return err
		}
		s.detachGen(gen, err)
		return err
	}
	return nil
}

// openLocked subscribes in to its topic so live events queue from here on.
func (s *Session) openLocked(in *interest) (*hub.Subscription, context.Context) {
	pumpCtx, cancel := context.WithCancel(s.attachCtx)
	in.sub = s.reg.deps.Topics.Subscribe(in.groupID, s.reg.cfg.QueueSize)
	in.cancel = cancel
	return in.sub, pumpCtx
}

// start resyncs an opened group and launches its pump.
func (s *Session) start(resyncCtx, pumpCtx context.Context, gen uint64, in *interest, sub *hub.Subscription, ref string) error {
	ctx, stop := context.WithCancel(resyncCtx)
	defer stop()
	go func() {
		select {
		case <-pumpCtx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	if err := s.resync(ctx, gen, in); err != nil {
		if s.dropped(in) {
			return errCancelled
		}
		if pumpCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStale) {
			err = errs.Transient("resync", err)
		}
		return err
	}
	if err := s.send(ctx, gen, models.Envelope{Type: models.EnvelopeSubscribed, Ref: ref, GroupID: in.groupID, LastSeen: in.lastSeen.Load()}); err != nil {
		return err
	}
	go s.pump(pumpCtx, gen, in, sub)
	return nil
}

// dropped reports whether in was removed by Unsubscribe, Close or a
// membership change.
func (s *Session) dropped(in *interest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed || s.groups[in.groupID] != in
}

// resync refreshes presence and replays the log after lastSeen. Live events
// published meanwhile wait in the subscription queue.
func (s *Session) resync(ctx context.Context, gen uint64, in *interest) error {
	presence := s.reg.deps.Presence
	presence.Heartbeat(ctx, in.groupID, s.UserID, s.sender)

	snapshot := presence.Snapshot(ctx, in.groupID)
	entries := make([]models.PresenceEntry, 0, len(snapshot))
	for _, e := range snapshot {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	if err := s.send(ctx, gen, models.Envelope{Type: string(models.EventPresenceSync), GroupID: in.groupID, PresenceSnapshot: entries}); err != nil {
		return err
	}
	return s.replay(ctx, gen, in)
}

// replay delivers every message after in.lastSeen. Transient failures are
// retried with exponential backoff from the last delivered sequence. A gap
// older than retention sends gap_exceeded and restarts from the oldest
// retained message.
func (s *Session) replay(ctx context.Context, gen uint64, in *interest) error {
	op := func() error {
		for {
			err := s.replayOnce(ctx, gen, in)
			if !errors.Is(err, errs.ErrGapExceeded) {
				return err
			}
			if err := s.send(ctx, gen, models.Envelope{Type: models.EnvelopeGapExceeded, GroupID: in.groupID, LastSeen: in.lastSeen.Load()}); err != nil {
				return backoff.Permanent(err)
			}
			in.lastSeen.Store(0)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.reg.cfg.RetryInitial
	policy.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func (s *Session) replayOnce(ctx context.Context, gen uint64, in *interest) error {
	history, err := s.reg.deps.Messages.GetHistory(ctx, s.UserID, in.groupID, in.lastSeen.Load(), 0)
	if err != nil {
		return retryable(err)
	}
	if since := in.lastSeen.Load(); since > history.Last {
		return errs.New(errs.ErrGapExceeded, "group %d last seen %d is ahead of the log at %d", in.groupID, since, history.Last)
	}
	for m, err := range history.All(ctx) {
		if err != nil {
			return retryable(err)
		}
		if m.Sequence <= in.lastSeen.Load() {
			continue
		}
		msg := m
		if err := s.send(ctx, gen, models.Envelope{Type: models.EnvelopeMessage, GroupID: in.groupID, Message: &msg}); err != nil {
			return backoff.Permanent(err)
		}
		in.lastSeen.Store(m.Sequence)
	}
	return nil
}

func retryable(err error) error {
	if errs.IsTransient(err) || errors.Is(err, errs.ErrGapExceeded) {
		return err
	}
	return backoff.Permanent(err)
}

// pump delivers live events of one group until ctx ends.
func (s *Session) pump(ctx context.Context, gen uint64, in *interest, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Overflowed():
			s.log.Warn().Int64("group_id", in.groupID).Msg("session queue overflowed, forcing resync")
			s.detachGen(gen, errs.New(errs.ErrTransientTransport, "session queue overflowed on group %d", in.groupID))
			return
		case <-sub.PresenceReady():
			for _, ev := range sub.DrainPresence() {
				if err := s.send(ctx, gen, models.EnvelopeFromEvent(ev)); err != nil {
					return
				}
			}
		case ev := <-sub.Events():
			if !s.handle(ctx, gen, in, ev) {
				return
			}
		}
	}
}

// handle delivers one queued event and reports whether the pump continues.
func (s *Session) handle(ctx context.Context, gen uint64, in *interest, ev models.GroupEvent) bool {
	switch ev.Type {
	case models.EventMessageCommitted:
		if ev.Message == nil {
			return true
		}
		last := in.lastSeen.Load()
		switch {
		case ev.Message.Sequence <= last:
			return true
		case ev.Message.Sequence > last+1:
			s.log.Debug().Int64("group_id", in.groupID).Int64("last_seen", last).Int64("sequence", ev.Message.Sequence).Msg("sequence gap, replaying")
			if err := s.replay(ctx, gen, in); err != nil {
				if ctx.Err() == nil {
					s.detachGen(gen, err)
				}
				return false
			}
			return true
		}
		if err := s.send(ctx, gen, models.EnvelopeFromEvent(ev)); err != nil {
			return false
		}
		in.lastSeen.Store(ev.Message.Sequence)
		return true

	case models.EventMembershipChanged:
		if err := s.send(ctx, gen, models.EnvelopeFromEvent(ev)); err != nil {
			return false
		}
		if ev.Action == models.MembershipRemoved && ev.Membership != nil && ev.Membership.UserID == s.UserID {
			s.drop(context.WithoutCancel(ctx), in.groupID)
			return false
		}
		return true

	case models.EventGroupDeleted:
		if err := s.send(ctx, gen, models.EnvelopeFromEvent(ev)); err != nil {
			return false
		}
		s.drop(context.WithoutCancel(ctx), in.groupID)
		return false

	default:
		return s.send(ctx, gen, models.EnvelopeFromEvent(ev)) == nil
	}
}

// Unsubscribe removes a group from the interest set, cancelling any resync
// in flight, and releases the user's presence in it.
func (s *Session) Unsubscribe(ctx context.Context, groupID int64, ref string) error {
	s.mu.Lock()
	gen := s.gen
	_, ok := s.groups[groupID]
	s.mu.Unlock()
	if ok {
		s.drop(ctx, groupID)
	}
	return s.send(ctx, gen, models.Envelope{Type: models.EnvelopeUnsubscribed, Ref: ref, GroupID: groupID})
}

// drop stops a group's pump and forgets the group.
func (s *Session) drop(ctx context.Context, groupID int64) {
	s.mu.Lock()
	in, ok := s.groups[groupID]
	if ok {
		delete(s.groups, groupID)
		s.stopLocked(in)
	}
	s.mu.Unlock()
	if ok {
		s.reg.deps.Presence.OnDisconnect(ctx, groupID, s.UserID)
	}
}

func (s *Session) stopLocked(in *interest) {
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
	if in.sub != nil {
		s.reg.deps.Topics.Unsubscribe(in.sub)
		in.sub = nil
	}
}

// Heartbeat refreshes presence in every live group. Only client heartbeats
// call it, so a silent client drops out of presence after the TTL even
// while its transport still looks open.
func (s *Session) Heartbeat(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.groups))
	for id, in := range s.groups {
		if in.sub != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.reg.deps.Presence.Heartbeat(ctx, id, s.UserID, s.sender)
	}
}

// Send commits a message to a group as the session user.
func (s *Session) Send(ctx context.Context, groupID int64, content, clientMsgID string) (models.Message, error) {
	return s.reg.deps.Messages.SendMessage(ctx, s.UserID, groupID, content, stream.WithClientMsgID(clientMsgID))
}

// Reply sends an envelope on the current connection.
func (s *Session) Reply(ctx context.Context, env models.Envelope) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.send(ctx, gen, env)
}

// send writes env to the connection of attachment gen. A failed write
// detaches the session.
func (s *Session) send(ctx context.Context, gen uint64, env models.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.conn == nil {
		s.mu.Unlock()
		return errStale
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Send(ctx, env); err != nil {
		// A write abandoned because its caller went away leaves the
		// connection usable.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		err = errs.Transient("send", err)
		s.detachGen(gen, err)
		return err
	}
	return nil
}

// Detach handles a transport failure: the session becomes Disconnected,
// pumps stop and topic subscriptions are released. Last-seen sequences are
// kept for the next Attach; presence is left to expire by TTL.
func (s *Session) Detach(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(cause)
}

// DetachFrom detaches only while conn is still the session's connection,
// so a transport that was already replaced by a resume cannot end it.
func (s *Session) DetachFrom(conn Conn, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.detachLocked(cause)
}

func (s *Session) detachGen(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.detachLocked(cause)
}

func (s *Session) detachLocked(cause error) {
	if s.state == StateClosed || s.state == StateDisconnected {
		return
	}
	s.setStateLocked(StateDisconnected)
	s.detachedAt = s.reg.now()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for _, in := range s.groups {
		s.stopLocked(in)
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.log.Info().AnErr("cause", cause).Msg("session disconnected")
}

// Close ends the session for good, releasing every interest and presence entry.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateClosed)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ids := make([]int64, 0, len(s.groups))
	for id, in := range s.groups {
		s.stopLocked(in)
		ids = append(ids, id)
	}
	s.groups = make(map[int64]*interest)
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.reg.deps.Presence.OnDisconnect(ctx, id, s.UserID)
	}
	s.log.Info().Msg("session closed")
}

func (s *Session) disconnectedSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachedAt, s.state == StateDisconnected
}
