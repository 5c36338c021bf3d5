// Package stream owns each group's ordered, append-only message log and
// its fan-out to live subscribers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/idem"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/observability"
	"crew-chat-service/internal/repositories"
)

const (
	DefaultMaxContentLength = 4000
	defaultPageSize         = 200
)

// MembershipChecker answers whether a user may read and write a group.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// Publisher receives committed messages; *hub.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev models.GroupEvent)
}

// ProfileResolver batch-resolves user ids for display.
type ProfileResolver interface {
	Resolve(ctx context.Context, userIDs []int64) (map[int64]models.Profile, error)
}

// Alerter raises operator alerts; *telemetry.AuditEmitter satisfies it.
type Alerter interface {
	Emit(ctx context.Context, level, text, requestID string, userID *int64)
}

// Options tunes a Stream.
type Options struct {
	MaxContentLength int
	// Retention is the number of newest messages kept per group; 0 keeps everything.
	Retention      int64
	PageSize       int
	Profiles       ProfileResolver
	Idempotency    idem.Store
	IdempotencyTTL time.Duration
	Alerts         Alerter
}

// Stream is the MessageStream component.
type Stream struct {
	repo    repositories.GroupMessageRepository
	members MembershipChecker
	events  Publisher
	opts    Options
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	writers map[int64]*writer
}

// writer is the single logical writer of one group. Holding mu is the
// only way to assign a sequence number for that group.
type writer struct {
	mu      sync.Mutex
	loaded  bool
	last    int64
	fault   error
	deleted bool
}

// New constructs a Stream.
func New(repo repositories.GroupMessageRepository, members MembershipChecker, events Publisher, log zerolog.Logger, opts Options) *Stream {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = idem.DefaultTTL
	}
	return &Stream{
		repo:    repo,
		members: members,
		events:  events,
		opts:    opts,
		log:     log.With().Str("component", "stream").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		writers: make(map[int64]*writer),
	}
}

type sendOptions struct {
	clientMsgID string
}

// SendOption customizes SendMessage.
type SendOption func(*sendOptions)

// WithClientMsgID makes the send idempotent for (group, sender, id).
func WithClientMsgID(id string) SendOption {
	return func(o *sendOptions) { o.clientMsgID = strings.TrimSpace(id) }
}

func (s *Stream) writer(groupID int64) *writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[groupID]
	if !ok {
		w = &writer{}
		s.writers[groupID] = w
	}
	return w
}

// SendMessage validates, sequences, appends and fans out a message.
// Sends to one group are serialized; different groups run in parallel.
func (s *Stream) SendMessage(ctx context.Context, sender, groupID int64, content string, opts ...SendOption) (models.Message, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(content) == "" {
		return models.Message{}, errs.New(errs.ErrInvalidArgument, "content is required")
	}
	if utf8.RuneCountInString(content) > s.opts.MaxContentLength {
		return models.Message{}, errs.New(errs.ErrInvalidArgument, "content exceeds %d characters", s.opts.MaxContentLength)
	}
	if err := s.requireMember(ctx, groupID, sender); err != nil {
		return models.Message{}, err
	}

	who := s.senders(ctx, []int64{sender})

	w := s.writer(groupID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.deleted {
		return models.Message{}, errs.New(errs.ErrNotFound, "group %d was deleted", groupID)
	}
	if w.fault != nil {
		return models.Message{}, fmt.Errorf("%w: group %d writer is closed: %v", errs.ErrSystemInvariantFault, groupID, w.fault)
	}

	if o.clientMsgID != "" && s.opts.Idempotency != nil {
		prev, ok, err := s.opts.Idempotency.Lookup(ctx, groupID, sender, o.clientMsgID)
		if err != nil {
			s.log.Warn().Err(err).Int64("group_id", groupID).Msg("idempotency lookup failed")
		} else if ok {
			prev.Sender = models.SenderFrom(sender, who)
			return prev, nil
		}
	}

	if !w.loaded {
		// A writer created after a concurrent group deletion must not
		// start a new log.
		if err := s.requireMember(ctx, groupID, sender); err != nil {
			return models.Message{}, err
		}
		_, last, err := s.repo.GroupSequenceBounds(ctx, groupID)
		if err != nil {
			return models.Message{}, err
		}
		w.last = last
		w.loaded = true
	}

	next := w.last + 1
	stored, err := s.repo.AppendGroupMessage(ctx, models.Message{
		ID:          ulid.Make().String(),
		GroupID:     groupID,
		SenderID:    sender,
		Content:     content,
		Sequence:    next,
		ClientMsgID: o.clientMsgID,
		CreatedAt:   s.now(),
	})
	switch {
	case errors.Is(err, errs.ErrSystemInvariantFault):
		return models.Message{}, s.failClosed(ctx, w, groupID, err)
	case err != nil:
		// The append may or may not have landed; reread the counter next time.
		w.loaded = false
		return models.Message{}, err
	case stored.Sequence != next:
		return models.Message{}, s.failClosed(ctx, w, groupID, fmt.Errorf("store returned sequence %d, expected %d", stored.Sequence, next))
	}
	w.last = next

	stored.Sender = models.SenderFrom(sender, who)
	observability.IncMessageCommitted()
	if s.events != nil {
		s.events.Publish(ctx, models.GroupEvent{Type: models.EventMessageCommitted, GroupID: groupID, ActorID: sender, Message: &stored, OccurredAt: stored.CreatedAt})
	}

	if o.clientMsgID != "" && s.opts.Idempotency != nil {
		if err := s.opts.Idempotency.Remember(ctx, stored, s.opts.IdempotencyTTL); err != nil {
			s.log.Warn().Err(err).Int64("group_id", groupID).Msg("idempotency remember failed")
		}
	}
	if s.opts.Retention > 0 && next > s.opts.Retention {
		if err := s.repo.TruncateGroupMessages(ctx, groupID, next-s.opts.Retention+1); err != nil {
			s.log.Warn().Err(err).Int64("group_id", groupID).Msg("retention truncate failed")
		}
	}
	return stored, nil
}

// failClosed refuses every later write to the group and raises an alert.
func (s *Stream) failClosed(ctx context.Context, w *writer, groupID int64, cause error) error {
	w.fault = cause
	observability.IncWriterFault()
	s.log.Error().Err(cause).Int64("group_id", groupID).Int64("last_sequence", w.last).Msg("group writer failed closed")
	if s.opts.Alerts != nil {
		s.opts.Alerts.Emit(ctx, "CRITICAL", fmt.Sprintf("group %d writer failed closed: %v", groupID, cause), "", nil)
	}
	if errors.Is(cause, errs.ErrSystemInvariantFault) {
		return cause
	}
	return fmt.Errorf("%w: %v", errs.ErrSystemInvariantFault, cause)
}

// Fault returns the error that closed a group's writer, or nil.
func (s *Stream) Fault(groupID int64) error {
	w := s.writer(groupID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fault
}

// GetHistory returns the messages of a group with sequence > since, at most
// limit of them (0 means no limit). A since older than the retained window
// fails with errs.ErrGapExceeded; since 0 always starts at the oldest
// retained message.
func (s *Stream) GetHistory(ctx context.Context, actor, groupID, since int64, limit int) (*History, error) {
	if since < 0 || limit < 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "since and limit must not be negative")
	}
	if err := s.requireMember(ctx, groupID, actor); err != nil {
		return nil, err
	}

	oldest, last, err := s.repo.GroupSequenceBounds(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if since > 0 && oldest > 0 && since < oldest-1 {
		return nil, errs.New(errs.ErrGapExceeded, "history before sequence %d is no longer retained", oldest)
	}
	return &History{stream: s, groupID: groupID, since: since, limit: limit, Oldest: oldest, Last: last}, nil
}

// DeleteGroupMessages hard deletes a group's log. Only the directory's
// group deletion cascade calls it.
func (s *Stream) DeleteGroupMessages(ctx context.Context, groupID int64) error {
	w := s.writer(groupID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := s.repo.DeleteGroupMessages(ctx, groupID); err != nil {
		return err
	}
	w.deleted = true
	s.mu.Lock()
	if s.writers[groupID] == w {
		delete(s.writers, groupID)
	}
	s.mu.Unlock()
	return nil
}

// PurgeGroup implements directory.Purger.
func (s *Stream) PurgeGroup(ctx context.Context, groupID int64) error {
	return s.DeleteGroupMessages(ctx, groupID)
}

func (s *Stream) requireMember(ctx context.Context, groupID, userID int64) error {
	ok, err := s.members.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.ErrPermissionDenied, "user %d is not a member of group %d", userID, groupID)
	}
	return nil
}

// senders resolves display profiles; resolution failures leave senders unknown.
func (s *Stream) senders(ctx context.Context, ids []int64) map[int64]models.Profile {
	if s.opts.Profiles == nil || len(ids) == 0 {
		return nil
	}
	profiles, err := s.opts.Profiles.Resolve(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Int("count", len(ids)).Msg("profile resolve failed")
		return nil
	}
	return profiles
}

func (s *Stream) decorate(ctx context.Context, msgs []models.Message) {
	seen := make(map[int64]struct{}, len(msgs))
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			ids = append(ids, m.SenderID)
		}
	}
	profiles := s.senders(ctx, ids)
	for i := range msgs {
		msgs[i].Sender = models.SenderFrom(msgs[i].SenderID, profiles)
	}
}
