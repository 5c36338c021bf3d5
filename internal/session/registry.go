package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crew-chat-service/internal/models"
	"crew-chat-service/internal/observability"
	"crew-chat-service/internal/stream"
)

const (
	DefaultQueueSize         = 256
	DefaultResyncTimeout     = 10 * time.Second
	DefaultResumeGrace       = 2 * time.Minute
	DefaultHeartbeatInterval = 10 * time.Second
	defaultRetryInitial      = 200 * time.Millisecond
)

// Deps are the components every session talks to.
type Deps struct {
	Messages Messages
	Presence Presence
	Topics   Topics
	Members  Members
	// Profiles decorates the session user's presence entries; optional.
	Profiles stream.ProfileResolver
}

// Config tunes sessions. Zero values select the defaults.
type Config struct {
	QueueSize     int
	ResyncTimeout time.Duration
	ResumeGrace   time.Duration
	// HeartbeatInterval is advertised to clients in the session envelope.
	HeartbeatInterval time.Duration
	RetryInitial      time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = DefaultResyncTimeout
	}
	if c.ResumeGrace <= 0 {
		c.ResumeGrace = DefaultResumeGrace
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	return c
}

// Registry owns every live and resumable session of the process. It is
// created at server start and torn down with Shutdown.
type Registry struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry(deps Deps, cfg Config, log zerolog.Logger) *Registry {
	return &Registry{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "session").Logger(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

func (r *Registry) newSession(ctx context.Context, userID int64) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:     id,
		UserID: userID,
		reg:    r,
		sender: r.resolveSender(ctx, userID),
		log:    r.log.With().Str("session_id", id).Int64("user_id", userID).Logger(),
		state:  StateDisconnected,
		groups: make(map[int64]*interest),
	}
	observability.MoveSessionState("", string(StateDisconnected))

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) resolveSender(ctx context.Context, userID int64) models.Sender {
	if r.deps.Profiles == nil {
		return models.UnknownSender(userID)
	}
	profiles, err := r.deps.Profiles.Resolve(ctx, []int64{userID})
	if err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("profile resolve failed")
	}
	return models.SenderFrom(userID, profiles)
}

// Open creates a session for userID and attaches conn to it.
func (r *Registry) Open(ctx context.Context, userID int64, conn Conn) (*Session, error) {
	s := r.newSession(ctx, userID)
	if err := s.Attach(ctx, conn, false); err != nil {
		return s, err
	}
	return s, nil
}

// Resume reattaches conn to an existing session of the same user, replaying
// what was missed. Unknown, foreign or closed ids open a fresh session.
func (r *Registry) Resume(ctx context.Context, id string, userID int64, conn Conn) (*Session, error) {
	s, ok := r.Get(id)
	if !ok || s.UserID != userID || s.State() == StateClosed {
		return r.Open(ctx, userID, conn)
	}
	if err := s.Attach(ctx, conn, true); err != nil {
		return s, err
	}
	return s, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes and forgets a session.
func (r *Registry) Close(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Close(ctx)
	observability.MoveSessionState(string(StateClosed), "")
}

// Reap closes sessions that stayed disconnected longer than the resume grace.
func (r *Registry) Reap(ctx context.Context, now time.Time) int {
	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if since, ok := s.disconnectedSince(); ok && now.Sub(since) > r.cfg.ResumeGrace {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Close(ctx, id)
	}
	if len(expired) > 0 {
		r.log.Info().Int("reaped", len(expired)).Msg("expired disconnected sessions")
	}
	return len(expired)
}

// Run reaps expired sessions until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.ResumeGrace / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx, r.now())
		}
	}
}

// Shutdown closes every session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Close(ctx, id)
	}
	r.log.Info().Int("sessions", len(ids)).Msg("session registry shut down")
	return nil
}
