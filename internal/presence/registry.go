// Package presence tracks ephemeral online status per (group, user).
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crew-chat-service/internal/models"
	"crew-chat-service/internal/observability"
)

// DefaultTTL is how long an entry survives without a heartbeat.
const DefaultTTL = 30 * time.Second

// Publisher receives presence events; *hub.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev models.GroupEvent)
}

// Registry is the PresenceRegistry component. Entries live only in memory.
// Events are published while the lock is held so join and leave of one
// (group, user) reach subscribers in the order they happened.
type Registry struct {
	mu     sync.Mutex
	ttl    time.Duration
	groups map[int64]map[int64]models.PresenceEntry
	events Publisher
	now    func() time.Time
	log    zerolog.Logger
}

// NewRegistry constructs a Registry; ttl <= 0 selects DefaultTTL.
func NewRegistry(events Publisher, ttl time.Duration, log zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:    ttl,
		groups: make(map[int64]map[int64]models.PresenceEntry),
		events: events,
		now:    time.Now,
		log:    log.With().Str("component", "presence").Logger(),
	}
}

// TTL returns the eviction timeout.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Heartbeat upserts the (group, user) entry and reports whether the user
// just came online. Only that first heartbeat publishes presence_join.
func (r *Registry) Heartbeat(ctx context.Context, groupID, userID int64, sender models.Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entries, ok := r.groups[groupID]
	if !ok {
		entries = make(map[int64]models.PresenceEntry)
		r.groups[groupID] = entries
	}

	if existing, ok := entries[userID]; ok {
		if !r.stale(existing, now) {
			if now.After(existing.LastHeartbeat) {
				existing.LastHeartbeat = now
			}
			if sender.Kind == models.SenderKnown || existing.Sender.Kind == "" {
				existing.Sender = sender
			}
			entries[userID] = existing
			return false
		}
		r.removeLocked(ctx, existing)
		entries = r.groups[groupID]
		if entries == nil {
			entries = make(map[int64]models.PresenceEntry)
			r.groups[groupID] = entries
		}
	}

	if sender.Kind == "" {
		sender = models.UnknownSender(userID)
	}
	entry := models.PresenceEntry{GroupID: groupID, UserID: userID, Sender: sender, LastHeartbeat: now}
	entries[userID] = entry
	observability.AddPresenceOnline(1)
	r.publish(ctx, models.EventPresenceJoin, entry)
	return true
}

// Snapshot returns the current online set of a group, evicting stale entries first.
func (r *Registry) Snapshot(ctx context.Context, groupID int64) map[int64]models.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make(map[int64]models.PresenceEntry, len(r.groups[groupID]))
	for userID, entry := range r.groups[groupID] {
		if r.stale(entry, now) {
			r.removeLocked(ctx, entry)
			continue
		}
		out[userID] = entry
	}
	return out
}

// ExpireStale removes every entry whose last heartbeat is older than the
// TTL at now, publishing one presence_leave per entry.
func (r *Registry) ExpireStale(ctx context.Context, now time.Time) []models.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.PresenceEntry
	for _, entries := range r.groups {
		for _, entry := range entries {
			if r.stale(entry, now) {
				expired = append(expired, entry)
			}
		}
	}
	for _, entry := range expired {
		r.removeLocked(ctx, entry)
	}
	if len(expired) > 0 {
		r.log.Debug().Int("expired", len(expired)).Msg("presence sweep")
	}
	return expired
}

// OnDisconnect removes an entry immediately, bypassing the TTL.
func (r *Registry) OnDisconnect(ctx context.Context, groupID, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.groups[groupID][userID]
	if !ok {
		return false
	}
	r.removeLocked(ctx, entry)
	return true
}

// PurgeGroup drops all entries of a deleted group without publishing.
func (r *Registry) PurgeGroup(_ context.Context, groupID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	observability.AddPresenceOnline(-len(r.groups[groupID]))
	delete(r.groups, groupID)
	return nil
}

// Run sweeps stale entries every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireStale(ctx, r.now())
		}
	}
}

func (r *Registry) stale(entry models.PresenceEntry, now time.Time) bool {
	return now.Sub(entry.LastHeartbeat) > r.ttl
}

func (r *Registry) removeLocked(ctx context.Context, entry models.PresenceEntry) {
	entries := r.groups[entry.GroupID]
	delete(entries, entry.UserID)
	if len(entries) == 0 {
		delete(r.groups, entry.GroupID)
	}
	observability.AddPresenceOnline(-1)
	r.publish(ctx, models.EventPresenceLeave, entry)
}

func (r *Registry) publish(ctx context.Context, typ models.EventType, entry models.PresenceEntry) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, models.GroupEvent{Type: typ, GroupID: entry.GroupID, Presence: &entry, OccurredAt: r.now()})
}
