package hub

import (
	"sort"
	"sync"

	"crew-chat-service/internal/models"
)

// Subscription is one consumer's view of a group topic. Message,
// membership and group events queue on Events in publish order; presence
// join/leave events are coalesced per user and collected with
// DrainPresence after a signal on PresenceReady.
type Subscription struct {
	GroupID int64

	events chan models.GroupEvent

	mu       sync.Mutex
	presence map[int64]models.GroupEvent
	wake     chan struct{}

	overflowOnce sync.Once
	overflowed   chan struct{}
}

// Events returns the ordered, bounded event queue.
func (s *Subscription) Events() <-chan models.GroupEvent {
	return s.events
}

// PresenceReady is signalled when coalesced presence events are pending.
func (s *Subscription) PresenceReady() <-chan struct{} {
	return s.wake
}

// Overflowed is closed once the event queue rejected an event. Nothing
// after that point is guaranteed to be queued; the consumer must resync.
func (s *Subscription) Overflowed() <-chan struct{} {
	return s.overflowed
}

// DrainPresence returns pending presence events ordered by user id and
// clears them.
func (s *Subscription) DrainPresence() []models.GroupEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.presence) == 0 {
		return nil
	}
	out := make([]models.GroupEvent, 0, len(s.presence))
	for _, ev := range s.presence {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Presence.UserID < out[j].Presence.UserID })
	s.presence = make(map[int64]models.GroupEvent)
	return out
}

func (s *Subscription) offer(ev models.GroupEvent) bool {
	if ev.IsPresence() && ev.Presence != nil {
		s.mu.Lock()
		s.presence[ev.Presence.UserID] = ev
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return true
	}

	select {
	case s.events <- ev:
		return true
	default:
		s.overflowOnce.Do(func() { close(s.overflowed) })
		return false
	}
}
