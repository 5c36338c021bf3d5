// Package hub is the in-process publish/subscribe transport: one topic per
// group, bounded subscriptions, and optional relays to external brokers.
package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"crew-chat-service/internal/models"
	"crew-chat-service/internal/observability"
)

// RelayQueueSize bounds the events waiting for the relays.
const RelayQueueSize = 1024

// Relay forwards published events outside the process (AMQP, Kafka).
type Relay interface {
	Relay(ctx context.Context, ev models.GroupEvent) error
}

// Hub maintains the active subscriptions of every group topic.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[int64]map[*Subscription]struct{}
	relays []Relay
	log    zerolog.Logger

	relayMu   sync.RWMutex
	relayQ    chan relayJob
	relayDone chan struct{}
	closed    bool
}

type relayJob struct {
	ctx context.Context
	ev  models.GroupEvent
}

// NewHub creates an empty hub. With relays, a background goroutine forwards
// published events in order until Close.
func NewHub(log zerolog.Logger, relays ...Relay) *Hub {
	h := &Hub{
		rooms:  make(map[int64]map[*Subscription]struct{}),
		relays: relays,
		log:    log.With().Str("component", "hub").Logger(),
	}
	if len(relays) > 0 {
		h.relayQ = make(chan relayJob, RelayQueueSize)
		h.relayDone = make(chan struct{})
		go h.relayLoop()
	}
	return h
}

// Subscribe opens a subscription to a group topic with room for buffer
// undelivered non-presence events.
func (h *Hub) Subscribe(groupID int64, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		GroupID:    groupID,
		events:     make(chan models.GroupEvent, buffer),
		presence:   make(map[int64]models.GroupEvent),
		wake:       make(chan struct{}, 1),
		overflowed: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[groupID]; !ok {
		h.rooms[groupID] = make(map[*Subscription]struct{})
	}
	h.rooms[groupID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[sub.GroupID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, sub.GroupID)
		}
	}
}

// Subscribers returns the number of open subscriptions on a group topic.
func (h *Hub) Subscribers(groupID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[groupID])
}

// Publish delivers ev to every subscription of its group without blocking,
// then queues it for the relays. Callers that need ordering publish from a
// single writer.
func (h *Hub) Publish(ctx context.Context, ev models.GroupEvent) {
	h.mu.RLock()
	for sub := range h.rooms[ev.GroupID] {
		if !sub.offer(ev) {
			observability.IncSessionOverflow()
			h.log.Warn().Int64("group_id", ev.GroupID).Str("event", string(ev.Type)).Msg("subscription overflowed")
		}
	}
	h.mu.RUnlock()

	if h.relayQ == nil {
		return
	}
	h.relayMu.RLock()
	defer h.relayMu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.relayQ <- relayJob{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		observability.IncAMQPPublishError()
		h.log.Warn().Int64("group_id", ev.GroupID).Str("event", string(ev.Type)).Msg("relay queue full, event dropped")
	}
}

func (h *Hub) relayLoop() {
	defer close(h.relayDone)
	for job := range h.relayQ {
		for _, relay := range h.relays {
			if err := relay.Relay(job.ctx, job.ev); err != nil {
				h.log.Warn().Err(err).Int64("group_id", job.ev.GroupID).Str("event", string(job.ev.Type)).Msg("relay failed")
			}
		}
	}
}

// Close stops accepting relay work and waits for queued events to be
// forwarded. Local delivery keeps working.
func (h *Hub) Close() {
	if h.relayQ == nil {
		return
	}
	h.relayMu.Lock()
	if !h.closed {
		h.closed = true
		close(h.relayQ)
	}
	h.relayMu.Unlock()
	<-h.relayDone
}
