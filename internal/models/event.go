package models

import "time"

// EventType names a typed event published on a group topic.
type EventType string

const (
	EventGroupCreated      EventType = "group_created"
	EventGroupUpdated      EventType = "group_updated"
	EventGroupDeleted      EventType = "group_deleted"
	EventMembershipChanged EventType = "membership_changed"
	EventMessageCommitted  EventType = "message_committed"
	EventPresenceJoin      EventType = "presence_join"
	EventPresenceLeave     EventType = "presence_leave"
	EventPresenceSync      EventType = "presence_sync"
)

// MembershipAction describes what happened to a membership.
type MembershipAction string

const (
	MembershipAdded       MembershipAction = "added"
	MembershipRemoved     MembershipAction = "removed"
	MembershipRoleChanged MembershipAction = "role_changed"
)

// GroupEvent is published on a group's topic by the directory, the
// message stream and the presence registry.
type GroupEvent struct {
	Type       EventType        `json:"type"`
	GroupID    int64            `json:"group_id"`
	ActorID    int64            `json:"actor_id,omitempty"`
	Group      *Group           `json:"group,omitempty"`
	Message    *Message         `json:"message,omitempty"`
	Membership *Membership      `json:"membership,omitempty"`
	Action     MembershipAction `json:"action,omitempty"`
	Presence   *PresenceEntry   `json:"presence,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// IsPresence reports whether the event may be coalesced per user.
func (e GroupEvent) IsPresence() bool {
	return e.Type == EventPresenceJoin || e.Type == EventPresenceLeave
}
