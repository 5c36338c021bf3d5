package models

import "time"

// PresenceEntry records that a user is online in a group. Never persisted.
type PresenceEntry struct {
	GroupID       int64     `json:"group_id"`
	UserID        int64     `json:"user_id"`
	Sender        Sender    `json:"sender"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
