package models

import "time"

// Message is a committed entry of a group's ordered log.
type Message struct {
	ID          string    `db:"id" json:"id"`
	GroupID     int64     `db:"group_id" json:"group_id"`
	SenderID    int64     `db:"sender_id" json:"sender_id"`
	Content     string    `db:"content" json:"content"`
	Sequence    int64     `db:"seq" json:"sequence"`
	ClientMsgID string    `db:"client_msg_id" json:"client_msg_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Sender      Sender    `db:"-" json:"sender"`
}

// SenderKind tags whether the profile directory resolved a user.
type SenderKind string

const (
	SenderKnown   SenderKind = "known"
	SenderUnknown SenderKind = "unknown"
)

// Sender is the display decoration of a user id. Name and AvatarURL are
// only meaningful when Kind is SenderKnown.
type Sender struct {
	UserID    int64      `json:"user_id"`
	Kind      SenderKind `json:"kind"`
	Name      string     `json:"name,omitempty"`
	AvatarURL string     `json:"avatar_url,omitempty"`
}

// Profile is what the profile directory returns for one user.
type Profile struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// KnownSender builds a resolved sender.
func KnownSender(userID int64, p Profile) Sender {
	return Sender{UserID: userID, Kind: SenderKnown, Name: p.Name, AvatarURL: p.AvatarURL}
}

// UnknownSender builds an unresolved sender.
func UnknownSender(userID int64) Sender {
	return Sender{UserID: userID, Kind: SenderUnknown}
}

// SenderFrom picks the known variant when profiles contains userID.
func SenderFrom(userID int64, profiles map[int64]Profile) Sender {
	if p, ok := profiles[userID]; ok {
		return KnownSender(userID, p)
	}
	return UnknownSender(userID)
}
