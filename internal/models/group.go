package models

import "time"

// Role is a member's permission level inside a group.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Group represents a chat group.
type Group struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	ImageURL    string    `db:"image_url" json:"image_url,omitempty"`
	OwnerID     int64     `db:"owner_id" json:"owner_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Membership grants a user send/receive rights in a group.
type Membership struct {
	GroupID  int64     `db:"group_id" json:"group_id"`
	UserID   int64     `db:"user_id" json:"user_id"`
	Role     Role      `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// IsAdmin reports whether the membership carries the admin role.
func (m Membership) IsAdmin() bool {
	return m.Role == RoleAdmin
}

// GroupFields carries the optional metadata fields of an update; nil means unchanged.
type GroupFields struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ImageURL    *string `json:"image_url"`
}

// Empty reports whether no field is set.
func (f GroupFields) Empty() bool {
	return f.Name == nil && f.Description == nil && f.ImageURL == nil
}
