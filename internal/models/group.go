package models

import "time"

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	RoleOwner  GroupRole = "owner"
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// Group represents a chat group.
type Group struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	OwnerID   int64     `db:"owner_id" json:"owner_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GroupMember is one participant of a group.
type GroupMember struct {
	GroupID int64     `db:"group_id" json:"group_id"`
	UserID  int64     `db:"user_id" json:"user_id"`
	Role    GroupRole `db:"role" json:"role"`
}
