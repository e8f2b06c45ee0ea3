package models

import (
	"errors"
	"time"

	"chat-realtime/internal/rooms"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindImage   MessageKind = "image"
	KindFile    MessageKind = "file"
	KindDeleted MessageKind = "deleted"
)

// Submittable reports whether a client may submit content of this kind.
func (k MessageKind) Submittable() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

var ErrInvalidRoomRef = errors.New("exactly one of conversation_id or group_id must be set")

// RoomRef points a message at exactly one room.
type RoomRef struct {
	ConversationID *int64 `json:"conversation_id,omitempty"`
	GroupID        *int64 `json:"group_id,omitempty"`
}

// ConversationRef builds a RoomRef for a direct conversation.
func ConversationRef(id int64) RoomRef { return RoomRef{ConversationID: &id} }

// GroupRef builds a RoomRef for a group.
func GroupRef(id int64) RoomRef { return RoomRef{GroupID: &id} }

// Validate enforces the exactly-one-room invariant.
func (r RoomRef) Validate() error {
	hasConversation := r.ConversationID != nil
	hasGroup := r.GroupID != nil
	if hasConversation == hasGroup {
		return ErrInvalidRoomRef
	}
	if hasConversation && *r.ConversationID <= 0 {
		return ErrInvalidRoomRef
	}
	if hasGroup && *r.GroupID <= 0 {
		return ErrInvalidRoomRef
	}
	return nil
}

// Key returns the fan-out room key. Callers validate first.
func (r RoomRef) Key() rooms.Key {
	if r.ConversationID != nil {
		return rooms.ConversationKey(*r.ConversationID)
	}
	if r.GroupID != nil {
		return rooms.GroupKey(*r.GroupID)
	}
	return ""
}

// RoomRefFromKey converts a conversation or group key back into a RoomRef.
func RoomRefFromKey(key rooms.Key) (RoomRef, error) {
	kind, id, err := rooms.Parse(string(key))
	if err != nil {
		return RoomRef{}, err
	}
	switch kind {
	case rooms.KindConversation:
		return ConversationRef(id), nil
	case rooms.KindGroup:
		return GroupRef(id), nil
	}
	return RoomRef{}, ErrInvalidRoomRef
}

// Message represents a persisted chat message in either a conversation or a group.
type Message struct {
	ID             int64       `db:"id" json:"id"`
	ClientID       string      `db:"client_id" json:"client_id,omitempty"`
	ConversationID *int64      `db:"conversation_id" json:"conversation_id,omitempty"`
	GroupID        *int64      `db:"group_id" json:"group_id,omitempty"`
	SenderID       int64       `db:"sender_id" json:"sender_id"`
	Content        string      `db:"content" json:"content"`
	Kind           MessageKind `db:"kind" json:"message_type"`
	SentAt         time.Time   `db:"sent_at" json:"sent_at"`
	Read           bool        `db:"is_read" json:"read"`
	ReplyToID      *int64      `db:"reply_to_id" json:"reply_to_message_id,omitempty"`
}

// Room returns the message's room reference.
func (m Message) Room() RoomRef {
	return RoomRef{ConversationID: m.ConversationID, GroupID: m.GroupID}
}

// RoomKey returns the fan-out key of the message's room.
func (m Message) RoomKey() rooms.Key { return m.Room().Key() }

// Cursor returns the pagination position of the message.
func (m Message) Cursor() Cursor { return Cursor{SentAt: m.SentAt, ID: m.ID} }

// Tombstone returns a copy of the message replaced by a deletion marker.
func (m Message) Tombstone() Message {
	m.Content = ""
	m.Kind = KindDeleted
	return m
}

// SenderSummary is the denormalized sender attached to pushes.
type SenderSummary struct {
	ID        int64  `db:"id" json:"id"`
	Username  string `db:"username" json:"username"`
	AvatarURL string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// ReplySummary describes the message being replied to.
type ReplySummary struct {
	ID       int64       `json:"id"`
	SenderID int64       `json:"sender_id"`
	Content  string      `json:"content"`
	Kind     MessageKind `json:"message_type"`
}

// SummarizeReply builds a ReplySummary from a stored message.
func SummarizeReply(m Message) *ReplySummary {
	return &ReplySummary{ID: m.ID, SenderID: m.SenderID, Content: m.Content, Kind: m.Kind}
}

// MessagePush is the message payload fanned out to room members.
type MessagePush struct {
	Message
	Sender  SenderSummary `json:"sender"`
	ReplyTo *ReplySummary `json:"reply_to,omitempty"`
}
