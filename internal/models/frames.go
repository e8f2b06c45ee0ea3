package models

import (
	"time"

	"chat-realtime/internal/rooms"
)

// FrameType discriminates frames on the live channel.
type FrameType string

const (
	// client to server
	FrameJoin   FrameType = "join"
	FrameLeave  FrameType = "leave"
	FrameSubmit FrameType = "submit"
	FrameTyping FrameType = "typing"
	FramePing   FrameType = "ping"

	// server to client
	FrameJoined         FrameType = "joined"
	FrameJoinFailed     FrameType = "join_failed"
	FrameLeft           FrameType = "left"
	FrameMessage        FrameType = "message"
	FrameDeliveryAck    FrameType = "delivery_ack"
	FrameDeliveryFailed FrameType = "delivery_failed"
	FrameMessageDeleted FrameType = "message_deleted"
	FrameMessageRead    FrameType = "message_read"
	FrameNotification   FrameType = "notification"
	FramePong           FrameType = "pong"
)

// SubmitPayload is what a client sends to post a message.
type SubmitPayload struct {
	ConversationID   *int64      `json:"conversation_id,omitempty"`
	GroupID          *int64      `json:"group_id,omitempty"`
	Content          string      `json:"content"`
	MessageType      MessageKind `json:"message_type"`
	ReplyToMessageID *int64      `json:"reply_to_message_id,omitempty"`
}

// Room returns the payload's room reference.
func (p SubmitPayload) Room() RoomRef {
	return RoomRef{ConversationID: p.ConversationID, GroupID: p.GroupID}
}

// Frame is the single envelope exchanged over the websocket.
type Frame struct {
	Type               FrameType      `json:"type"`
	Room               rooms.Key      `json:"room,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	Submit             *SubmitPayload `json:"submit,omitempty"`
	Message            *MessagePush   `json:"message,omitempty"`
	MessageID          int64          `json:"message_id,omitempty"`
	PersistedMessageID int64          `json:"persisted_message_id,omitempty"`
	SentAt             *time.Time     `json:"sent_at,omitempty"`
	UserID             int64          `json:"user_id,omitempty"`
	Error              string         `json:"error,omitempty"`
	ErrorCode          string         `json:"error_code,omitempty"`
}
