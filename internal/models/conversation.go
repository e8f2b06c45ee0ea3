package models

import "time"

// Conversation is a direct chat between exactly two users.
type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	User1ID   int64     `db:"user1_id" json:"user1_id"`
	User2ID   int64     `db:"user2_id" json:"user2_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HasParticipant reports whether the user is one of the two participants.
func (c Conversation) HasParticipant(userID int64) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Peer returns the other participant, or 0 when userID is not a participant.
func (c Conversation) Peer(userID int64) int64 {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return 0
}

// BlockStatus is the pairwise block relation seen from the sender's side.
type BlockStatus struct {
	SenderBlockedPeer bool `json:"sender_blocked_peer"`
	PeerBlockedSender bool `json:"peer_blocked_sender"`
}

// Any reports whether a block exists in either direction.
func (b BlockStatus) Any() bool { return b.SenderBlockedPeer || b.PeerBlockedSender }
