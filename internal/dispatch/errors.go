package dispatch

import "errors"

// Error is a dispatcher failure with a stable wire code.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Code returns the machine-readable code sent to clients.
func (e *Error) Code() string { return e.code }

var (
	ErrInvalidRoomRef     = &Error{code: "invalid_room", msg: "exactly one of conversation_id or group_id must be set"}
	ErrInvalidContent     = &Error{code: "invalid_content", msg: "message content is invalid"}
	ErrNotRoomMember      = &Error{code: "not_member", msg: "you are not a member of this room"}
	ErrBlockedByRecipient = &Error{code: "blocked_by_recipient", msg: "you are blocked by this user"}
	ErrRecipientBlocked   = &Error{code: "recipient_blocked", msg: "you have blocked this user"}
	ErrInvalidReply       = &Error{code: "invalid_reply", msg: "reply target does not exist in this room"}
	ErrMessageNotFound    = &Error{code: "not_found", msg: "message not found"}
	ErrNotSender          = &Error{code: "not_sender", msg: "only the sender may do this"}
	ErrNotRecipient       = &Error{code: "not_recipient", msg: "only recipients may mark a message read"}
	ErrPersistence        = &Error{code: "persist_failed", msg: "message could not be stored"}
	ErrRateLimited        = &Error{code: "rate_limited", msg: "too many submissions"}
)

// CodeOf returns the wire code of err, or "internal" for unclassified errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return "internal"
}

// MessageOf returns the client-facing text for err without internal detail.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.msg
	}
	return "internal error"
}
