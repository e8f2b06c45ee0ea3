package rooms

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the flavour of a room.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindGroup        Kind = "group"
	KindUser         Kind = "user"
)

var ErrInvalidKey = errors.New("invalid room key")

// Key is the `<kind>_<id>` string used for joins, fan-out and history lookups.
type Key string

// ConversationKey returns the room key of a direct conversation.
func ConversationKey(id int64) Key { return newKey(KindConversation, id) }

// GroupKey returns the room key of a group chat.
func GroupKey(id int64) Key { return newKey(KindGroup, id) }

// UserKey returns the per-user notification room key.
func UserKey(id int64) Key { return newKey(KindUser, id) }

func newKey(kind Kind, id int64) Key {
	return Key(string(kind) + "_" + strconv.FormatInt(id, 10))
}

// Parse splits a key into its kind and numeric id.
func Parse(raw string) (Kind, int64, error) {
	idx := strings.LastIndexByte(raw, '_')
	if idx <= 0 || idx == len(raw)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	kind := Kind(raw[:idx])
	switch kind {
	case KindConversation, KindGroup, KindUser:
	default:
		return "", 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, kind)
	}
	id, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: bad id in %q", ErrInvalidKey, raw)
	}
	return kind, id, nil
}

// Kind returns the kind part of the key, or "" for malformed keys.
func (k Key) Kind() Kind {
	kind, _, err := Parse(string(k))
	if err != nil {
		return ""
	}
	return kind
}

// ID returns the numeric part of the key, or 0 for malformed keys.
func (k Key) ID() int64 {
	_, id, err := Parse(string(k))
	if err != nil {
		return 0
	}
	return id
}

// Valid reports whether the key parses.
func (k Key) Valid() bool {
	_, _, err := Parse(string(k))
	return err == nil
}

func (k Key) String() string { return string(k) }
