package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-realtime/internal/rooms"
)

// Direction selects which side of a cursor a history page is read from.
type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a (timestamp, id) position in a room's history.
type Cursor struct {
	SentAt time.Time `json:"ts"`
	ID     int64     `json:"id"`
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if c.SentAt.Equal(other.SentAt) {
		return c.ID < other.ID
	}
	return c.SentAt.Before(other.SentAt)
}

// Encode renders the cursor as an opaque string.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(struct {
		TS int64 `json:"ts"`
		ID int64 `json:"id"`
	}{TS: c.SentAt.UnixMicro(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a string produced by Cursor.Encode.
func DecodeCursor(raw string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var wire struct {
		TS int64 `json:"ts"`
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return Cursor{SentAt: time.UnixMicro(wire.TS).UTC(), ID: wire.ID}, nil
}

// HistoryRequest asks for one page of a room's history.
type HistoryRequest struct {
	Room      rooms.Key `json:"room_id"`
	Cursor    string    `json:"cursor,omitempty"`
	Direction Direction `json:"direction"`
	Limit     int       `json:"page_size"`
}

// HistoryPage is one page of messages ordered by timestamp descending.
type HistoryPage struct {
	Messages       []Message `json:"messages"`
	NextCursor     string    `json:"next_cursor,omitempty"`
	PreviousCursor string    `json:"previous_cursor,omitempty"`
	HasMore        bool      `json:"has_more"`
}

// NewHistoryPage trims a lookahead-augmented, descending row set to limit and fills cursors.
// rows may hold limit+1 entries; the extra one only signals that more are available.
func NewHistoryPage(rows []Message, limit int, direction Direction) HistoryPage {
	hasMore := len(rows) > limit
	if hasMore {
		if direction == Newer {
			// newer rows were read ascending and reversed, so the lookahead row is the newest
			rows = rows[1:]
		} else {
			rows = rows[:limit]
		}
	}
	page := HistoryPage{Messages: rows, HasMore: hasMore}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	if len(rows) > 0 {
		page.PreviousCursor = rows[0].Cursor().Encode()
		page.NextCursor = rows[len(rows)-1].Cursor().Encode()
	}
	return page
}
