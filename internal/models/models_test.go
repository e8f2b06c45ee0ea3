package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/rooms"
)

func TestRoomRefValidate(t *testing.T) {
	one, two := int64(1), int64(2)
	zero := int64(0)

	assert.NoError(t, RoomRef{ConversationID: &one}.Validate())
	assert.NoError(t, RoomRef{GroupID: &two}.Validate())
	assert.ErrorIs(t, RoomRef{}.Validate(), ErrInvalidRoomRef)
	assert.ErrorIs(t, RoomRef{ConversationID: &one, GroupID: &two}.Validate(), ErrInvalidRoomRef)
	assert.ErrorIs(t, RoomRef{GroupID: &zero}.Validate(), ErrInvalidRoomRef)

	assert.Equal(t, rooms.ConversationKey(1), ConversationRef(1).Key())
	assert.Equal(t, rooms.GroupKey(2), GroupRef(2).Key())
}

func TestRoomRefFromKey(t *testing.T) {
	ref, err := RoomRefFromKey(rooms.GroupKey(9))
	require.NoError(t, err)
	require.NotNil(t, ref.GroupID)
	assert.Equal(t, int64(9), *ref.GroupID)

	_, err = RoomRefFromKey(rooms.UserKey(9))
	assert.ErrorIs(t, err, ErrInvalidRoomRef)
}

func TestCursorEncodeDecode(t *testing.T) {
	c := Cursor{SentAt: time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC), ID: 42}
	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, c.SentAt.Equal(decoded.SentAt))
	assert.Equal(t, c.ID, decoded.ID)

	_, err = DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCursorBeforeBreaksTimestampTies(t *testing.T) {
	ts := time.Now()
	assert.True(t, Cursor{SentAt: ts, ID: 1}.Before(Cursor{SentAt: ts, ID: 2}))
	assert.False(t, Cursor{SentAt: ts, ID: 2}.Before(Cursor{SentAt: ts, ID: 2}))
	assert.True(t, Cursor{SentAt: ts, ID: 9}.Before(Cursor{SentAt: ts.Add(time.Millisecond), ID: 1}))
}

func descRows(n int) []Message {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]Message, 0, n)
	for i := n; i >= 1; i-- {
		rows = append(rows, Message{ID: int64(i), SentAt: base.Add(time.Duration(i) * time.Second)})
	}
	return rows
}

func TestNewHistoryPageOlderDropsLookahead(t *testing.T) {
	page := NewHistoryPage(descRows(4), 3, Older)
	require.Len(t, page.Messages, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(4), page.Messages[0].ID)
	assert.Equal(t, int64(2), page.Messages[2].ID)

	next, err := DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID)
}

func TestNewHistoryPageNewerDropsNewestLookahead(t *testing.T) {
	page := NewHistoryPage(descRows(4), 3, Newer)
	require.Len(t, page.Messages, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(3), page.Messages[0].ID)
	assert.Equal(t, int64(1), page.Messages[2].ID)
}

func TestNewHistoryPageEmpty(t *testing.T) {
	page := NewHistoryPage(nil, 50, Older)
	assert.False(t, page.HasMore)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.NextCursor)
}

func TestTombstoneKeepsIdentity(t *testing.T) {
	conv := int64(3)
	msg := Message{ID: 5, ConversationID: &conv, Content: "hi", Kind: KindText}
	ts := msg.Tombstone()
	assert.Equal(t, int64(5), ts.ID)
	assert.Equal(t, KindDeleted, ts.Kind)
	assert.Empty(t, ts.Content)
	assert.Equal(t, "hi", msg.Content)
}
