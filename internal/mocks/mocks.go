package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"chat-realtime/internal/models"
	"chat-realtime/internal/rooms"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type GroupRepositoryMock struct {
	mock.Mock
}

func (m *GroupRepositoryMock) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	args := m.Called(ctx, groupID)
	var group models.Group
	if val := args.Get(0); val != nil {
		group = val.(models.Group)
	}
	return group, args.Error(1)
}

func (m *GroupRepositoryMock) IsMember(ctx context.Context, groupID int64, userID int64) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *GroupRepositoryMock) ListMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	args := m.Called(ctx, groupID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

type BlockRepositoryMock struct {
	mock.Mock
}

func (m *BlockRepositoryMock) BlockStatus(ctx context.Context, senderID int64, peerID int64) (models.BlockStatus, error) {
	args := m.Called(ctx, senderID, peerID)
	var status models.BlockStatus
	if val := args.Get(0); val != nil {
		status = val.(models.BlockStatus)
	}
	return status, args.Error(1)
}

func (m *BlockRepositoryMock) BlockedPeers(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	args := m.Called(ctx, userID)
	var peers map[int64]struct{}
	if val := args.Get(0); val != nil {
		peers = val.(map[int64]struct{})
	}
	return peers, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Create(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	switch val := args.Get(0).(type) {
	case func(models.Message) models.Message:
		stored = val(msg)
	case models.Message:
		stored = val
	}
	return stored, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListPage(ctx context.Context, room models.RoomRef, cursor *models.Cursor, direction models.Direction, limit int) (models.HistoryPage, error) {
	args := m.Called(ctx, room, cursor, direction, limit)
	var page models.HistoryPage
	if val := args.Get(0); val != nil {
		page = val.(models.HistoryPage)
	}
	return page, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, messageID int64) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) Tombstone(ctx context.Context, messageID int64, senderID int64) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) GetSummary(ctx context.Context, userID int64) (models.SenderSummary, error) {
	args := m.Called(ctx, userID)
	var summary models.SenderSummary
	if val := args.Get(0); val != nil {
		summary = val.(models.SenderSummary)
	}
	return summary, args.Error(1)
}

// Sent is one frame captured by BroadcasterRecorder. ConnID is set for direct sends.
type Sent struct {
	Room    rooms.Key
	ConnID  string
	Exclude string
	Frame   models.Frame
}

// BroadcasterRecorder records frames instead of writing them to connections.
// Users maps a room key to the user ids of its live members, used to evaluate skip.
type BroadcasterRecorder struct {
	mu    sync.Mutex
	Users map[rooms.Key][]int64
	Gone  map[string]bool
	log   []Sent
}

func (b *BroadcasterRecorder) Broadcast(key rooms.Key, frame models.Frame, excludeConnID string, skip func(int64) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, Sent{Room: key, Exclude: excludeConnID, Frame: frame})
	n := 0
	for _, userID := range b.Users[key] {
		if skip != nil && skip(userID) {
			continue
		}
		n++
	}
	return n
}

func (b *BroadcasterRecorder) SendTo(connID string, frame models.Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Gone[connID] {
		return false
	}
	b.log = append(b.log, Sent{ConnID: connID, Frame: frame})
	return true
}

// Frames returns every recorded frame in send order.
func (b *BroadcasterRecorder) Frames() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.log...)
}

// OfType filters the recorded frames by type.
func (b *BroadcasterRecorder) OfType(t models.FrameType) []Sent {
	var out []Sent
	for _, s := range b.Frames() {
		if s.Frame.Type == t {
			out = append(out, s)
		}
	}
	return out
}
