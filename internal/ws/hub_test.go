package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/config"
	"chat-realtime/internal/models"
	"chat-realtime/internal/rooms"
)

func testWSConfig() config.WSConfig {
	return config.WSConfig{
		SendBuffer:      8,
		WriteWait:       time.Second,
		PongWait:        5 * time.Second,
		PingPeriod:      4 * time.Second,
		MaxMessageBytes: 64 * 1024,
		SubmitRate:      100,
		SubmitBurst:     10,
	}
}

func offlineClient(hub *Hub, connID string, userID int64) *Client {
	c := newClient(ConnInfo{ConnID: connID, UserID: userID, ConnectedAt: time.Now()}, hub, nil, testWSConfig(), zerolog.Nop())
	hub.Register(c)
	return c
}

func drain(c *Client) []models.Frame {
	var out []models.Frame
	for {
		select {
		case payload := <-c.send:
			var f models.Frame
			if err := json.Unmarshal(payload, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func TestHubJoinLeave(t *testing.T) {
	hub := NewHub()
	a := offlineClient(hub, "a", 1)
	key := rooms.ConversationKey(5)

	assert.True(t, hub.Join(key, a))
	assert.False(t, hub.Join(key, a))
	assert.Equal(t, 1, hub.RoomCount())
	assert.True(t, hub.IsMember(key, "a"))

	assert.True(t, hub.Leave(key, a))
	assert.False(t, hub.Leave(key, a))
	assert.Equal(t, 0, hub.RoomCount())
	assert.Empty(t, hub.Members(key))
}

func TestHubBroadcastExcludesOriginAndSkippedUsers(t *testing.T) {
	hub := NewHub()
	key := rooms.GroupKey(3)
	a := offlineClient(hub, "a", 1)
	b := offlineClient(hub, "b", 2)
	c := offlineClient(hub, "c", 3)
	for _, cl := range []*Client{a, b, c} {
		hub.Join(key, cl)
	}

	n := hub.Broadcast(key, models.Frame{Type: models.FrameMessage, Room: key}, "a", func(userID int64) bool { return userID == 3 })
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
	assert.Empty(t, drain(c))
}

func TestHubUnregisterLeavesAllRooms(t *testing.T) {
	hub := NewHub()
	a := offlineClient(hub, "a", 1)
	hub.Join(rooms.UserKey(1), a)
	hub.Join(rooms.GroupKey(2), a)
	require.Equal(t, 2, hub.RoomCount())

	a.close()
	assert.Equal(t, 0, hub.RoomCount())
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.SendTo("a", models.Frame{Type: models.FramePong}))
}

func TestHubSlowConsumerIsDisconnected(t *testing.T) {
	hub := NewHub()
	key := rooms.GroupKey(1)
	slow := offlineClient(hub, "slow", 1)
	hub.Join(key, slow)

	for i := 0; i < testWSConfig().SendBuffer; i++ {
		require.Equal(t, 1, hub.Broadcast(key, models.Frame{Type: models.FrameMessage}, "", nil))
	}
	assert.Equal(t, 0, hub.Broadcast(key, models.Frame{Type: models.FrameMessage}, "", nil))
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.IsMember(key, "slow"))
}

func TestHubJoinAfterCloseIsIgnored(t *testing.T) {
	hub := NewHub()
	key := rooms.GroupKey(1)
	c := offlineClient(hub, "gone", 1)
	c.close()

	assert.False(t, hub.Join(key, c))
	assert.False(t, hub.IsMember(key, "gone"))
	assert.Empty(t, hub.Members(key))
	assert.Zero(t, hub.RoomCount())
}

func TestHubConcurrentJoinBroadcast(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := offlineClient(hub, fmt.Sprintf("c%d", i), int64(i+1))
			key := rooms.GroupKey(int64(i%4 + 1))
			hub.Join(key, c)
			hub.Broadcast(key, models.Frame{Type: models.FrameTyping, Room: key}, c.ID(), nil)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, hub.RoomCount())
	assert.Equal(t, 16, hub.ConnectionCount())
}
