package ws

import (
	"encoding/json"
	"hash/maphash"
	"sync"

	"github.com/rs/zerolog/log"

	"chat-realtime/internal/models"
	"chat-realtime/internal/rooms"
)

const shardCount = 32

type roomSet struct {
	mu      sync.RWMutex
	members map[string]*Client
}

type shard struct {
	mu    sync.RWMutex
	rooms map[rooms.Key]*roomSet
}

// Hub tracks live connections and the rooms they joined.
// Rooms are spread over shards so unrelated rooms never contend on one lock.
type Hub struct {
	seed   maphash.Seed
	shards [shardCount]*shard

	connMu sync.RWMutex
	conns  map[string]*Client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	h := &Hub{seed: maphash.MakeSeed(), conns: make(map[string]*Client)}
	for i := range h.shards {
		h.shards[i] = &shard{rooms: make(map[rooms.Key]*roomSet)}
	}
	return h
}

func (h *Hub) shardFor(key rooms.Key) *shard {
	return h.shards[maphash.String(h.seed, string(key))%shardCount]
}

// Register makes a connection addressable by id.
func (h *Hub) Register(c *Client) {
	h.connMu.Lock()
	h.conns[c.info.ConnID] = c
	h.connMu.Unlock()
}

// Unregister removes a connection and leaves every room it joined.
func (h *Hub) Unregister(c *Client) {
	h.connMu.Lock()
	delete(h.conns, c.info.ConnID)
	h.connMu.Unlock()

	for _, key := range c.joinedRooms() {
		h.Leave(key, c)
	}
}

// Join adds c to the room. It reports false when c was already a member or has
// been closed.
func (h *Hub) Join(key rooms.Key, c *Client) bool {
	if c.closed() {
		return false
	}
	s := h.shardFor(key)
	s.mu.Lock()
	set, ok := s.rooms[key]
	if !ok {
		set = &roomSet{members: make(map[string]*Client)}
		s.rooms[key] = set
	}
	set.mu.Lock()
	_, existed := set.members[c.info.ConnID]
	set.members[c.info.ConnID] = c
	set.mu.Unlock()
	s.mu.Unlock()

	c.trackRoom(key, true)
	// close may have unregistered c between the check above and trackRoom
	if c.closed() {
		h.Leave(key, c)
		return false
	}
	return !existed
}

// Leave removes c from the room. It reports false when c was not a member.
func (h *Hub) Leave(key rooms.Key, c *Client) bool {
	s := h.shardFor(key)
	s.mu.Lock()
	set, ok := s.rooms[key]
	if !ok {
		s.mu.Unlock()
		c.trackRoom(key, false)
		return false
	}
	set.mu.Lock()
	_, existed := set.members[c.info.ConnID]
	delete(set.members, c.info.ConnID)
	empty := len(set.members) == 0
	set.mu.Unlock()
	if empty {
		delete(s.rooms, key)
	}
	s.mu.Unlock()

	c.trackRoom(key, false)
	return existed
}

// Members snapshots the connections joined to a room.
func (h *Hub) Members(key rooms.Key) []*Client {
	s := h.shardFor(key)
	s.mu.RLock()
	set, ok := s.rooms[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	out := make([]*Client, 0, len(set.members))
	for _, c := range set.members {
		out = append(out, c)
	}
	return out
}

// IsMember reports whether the connection joined the room.
func (h *Hub) IsMember(key rooms.Key, connID string) bool {
	s := h.shardFor(key)
	s.mu.RLock()
	set, ok := s.rooms[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	_, ok = set.members[connID]
	return ok
}

// Broadcast queues frame on every member of the room except excludeConnID and users for
// which skip returns true. Writes happen outside the room lock.
func (h *Hub) Broadcast(key rooms.Key, frame models.Frame, excludeConnID string, skip func(userID int64) bool) int {
	members := h.Members(key)
	if len(members) == 0 {
		return 0
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("room", key.String()).Msg("marshal frame failed")
		return 0
	}

	delivered := 0
	for _, c := range members {
		if c.info.ConnID == excludeConnID {
			continue
		}
		if skip != nil && skip(c.info.UserID) {
			continue
		}
		if c.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// SendTo queues frame on a single connection.
func (h *Hub) SendTo(connID string, frame models.Frame) bool {
	h.connMu.RLock()
	c, ok := h.conns[connID]
	h.connMu.RUnlock()
	if !ok {
		return false
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("conn_id", connID).Msg("marshal frame failed")
		return false
	}
	return c.enqueue(payload)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	n := 0
	for _, s := range h.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.conns)
}
