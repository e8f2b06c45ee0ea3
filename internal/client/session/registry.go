package session

import (
	"sort"
	"sync"

	"chat-realtime/internal/rooms"
)

// Registry is the set of rooms the session must be joined to. It is the only
// source consulted when membership is replayed after a reconnect.
type Registry struct {
	mu    sync.Mutex
	rooms map[rooms.Key]struct{}
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[rooms.Key]struct{})}
}

// Join adds key and reports whether it was new.
func (r *Registry) Join(key rooms.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[key]; ok {
		return false
	}
	r.rooms[key] = struct{}{}
	return true
}

// Leave removes key and reports whether it was present.
func (r *Registry) Leave(key rooms.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[key]; !ok {
		return false
	}
	delete(r.rooms, key)
	return true
}

func (r *Registry) Has(key rooms.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[key]
	return ok
}

// ActiveRooms returns the joined keys in sorted order.
func (r *Registry) ActiveRooms() []rooms.Key {
	r.mu.Lock()
	keys := make([]rooms.Key, 0, len(r.rooms))
	for key := range r.rooms {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
