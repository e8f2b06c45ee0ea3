package dispatch

import (
	"sync"

	"chat-realtime/internal/rooms"
)

// roomLocks hands out one mutex per room key and frees it when the last holder leaves.
type roomLocks struct {
	mu    sync.Mutex
	locks map[rooms.Key]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[rooms.Key]*refLock)}
}

// Lock blocks until key is held and returns the matching unlock.
func (l *roomLocks) Lock(key rooms.Key) func() {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &refLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
