// Package history keeps per-room message windows that merge fetched pages with live pushes.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"chat-realtime/internal/models"
	"chat-realtime/internal/rooms"
)

const (
	DefaultMaxRooms       = 64
	DefaultRoomCeiling    = 200
	DefaultPageSize       = 50
	DefaultDedupWindow    = 4 * time.Second
	DefaultSelfEchoWindow = 10 * time.Second
	DefaultIdleTTL        = 30 * time.Minute
)

// Fetcher reads one history page from the server.
type Fetcher interface {
	FetchPage(ctx context.Context, req models.HistoryRequest) (models.HistoryPage, error)
}

// Options tunes a Cache. Zero values take the defaults above.
type Options struct {
	MaxRooms       int
	RoomCeiling    int
	PageSize       int
	DedupWindow    time.Duration
	SelfEchoWindow time.Duration
	IdleTTL        time.Duration
	// SelfID is the local user, used to recognise echoes of our own messages.
	SelfID int64
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.MaxRooms <= 0 {
		o.MaxRooms = DefaultMaxRooms
	}
	if o.RoomCeiling <= 0 {
		o.RoomCeiling = DefaultRoomCeiling
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.SelfEchoWindow <= 0 {
		o.SelfEchoWindow = DefaultSelfEchoWindow
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = DefaultIdleTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Window is the cached slice of one room's history, oldest first.
type Window struct {
	Room        rooms.Key
	Messages    []models.Message
	OlderCursor string
	NewerCursor string
	HasOlder    bool
	HasNewer    bool
	Touched     time.Time

	loaded     bool
	optimistic map[string]time.Time
	// ids reconciled without a server timestamp; their SentAt is the local clock
	localClock map[int64]struct{}
}

func (w *Window) snapshot() Window {
	out := *w
	out.Messages = append([]models.Message(nil), w.Messages...)
	out.optimistic = nil
	out.localClock = nil
	return out
}

// persisted reports whether m's id and timestamp both come from the server, which
// makes it safe to page from.
func (w *Window) persisted(m models.Message) bool {
	if m.ID <= 0 {
		return false
	}
	_, local := w.localClock[m.ID]
	return !local
}

func (w *Window) oldestPersisted() (models.Message, bool) {
	for _, m := range w.Messages {
		if w.persisted(m) {
			return m, true
		}
	}
	return models.Message{}, false
}

func (w *Window) newestPersisted() (models.Message, bool) {
	for i := len(w.Messages) - 1; i >= 0; i-- {
		if w.persisted(w.Messages[i]) {
			return w.Messages[i], true
		}
	}
	return models.Message{}, false
}

func (w *Window) indexByID(id int64) int {
	for i := range w.Messages {
		if w.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (w *Window) indexByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range w.Messages {
		if w.Messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (w *Window) insertSorted(msg models.Message) {
	pos := sort.Search(len(w.Messages), func(i int) bool {
		return msg.Cursor().Before(w.Messages[i].Cursor())
	})
	w.Messages = append(w.Messages, models.Message{})
	copy(w.Messages[pos+1:], w.Messages[pos:])
	w.Messages[pos] = msg
}

func (w *Window) resort() {
	sort.SliceStable(w.Messages, func(i, j int) bool {
		return w.Messages[i].Cursor().Before(w.Messages[j].Cursor())
	})
}

func (w *Window) remove(i int) {
	w.Messages = append(w.Messages[:i], w.Messages[i+1:]...)
}

// Cache holds windows for the most recently touched rooms.
type Cache struct {
	mu      sync.Mutex
	fetcher Fetcher
	opts    Options
	windows *lru.Cache[rooms.Key, *Window]
	tempSeq int64
}

// NewCache constructs a Cache backed by fetcher.
func NewCache(fetcher Fetcher, opts Options) (*Cache, error) {
	opts.defaults()
	windows, err := lru.New[rooms.Key, *Window](opts.MaxRooms)
	if err != nil {
		return nil, fmt.Errorf("create room lru: %w", err)
	}
	return &Cache{fetcher: fetcher, opts: opts, windows: windows}, nil
}

// SetSelfID updates the local user id once the session knows it.
func (c *Cache) SetSelfID(id int64) {
	c.mu.Lock()
	c.opts.SelfID = id
	c.mu.Unlock()
}

func (c *Cache) window(key rooms.Key) *Window {
	w, ok := c.windows.Get(key)
	if !ok {
		w = &Window{Room: key, optimistic: make(map[string]time.Time), localClock: make(map[int64]struct{})}
		c.windows.Add(key, w)
	}
	w.Touched = c.opts.Now()
	return w
}

// Peek returns the cached window without fetching or touching it.
func (c *Cache) Peek(key rooms.Key) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows.Peek(key)
	if !ok {
		return Window{}, false
	}
	return w.snapshot(), true
}

// Rooms lists the cached room keys, least recently used first.
func (c *Cache) Rooms() []rooms.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows.Keys()
}

// GetWindow returns the room's window, fetching the latest page on first access.
func (c *Cache) GetWindow(ctx context.Context, key rooms.Key) (Window, error) {
	c.mu.Lock()
	w := c.window(key)
	if w.loaded {
		snap := w.snapshot()
		c.mu.Unlock()
		return snap, nil
	}
	limit := c.opts.PageSize
	c.mu.Unlock()

	page, err := c.fetcher.FetchPage(ctx, models.HistoryRequest{Room: key, Direction: models.Older, Limit: limit})
	if err != nil {
		return Window{}, fmt.Errorf("fetch latest page of %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w = c.window(key)
	if !w.loaded {
		c.mergePage(w, page)
		w.HasOlder = page.HasMore
		w.OlderCursor = page.NextCursor
		w.NewerCursor = page.PreviousCursor
		w.loaded = true
		c.trim(w)
	}
	return w.snapshot(), nil
}

// LoadOlder fetches the page before the oldest cached message. It returns how many
// messages were added, and does nothing once the server reported no more.
func (c *Cache) LoadOlder(ctx context.Context, key rooms.Key) (int, error) {
	return c.load(ctx, key, models.Older)
}

// LoadNewer fetches the page after the newest cached message while a gap is known.
func (c *Cache) LoadNewer(ctx context.Context, key rooms.Key) (int, error) {
	return c.load(ctx, key, models.Newer)
}

func (c *Cache) load(ctx context.Context, key rooms.Key, direction models.Direction) (int, error) {
	c.mu.Lock()
	w, ok := c.windows.Get(key)
	if !ok || !w.loaded {
		c.mu.Unlock()
		win, err := c.GetWindow(ctx, key)
		if err != nil {
			return 0, err
		}
		return len(win.Messages), nil
	}
	w.Touched = c.opts.Now()
	more, cursor := w.HasOlder, w.OlderCursor
	if direction == models.Newer {
		more, cursor = w.HasNewer, w.NewerCursor
	}
	limit := c.opts.PageSize
	c.mu.Unlock()
	if !more {
		return 0, nil
	}

	page, err := c.fetcher.FetchPage(ctx, models.HistoryRequest{Room: key, Cursor: cursor, Direction: direction, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("fetch %s page of %s: %w", direction, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w = c.window(key)
	added := c.mergePage(w, page)
	if direction == models.Older {
		w.HasOlder = page.HasMore
		if page.NextCursor != "" {
			w.OlderCursor = page.NextCursor
		}
		c.trimNewest(w)
	} else {
		w.HasNewer = page.HasMore
		if page.PreviousCursor != "" {
			w.NewerCursor = page.PreviousCursor
		}
		c.trim(w)
	}
	return added, nil
}

// mergePage adds fetched messages that are not already present.
func (c *Cache) mergePage(w *Window, page models.HistoryPage) int {
	added := 0
	for _, msg := range page.Messages {
		if c.absorb(w, msg) {
			added++
		}
	}
	return added
}

// PushLive merges a message received on the live channel. It reports whether a new
// visible entry was added.
func (c *Cache) PushLive(key rooms.Key, msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(key)
	inserted := c.absorb(w, msg)
	c.trim(w)
	return inserted
}

// absorb applies the duplicate rules and inserts msg when it is new.
func (c *Cache) absorb(w *Window, msg models.Message) bool {
	if i := w.indexByID(msg.ID); i >= 0 {
		if _, local := w.localClock[msg.ID]; local {
			delete(w.localClock, msg.ID)
			c.replace(w, i, msg)
		}
		return false
	}
	if i := w.indexByClientID(msg.ClientID); i >= 0 {
		c.replace(w, i, msg)
		return false
	}

	now := c.opts.Now()
	if msg.ClientID == "" && msg.SenderID == c.opts.SelfID && msg.SenderID != 0 {
		for i := range w.Messages {
			existing := w.Messages[i]
			inserted, optimistic := w.optimistic[existing.ClientID]
			if optimistic && existing.Content == msg.Content && now.Sub(inserted) <= c.opts.SelfEchoWindow {
				c.replace(w, i, msg)
				return false
			}
		}
	}

	for i, existing := range w.Messages {
		if existing.SenderID != msg.SenderID || existing.Content != msg.Content {
			continue
		}
		// two distinct client ids are two distinct messages
		if existing.ClientID != "" && msg.ClientID != "" {
			continue
		}
		if absDuration(existing.SentAt.Sub(msg.SentAt)) > c.opts.DedupWindow {
			continue
		}
		if existing.ID < 0 {
			c.replace(w, i, msg)
		}
		return false
	}

	w.insertSorted(msg)
	return true
}

// replace swaps the entry at i for the server copy, keeping the client id.
func (c *Cache) replace(w *Window, i int, msg models.Message) {
	old := w.Messages[i]
	delete(w.optimistic, old.ClientID)
	if msg.ClientID == "" {
		msg.ClientID = old.ClientID
	}
	w.Messages[i] = msg
	w.resort()
}

// InsertOptimistic adds a local copy of a message being sent. It receives a negative
// temporary id until the server id is reconciled.
func (c *Cache) InsertOptimistic(key rooms.Key, msg models.Message) models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempSeq++
	msg.ID = -c.tempSeq
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	now := c.opts.Now()
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	w := c.window(key)
	w.optimistic[msg.ClientID] = now
	w.insertSorted(msg)
	c.trim(w)
	return msg
}

// Reconcile assigns the persisted id, and the persisted time when sentAt is set,
// to the optimistic entry with clientID.
func (c *Cache) Reconcile(key rooms.Key, clientID string, serverID int64, sentAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows.Peek(key)
	if !ok {
		return false
	}
	i := w.indexByClientID(clientID)
	if i < 0 {
		return false
	}
	delete(w.optimistic, clientID)
	if j := w.indexByID(serverID); j >= 0 && j != i {
		// the server copy already arrived
		w.remove(i)
		return true
	}
	w.Messages[i].ID = serverID
	if sentAt.IsZero() {
		w.localClock[serverID] = struct{}{}
	} else {
		w.Messages[i].SentAt = sentAt
	}
	w.resort()
	return true
}

// Discard drops an optimistic entry whose submission failed.
func (c *Cache) Discard(key rooms.Key, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows.Peek(key)
	if !ok {
		return false
	}
	i := w.indexByClientID(clientID)
	if i < 0 || w.Messages[i].ID > 0 {
		return false
	}
	delete(w.optimistic, clientID)
	w.remove(i)
	return true
}

// ApplyTombstone marks a cached message as retracted.
func (c *Cache) ApplyTombstone(key rooms.Key, messageID int64) bool {
	return c.patch(key, messageID, func(m *models.Message) { *m = m.Tombstone() })
}

// ApplyRead marks a cached message as read.
func (c *Cache) ApplyRead(key rooms.Key, messageID int64) bool {
	return c.patch(key, messageID, func(m *models.Message) { m.Read = true })
}

func (c *Cache) patch(key rooms.Key, messageID int64, fn func(*models.Message)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows.Peek(key)
	if !ok {
		return false
	}
	i := w.indexByID(messageID)
	if i < 0 {
		return false
	}
	fn(&w.Messages[i])
	return true
}

// MarkStale records that messages may have been missed, e.g. while offline, so the
// next LoadNewer catches up from the newest persisted entry.
func (c *Cache) MarkStale(key rooms.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows.Peek(key)
	if !ok || !w.loaded {
		return
	}
	if newest, ok := w.newestPersisted(); ok {
		w.NewerCursor = newest.Cursor().Encode()
		w.HasNewer = true
	}
}

// EvictStale trims every window to the ceiling and drops windows idle past IdleTTL.
func (c *Cache) EvictStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	dropped := 0
	for _, key := range c.windows.Keys() {
		w, ok := c.windows.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(w.Touched) > c.opts.IdleTTL {
			c.windows.Remove(key)
			dropped++
			continue
		}
		c.trim(w)
	}
	return dropped
}

func (c *Cache) trim(w *Window) {
	excess := len(w.Messages) - c.opts.RoomCeiling
	if excess <= 0 {
		return
	}
	for _, m := range w.Messages[:excess] {
		delete(w.optimistic, m.ClientID)
		delete(w.localClock, m.ID)
	}
	w.Messages = append([]models.Message(nil), w.Messages[excess:]...)
	w.HasOlder = true
	if oldest, ok := w.oldestPersisted(); ok {
		w.OlderCursor = oldest.Cursor().Encode()
	}
}

// trimNewest is used while paging backwards: dropping the page just fetched would
// make the next LoadOlder fetch it again.
func (c *Cache) trimNewest(w *Window) {
	keep := c.opts.RoomCeiling
	if len(w.Messages) <= keep {
		return
	}
	for _, m := range w.Messages[keep:] {
		delete(w.optimistic, m.ClientID)
		delete(w.localClock, m.ID)
	}
	w.Messages = append([]models.Message(nil), w.Messages[:keep]...)
	w.HasNewer = true
	if newest, ok := w.newestPersisted(); ok {
		w.NewerCursor = newest.Cursor().Encode()
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
