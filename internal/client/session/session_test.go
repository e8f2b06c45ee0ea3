package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/client/history"
	"chat-realtime/internal/client/pending"
	"chat-realtime/internal/models"
	"chat-realtime/internal/rooms"
)

var errTransport = errors.New("connection refused")

type fakeConn struct {
	mu        sync.Mutex
	written   []models.Frame
	incoming  chan models.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan models.Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (models.Frame, error) {
	select {
	case frame := <-c.incoming:
		return frame, nil
	case <-c.closed:
		return models.Frame{}, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteFrame(frame models.Frame) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Frame(nil), c.written...)
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands out scripted results, then transport errors.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errTransport
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) record(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *stateLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.changes))
	for _, c := range l.changes {
		out = append(out, c.To)
	}
	return out
}

func (l *stateLog) last() StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.changes) == 0 {
		return StateChange{}
	}
	return l.changes[len(l.changes)-1]
}

func testOptions() Options {
	return Options{
		UserID:          7,
		Logger:          zerolog.Nop(),
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxAttempts:     3,
	}
}

func newTestSession(t *testing.T, dialer Dialer, opts Options) (*Session, *stateLog) {
	t.Helper()
	s := New(dialer, opts)
	log := &stateLog{}
	s.OnStateChange(log.record)
	t.Cleanup(s.Close)
	return s, log
}

func joins(frames []models.Frame) []rooms.Key {
	var keys []rooms.Key
	for _, f := range frames {
		if f.Type == models.FrameJoin {
			keys = append(keys, f.Room)
		}
	}
	return keys
}

func TestRegistryIsIdempotentAndSorted(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Join(rooms.GroupKey(2)))
	assert.False(t, r.Join(rooms.GroupKey(2)))
	assert.True(t, r.Join(rooms.ConversationKey(9)))
	assert.Equal(t, []rooms.Key{rooms.ConversationKey(9), rooms.GroupKey(2)}, r.ActiveRooms())

	assert.True(t, r.Leave(rooms.GroupKey(2)))
	assert.False(t, r.Leave(rooms.GroupKey(2)))
	assert.Equal(t, []rooms.Key{rooms.ConversationKey(9)}, r.ActiveRooms())
}

func TestConnectReplaysRoomsThenUserRoom(t *testing.T) {
	conn := newFakeConn()
	s, log := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, testOptions())
	ctx := context.Background()

	require.NoError(t, s.Join(ctx, rooms.GroupKey(2)))
	require.NoError(t, s.Join(ctx, rooms.ConversationKey(1)))
	assert.Empty(t, conn.Written())

	require.NoError(t, s.Connect(ctx, "token"))
	assert.True(t, s.IsConnected())
	assert.Equal(t, []State{Connecting, Connected}, log.states())
	assert.Equal(t, []rooms.Key{rooms.ConversationKey(1), rooms.GroupKey(2), rooms.UserKey(7)}, joins(conn.Written()))
	assert.Contains(t, s.ActiveRooms(), rooms.UserKey(7))
}

func TestJoinWhileConnectedIsSentOnce(t *testing.T) {
	conn := newFakeConn()
	s, _ := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, testOptions())
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "token"))

	require.NoError(t, s.Join(ctx, rooms.GroupKey(4)))
	require.NoError(t, s.Join(ctx, rooms.GroupKey(4)))
	require.NoError(t, s.Leave(ctx, rooms.GroupKey(4)))

	var types []models.FrameType
	for _, f := range conn.Written() {
		if f.Room == rooms.GroupKey(4) {
			types = append(types, f.Type)
		}
	}
	assert.Equal(t, []models.FrameType{models.FrameJoin, models.FrameLeave}, types)
	assert.Error(t, s.Join(ctx, rooms.Key("lobby")))
}

func TestReconnectReplaysMembership(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: first}, {err: errTransport}, {conn: second}}}
	s, log := newTestSession(t, dialer, testOptions())
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, rooms.GroupKey(3)))
	require.NoError(t, s.Connect(ctx, "token"))

	_ = first.Close()

	require.Eventually(t, func() bool {
		return len(log.states()) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []rooms.Key{rooms.GroupKey(3), rooms.UserKey(7)}, joins(second.Written()))
	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Connected}, log.states())
	assert.Equal(t, 3, dialer.Dials())
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	dialer := &fakeDialer{results: []dialResult{{err: fmt.Errorf("%w: 401 Unauthorized", ErrUnauthorized)}}}
	s, log := newTestSession(t, dialer, testOptions())

	err := s.Connect(context.Background(), "expired")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, Disconnected, s.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())
	last := log.last()
	assert.True(t, last.Terminal)
	assert.ErrorIs(t, last.Err, ErrUnauthorized)
}

func TestAuthFailureDuringReconnectStops(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}, {err: ErrUnauthorized}}}
	s, log := newTestSession(t, dialer, testOptions())
	require.NoError(t, s.Connect(context.Background(), "token"))

	_ = conn.Close()
	require.Eventually(t, func() bool { return s.State() == Disconnected }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.Dials())
	assert.ErrorIs(t, log.last().Err, ErrUnauthorized)
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	s, log := newTestSession(t, dialer, testOptions())

	require.NoError(t, s.Connect(context.Background(), "token"))
	require.Eventually(t, func() bool { return s.State() == Disconnected }, 2*time.Second, 5*time.Millisecond)

	last := log.last()
	assert.True(t, last.Terminal)
	assert.ErrorIs(t, last.Err, ErrRetriesExhausted)
	assert.Equal(t, 4, dialer.Dials())
	assert.Equal(t, []State{Connecting, Reconnecting, Disconnected}, log.states())
}

func TestDisconnectCancelsRetry(t *testing.T) {
	dialer := &fakeDialer{}
	opts := testOptions()
	opts.InitialInterval = 100 * time.Millisecond
	opts.MaxInterval = 100 * time.Millisecond
	s, _ := newTestSession(t, dialer, opts)

	require.NoError(t, s.Connect(context.Background(), "token"))
	assert.Equal(t, Reconnecting, s.State())
	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())
}

func newTestCache(t *testing.T) *history.Cache {
	t.Helper()
	cache, err := history.NewCache(nil, history.Options{})
	require.NoError(t, err)
	return cache
}

func TestSendQueuedOfflineFlushedAfterReplay(t *testing.T) {
	conn := newFakeConn()
	opts := testOptions()
	opts.Cache = newTestCache(t)
	s, _ := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, opts)
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, rooms.GroupKey(2)))

	group := int64(2)
	receipt, err := s.Send(ctx, models.SubmitPayload{GroupID: &group, Content: "offline hello"})
	require.NoError(t, err)
	assert.True(t, receipt.Queued)
	assert.Negative(t, receipt.Local.ID)

	require.NoError(t, s.Connect(ctx, "token"))
	written := conn.Written()
	require.Len(t, written, 3)
	assert.Equal(t, models.FrameJoin, written[0].Type)
	assert.Equal(t, rooms.UserKey(7), written[1].Room)
	assert.Equal(t, models.FrameSubmit, written[2].Type)
	assert.Equal(t, receipt.CorrelationID, written[2].CorrelationID)
	assert.Equal(t, models.KindText, written[2].Submit.MessageType)

	persistedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conn.incoming <- models.Frame{Type: models.FrameDeliveryAck, Room: rooms.GroupKey(2), CorrelationID: receipt.CorrelationID, PersistedMessageID: 99, SentAt: &persistedAt}
	out, err := pending.Wait(ctx, receipt.Outcome)
	require.NoError(t, err)
	assert.Equal(t, pending.Delivered, out.Status)
	assert.Equal(t, int64(99), out.MessageID)

	require.Eventually(t, func() bool {
		w, ok := opts.Cache.Peek(rooms.GroupKey(2))
		return ok && len(w.Messages) == 1 && w.Messages[0].ID == 99 && w.Messages[0].SentAt.Equal(persistedAt)
	}, time.Second, 5*time.Millisecond)
}

func TestQueuedSendDeadlineStartsWhenFlushed(t *testing.T) {
	conn := newFakeConn()
	opts := testOptions()
	opts.DeliveryTimeout = 20 * time.Millisecond
	s, _ := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, opts)
	ctx := context.Background()

	conv := int64(5)
	receipt, err := s.Send(ctx, models.SubmitPayload{ConversationID: &conv, Content: "later"})
	require.NoError(t, err)
	require.True(t, receipt.Queued)

	select {
	case out := <-receipt.Outcome:
		t.Fatalf("queued send resolved before it was written: %v", out.Status)
	case <-time.After(60 * time.Millisecond):
	}
	assert.True(t, s.Tracker().Has(receipt.CorrelationID))

	require.NoError(t, s.Connect(ctx, "token"))
	written := conn.Written()
	require.Len(t, written, 2)
	assert.Equal(t, receipt.CorrelationID, written[1].CorrelationID)

	out, err := pending.Wait(ctx, receipt.Outcome)
	require.NoError(t, err)
	assert.Equal(t, pending.Unconfirmed, out.Status)
}

func TestCloseFailsQueuedSends(t *testing.T) {
	opts := testOptions()
	opts.Cache = newTestCache(t)
	s := New(&fakeDialer{}, opts)

	group := int64(3)
	receipt, err := s.Send(context.Background(), models.SubmitPayload{GroupID: &group, Content: "never sent"})
	require.NoError(t, err)
	require.True(t, receipt.Queued)

	s.Close()
	out, err := pending.Wait(context.Background(), receipt.Outcome)
	require.NoError(t, err)
	assert.Equal(t, pending.Failed, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, "not_sent", out.Err.Code)

	w, _ := opts.Cache.Peek(rooms.GroupKey(3))
	assert.Empty(t, w.Messages)
}

func TestSendUnconfirmedWhenNoSignal(t *testing.T) {
	conn := newFakeConn()
	opts := testOptions()
	opts.DeliveryTimeout = 20 * time.Millisecond
	s, _ := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, opts)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "token"))

	conv := int64(5)
	receipt, err := s.Send(ctx, models.SubmitPayload{ConversationID: &conv, Content: "anyone?"})
	require.NoError(t, err)
	assert.False(t, receipt.Queued)

	out, err := pending.Wait(ctx, receipt.Outcome)
	require.NoError(t, err)
	assert.Equal(t, pending.Unconfirmed, out.Status)
	assert.Nil(t, out.Err)

	// a late ack is ignored
	conn.incoming <- models.Frame{Type: models.FrameDeliveryAck, CorrelationID: receipt.CorrelationID, PersistedMessageID: 3}
	assert.Never(t, func() bool { return s.Tracker().Has(receipt.CorrelationID) }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDeliveryFailedDiscardsOptimisticCopy(t *testing.T) {
	conn := newFakeConn()
	opts := testOptions()
	opts.Cache = newTestCache(t)
	s, _ := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, opts)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, "token"))

	conv := int64(5)
	receipt, err := s.Send(ctx, models.SubmitPayload{ConversationID: &conv, Content: "hi"})
	require.NoError(t, err)
	w, _ := opts.Cache.Peek(rooms.ConversationKey(5))
	require.Len(t, w.Messages, 1)

	conn.incoming <- models.Frame{
		Type:          models.FrameDeliveryFailed,
		Room:          rooms.ConversationKey(5),
		CorrelationID: receipt.CorrelationID,
		ErrorCode:     "recipient_blocked",
		Error:         "you have blocked this user",
	}
	out, err := pending.Wait(ctx, receipt.Outcome)
	require.NoError(t, err)
	assert.Equal(t, pending.Failed, out.Status)
	require.NotNil(t, out.Err)
	assert.Equal(t, "recipient_blocked", out.Err.Code)

	require.Eventually(t, func() bool {
		w, _ := opts.Cache.Peek(rooms.ConversationKey(5))
		return len(w.Messages) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSendRejectsInvalidRoom(t *testing.T) {
	s, _ := newTestSession(t, &fakeDialer{}, testOptions())
	_, err := s.Send(context.Background(), models.SubmitPayload{Content: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidRoomRef)
	assert.Zero(t, s.Tracker().Pending())
}

func TestOutboxLimit(t *testing.T) {
	opts := testOptions()
	opts.OutboxLimit = 1
	s, _ := newTestSession(t, &fakeDialer{}, opts)
	group := int64(1)

	_, err := s.Send(context.Background(), models.SubmitPayload{GroupID: &group, Content: "a"})
	require.NoError(t, err)
	_, err = s.Send(context.Background(), models.SubmitPayload{GroupID: &group, Content: "b"})
	assert.ErrorIs(t, err, ErrOutboxFull)
	assert.Equal(t, 1, s.Tracker().Pending())
}

func TestIncomingFramesUpdateCacheAndHandlers(t *testing.T) {
	conn := newFakeConn()
	opts := testOptions()
	opts.Cache = newTestCache(t)
	s, _ := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, opts)

	var mu sync.Mutex
	var seen []models.FrameType
	s.OnFrame(func(f models.Frame) {
		mu.Lock()
		seen = append(seen, f.Type)
		mu.Unlock()
	})
	require.NoError(t, s.Connect(context.Background(), "token"))

	group := int64(8)
	key := rooms.GroupKey(8)
	conn.incoming <- models.Frame{Type: models.FrameMessage, Room: key, Message: &models.MessagePush{
		Message: models.Message{ID: 40, GroupID: &group, SenderID: 2, Content: "yo", Kind: models.KindText, SentAt: time.Now()},
	}}
	conn.incoming <- models.Frame{Type: models.FrameMessageRead, Room: key, MessageID: 40}
	conn.incoming <- models.Frame{Type: models.FrameMessageDeleted, Room: key, MessageID: 40}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	w, ok := opts.Cache.Peek(key)
	require.True(t, ok)
	require.Len(t, w.Messages, 1)
	assert.True(t, w.Messages[0].Read)
	assert.Equal(t, models.KindDeleted, w.Messages[0].Kind)
}

func TestJoinFailedDropsRoomFromRegistry(t *testing.T) {
	conn := newFakeConn()
	s, _ := newTestSession(t, &fakeDialer{results: []dialResult{{conn: conn}}}, testOptions())
	ctx := context.Background()
	require.NoError(t, s.Join(ctx, rooms.GroupKey(9)))
	require.NoError(t, s.Connect(ctx, "token"))

	conn.incoming <- models.Frame{Type: models.FrameJoinFailed, Room: rooms.GroupKey(9), ErrorCode: "not_member"}
	require.Eventually(t, func() bool {
		return !s.registry.Has(rooms.GroupKey(9))
	}, time.Second, 5*time.Millisecond)
}
