// Package session keeps one client's live channel open, replaying room membership
// on every connect and routing delivery signals to the tracker and history cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-realtime/internal/client/history"
	"chat-realtime/internal/client/pending"
	"chat-realtime/internal/models"
	"chat-realtime/internal/rooms"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrOutboxFull       = errors.New("offline outbox full")
	ErrNotSent          = errors.New("session closed before the message was sent")
)

// StateChange is passed to OnStateChange handlers.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Err     error
	// Terminal is set when the session stopped on its own and will not retry.
	Terminal bool
}

const (
	DefaultInitialInterval     = time.Second
	DefaultMaxInterval         = 30 * time.Second
	DefaultRandomizationFactor = 0.5
	DefaultMaxAttempts         = 10
	DefaultOutboxLimit         = 256
)

type Options struct {
	// UserID selects the per-user notification room joined on every connect.
	UserID  int64
	Cache   *history.Cache
	Tracker *pending.Tracker
	Logger  zerolog.Logger

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
	MaxAttempts         int
	DeliveryTimeout     time.Duration
	OutboxLimit         int
}

func (o *Options) defaults() {
	if o.Tracker == nil {
		o.Tracker = pending.NewTracker()
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.RandomizationFactor <= 0 {
		o.RandomizationFactor = DefaultRandomizationFactor
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = pending.DefaultTimeout
	}
	if o.OutboxLimit <= 0 {
		o.OutboxLimit = DefaultOutboxLimit
	}
}

// Receipt describes a submitted message.
type Receipt struct {
	CorrelationID string
	Room          rooms.Key
	// Local is the optimistic copy shown until the server id arrives.
	Local   models.Message
	Outcome <-chan pending.Outcome
	// Queued is set when the frame waits in the offline outbox.
	Queued bool
}

// Session owns the live channel of one client.
type Session struct {
	dialer   Dialer
	opts     Options
	registry *Registry
	tracker  *pending.Tracker
	cache    *history.Cache
	logger   zerolog.Logger

	mu            sync.Mutex
	state         State
	credential    string
	conn          Conn
	gen           uint64
	policy        backoff.BackOff
	attempt       int
	retry         *time.Timer
	outbox        []models.Frame
	connectedOnce bool
	runCtx        context.Context
	stop          context.CancelFunc

	handlersMu    sync.RWMutex
	stateHandlers []func(StateChange)
	frameHandlers []func(models.Frame)
}

func New(dialer Dialer, opts Options) *Session {
	opts.defaults()
	if opts.Cache != nil && opts.UserID != 0 {
		opts.Cache.SetSelfID(opts.UserID)
	}
	return &Session{
		dialer:   dialer,
		opts:     opts,
		registry: NewRegistry(),
		tracker:  opts.Tracker,
		cache:    opts.Cache,
		logger:   opts.Logger.With().Str("component", "session").Logger(),
		state:    Disconnected,
	}
}

// OnStateChange registers a handler for lifecycle transitions. Handlers run on the
// goroutine that caused the transition and must not block.
func (s *Session) OnStateChange(fn func(StateChange)) {
	s.handlersMu.Lock()
	s.stateHandlers = append(s.stateHandlers, fn)
	s.handlersMu.Unlock()
}

// OnFrame registers a handler for every frame received from the server.
func (s *Session) OnFrame(fn func(models.Frame)) {
	s.handlersMu.Lock()
	s.frameHandlers = append(s.frameHandlers, fn)
	s.handlersMu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool { return s.State() == Connected }

func (s *Session) Tracker() *pending.Tracker { return s.tracker }

// ActiveRooms lists the registry rooms plus the per-user room while connected.
func (s *Session) ActiveRooms() []rooms.Key {
	keys := s.registry.ActiveRooms()
	if !s.IsConnected() || s.opts.UserID <= 0 {
		return keys
	}
	user := rooms.UserKey(s.opts.UserID)
	if s.registry.Has(user) {
		return keys
	}
	keys = append(keys, user)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Connect opens the channel. A transport failure is not returned: the session moves
// to Reconnecting and retries in the background. An authentication failure is
// returned and leaves the session Disconnected.
func (s *Session) Connect(ctx context.Context, credential string) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.credential = credential
	s.policy = s.newPolicy()
	s.attempt = 0
	s.runCtx, s.stop = context.WithCancel(context.Background())
	gen := s.gen
	change := s.transition(Connecting, nil, false)
	s.mu.Unlock()
	s.emit(change)

	conn, err := s.dialer.Dial(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			s.halt(gen, err)
			return err
		}
		s.mu.Lock()
		if s.gen != gen || s.state != Connecting {
			s.mu.Unlock()
			return nil
		}
		changes := s.scheduleRetry(err)
		s.mu.Unlock()
		s.emit(changes...)
		return nil
	}
	s.attach(conn, gen)
	return nil
}

// Disconnect closes the channel and cancels pending retries. Queued sends stay in
// the outbox for the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancelRun()
	conn := s.conn
	s.conn = nil
	change := s.transition(Disconnected, nil, false)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.emit(change)
}

// Close disconnects and drops the outbox. Queued submissions fail with not_sent;
// written ones resolve as unconfirmed.
func (s *Session) Close() {
	s.Disconnect()
	s.mu.Lock()
	queued := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, frame := range queued {
		if frame.Type != models.FrameSubmit {
			continue
		}
		s.tracker.Fail(frame.CorrelationID, "not_sent", ErrNotSent.Error())
		if s.cache != nil && frame.Submit != nil {
			s.cache.Discard(frame.Submit.Room().Key(), frame.CorrelationID)
		}
	}
	s.tracker.Close()
}

// Join adds key to the registry and joins it now when connected.
func (s *Session) Join(ctx context.Context, key rooms.Key) error {
	if !key.Valid() {
		return fmt.Errorf("join %q: %w", key, models.ErrInvalidRoomRef)
	}
	if !s.registry.Join(key) {
		return nil
	}
	s.sendNow(models.Frame{Type: models.FrameJoin, Room: key})
	return nil
}

// Leave removes key from the registry and leaves it now when connected.
func (s *Session) Leave(ctx context.Context, key rooms.Key) error {
	if !s.registry.Leave(key) {
		return nil
	}
	s.sendNow(models.Frame{Type: models.FrameLeave, Room: key})
	return nil
}

// Typing relays a typing indicator; it is dropped while offline.
func (s *Session) Typing(key rooms.Key) {
	s.sendNow(models.Frame{Type: models.FrameTyping, Room: key})
}

// Send submits a message. The returned receipt's Outcome resolves as delivered,
// failed, or unconfirmed once the delivery timeout elapses. A queued message's
// timeout starts when the outbox is flushed.
func (s *Session) Send(ctx context.Context, payload models.SubmitPayload) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	ref := payload.Room()
	if err := ref.Validate(); err != nil {
		return Receipt{}, err
	}
	if payload.MessageType == "" {
		payload.MessageType = models.KindText
	}

	receipt := Receipt{CorrelationID: uuid.NewString(), Room: ref.Key()}
	outcome, err := s.tracker.Hold(receipt.CorrelationID)
	if err != nil {
		return Receipt{}, fmt.Errorf("track submission: %w", err)
	}
	receipt.Outcome = outcome

	receipt.Local = models.Message{
		ClientID:       receipt.CorrelationID,
		ConversationID: payload.ConversationID,
		GroupID:        payload.GroupID,
		SenderID:       s.opts.UserID,
		Content:        payload.Content,
		Kind:           payload.MessageType,
		ReplyToID:      payload.ReplyToMessageID,
	}
	if s.cache != nil {
		receipt.Local = s.cache.InsertOptimistic(receipt.Room, receipt.Local)
	}

	frame := models.Frame{Type: models.FrameSubmit, CorrelationID: receipt.CorrelationID, Submit: &payload}
	queued, err := s.sendOrQueue(frame)
	if err != nil {
		s.tracker.Fail(receipt.CorrelationID, "outbox_full", err.Error())
		if s.cache != nil {
			s.cache.Discard(receipt.Room, receipt.CorrelationID)
		}
		return Receipt{}, err
	}
	if !queued {
		s.tracker.Arm(receipt.CorrelationID, s.opts.DeliveryTimeout)
	}
	receipt.Queued = queued
	return receipt, nil
}

// sendNow writes frame when connected and drops it otherwise.
func (s *Session) sendNow(frame models.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		s.logger.Debug().Err(err).Str("type", string(frame.Type)).Msg("write failed")
		// the read loop observes the broken channel and reconnects
		_ = s.conn.Close()
	}
}

func (s *Session) sendOrQueue(frame models.Frame) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connected && s.conn != nil {
		err := s.conn.WriteFrame(frame)
		if err == nil {
			return false, nil
		}
		s.logger.Debug().Err(err).Msg("submit write failed, queueing")
		_ = s.conn.Close()
	}
	if len(s.outbox) >= s.opts.OutboxLimit {
		return false, ErrOutboxFull
	}
	s.outbox = append(s.outbox, frame)
	return true, nil
}

func (s *Session) newPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	b.RandomizationFactor = s.opts.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(s.opts.MaxAttempts))
}

// transition must be called with s.mu held.
func (s *Session) transition(to State, err error, terminal bool) StateChange {
	change := StateChange{From: s.state, To: to, Attempt: s.attempt, Err: err, Terminal: terminal}
	s.state = to
	return change
}

// scheduleRetry must be called with s.mu held.
func (s *Session) scheduleRetry(cause error) []StateChange {
	delay := s.policy.NextBackOff()
	if delay == backoff.Stop {
		s.gen++
		s.cancelRun()
		return []StateChange{s.transition(Disconnected, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.attempt, cause), true)}
	}
	s.attempt++
	var changes []StateChange
	if s.state != Reconnecting {
		changes = append(changes, s.transition(Reconnecting, cause, false))
	}
	gen := s.gen
	s.retry = time.AfterFunc(delay, func() { s.redial(gen) })
	s.logger.Info().Err(cause).Int("attempt", s.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	return changes
}

func (s *Session) cancelRun() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.stop != nil {
		s.stop()
	}
}

func (s *Session) redial(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != Reconnecting {
		s.mu.Unlock()
		return
	}
	ctx, credential := s.runCtx, s.credential
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.halt(gen, err)
			return
		}
		s.mu.Lock()
		if s.gen != gen || s.state != Reconnecting {
			s.mu.Unlock()
			return
		}
		changes := s.scheduleRetry(err)
		s.mu.Unlock()
		s.emit(changes...)
		return
	}
	s.attach(conn, gen)
}

// halt settles in Disconnected without retrying.
func (s *Session) halt(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancelRun()
	change := s.transition(Disconnected, cause, true)
	s.mu.Unlock()
	s.logger.Warn().Err(cause).Msg("session stopped")
	s.emit(change)
}

// attach installs a freshly dialed connection, replays membership and flushes the
// outbox before any other write can reach it.
func (s *Session) attach(conn Conn, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || (s.state != Connecting && s.state != Reconnecting) {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.gen++
	gen = s.gen
	s.conn = conn
	s.policy.Reset()
	change := s.transition(Connected, nil, false)
	s.attempt = 0
	reconnected := s.connectedOnce
	s.connectedOnce = true
	err := s.replay(conn)
	s.mu.Unlock()

	s.logger.Info().Bool("reconnect", reconnected).Msg("connected")
	s.emit(change)
	if reconnected && s.cache != nil {
		for _, key := range s.cache.Rooms() {
			s.cache.MarkStale(key)
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("membership replay failed")
		_ = conn.Close()
	}
	go s.readLoop(conn, gen)
}

// replay must be called with s.mu held.
func (s *Session) replay(conn Conn) error {
	for _, key := range s.registry.ActiveRooms() {
		if err := conn.WriteFrame(models.Frame{Type: models.FrameJoin, Room: key}); err != nil {
			return fmt.Errorf("rejoin %s: %w", key, err)
		}
	}
	if s.opts.UserID > 0 {
		user := rooms.UserKey(s.opts.UserID)
		if !s.registry.Has(user) {
			if err := conn.WriteFrame(models.Frame{Type: models.FrameJoin, Room: user}); err != nil {
				return fmt.Errorf("join %s: %w", user, err)
			}
		}
	}
	for len(s.outbox) > 0 {
		frame := s.outbox[0]
		if err := conn.WriteFrame(frame); err != nil {
			return fmt.Errorf("flush outbox: %w", err)
		}
		s.outbox = s.outbox[1:]
		if frame.Type == models.FrameSubmit {
			s.tracker.Arm(frame.CorrelationID, s.opts.DeliveryTimeout)
		}
	}
	return nil
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.lost(gen, err)
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) lost(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.logger.Warn().Err(cause).Msg("connection lost")
	changes := s.scheduleRetry(cause)
	s.mu.Unlock()
	s.emit(changes...)
}

func (s *Session) handleFrame(frame models.Frame) {
	switch frame.Type {
	case models.FrameDeliveryAck:
		s.tracker.Delivered(frame.CorrelationID, frame.PersistedMessageID)
		if s.cache != nil && frame.Room != "" {
			var sentAt time.Time
			if frame.SentAt != nil {
				sentAt = *frame.SentAt
			}
			s.cache.Reconcile(frame.Room, frame.CorrelationID, frame.PersistedMessageID, sentAt)
		}
	case models.FrameDeliveryFailed:
		s.tracker.Fail(frame.CorrelationID, frame.ErrorCode, frame.Error)
		if s.cache != nil && frame.Room != "" {
			s.cache.Discard(frame.Room, frame.CorrelationID)
		}
	case models.FrameMessage:
		if s.cache != nil && frame.Message != nil {
			s.cache.PushLive(frame.Message.RoomKey(), frame.Message.Message)
		}
	case models.FrameMessageDeleted:
		if s.cache != nil {
			s.cache.ApplyTombstone(frame.Room, frame.MessageID)
		}
	case models.FrameMessageRead:
		if s.cache != nil {
			s.cache.ApplyRead(frame.Room, frame.MessageID)
		}
	case models.FrameJoinFailed:
		// a refused room would be refused again on every reconnect
		s.registry.Leave(frame.Room)
		s.logger.Warn().Str("room", frame.Room.String()).Str("code", frame.ErrorCode).Msg("join refused")
	}

	s.handlersMu.RLock()
	handlers := append([]func(models.Frame){}, s.frameHandlers...)
	s.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(frame)
	}
}

func (s *Session) emit(changes ...StateChange) {
	if len(changes) == 0 {
		return
	}
	s.handlersMu.RLock()
	handlers := append([]func(StateChange){}, s.stateHandlers...)
	s.handlersMu.RUnlock()
	for _, change := range changes {
		s.logger.Debug().Stringer("from", change.From).Stringer("to", change.To).Msg("state change")
		for _, fn := range handlers {
			fn(change)
		}
	}
}
