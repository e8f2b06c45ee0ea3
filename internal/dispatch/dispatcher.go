package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/telemetry"
)

const deliveredRoutingKey = "chat.message.delivered"

// Broadcaster pushes frames to live connections.
type Broadcaster interface {
	// Broadcast sends frame to every connection joined to key except excludeConnID and
	// connections whose user skip reports true. It returns the number of connections reached.
	Broadcast(key rooms.Key, frame models.Frame, excludeConnID string, skip func(userID int64) bool) int
	SendTo(connID string, frame models.Frame) bool
}

// Submission is one message submitted by a user.
type Submission struct {
	SenderID      int64
	Room          models.RoomRef
	Content       string
	Kind          models.MessageKind
	ReplyTo       *int64
	CorrelationID string
	// OriginConnID is the submitting websocket connection, empty for REST.
	OriginConnID string
}

// Deps wires the dispatcher collaborators.
type Deps struct {
	Conversations repositories.ConversationRepository
	Groups        repositories.GroupRepository
	Blocks        repositories.BlockRepository
	Messages      repositories.MessageRepository
	Users         repositories.UserRepository
	Hub           Broadcaster
	Audit         *telemetry.AuditEmitter
	Logger        zerolog.Logger
}

// Dispatcher validates, persists and fans out messages.
type Dispatcher struct {
	conversations repositories.ConversationRepository
	groups        repositories.GroupRepository
	blocks        repositories.BlockRepository
	messages      repositories.MessageRepository
	users         repositories.UserRepository
	hub           Broadcaster
	audit         *telemetry.AuditEmitter
	logger        zerolog.Logger
	locks         *roomLocks
	tracer        trace.Tracer
}

// New constructs a Dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		conversations: deps.Conversations,
		groups:        deps.Groups,
		blocks:        deps.Blocks,
		messages:      deps.Messages,
		users:         deps.Users,
		hub:           deps.Hub,
		audit:         deps.Audit,
		logger:        deps.Logger,
		locks:         newRoomLocks(),
		tracer:        otel.Tracer("chat-realtime/dispatch"),
	}
}

// audience is who receives a room's pushes besides the live room members.
type audience struct {
	participants []int64
	blocked      map[int64]struct{}
}

func (a audience) skip(userID int64) bool {
	_, ok := a.blocked[userID]
	return ok
}

// Submit validates and stores a message, fans it out and acknowledges the origin.
// The origin connection receives delivery_failed for any returned error.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (models.Message, error) {
	started := time.Now()
	kind := roomKind(sub.Room)
	ctx, span := d.tracer.Start(ctx, "dispatch.Submit", trace.WithAttributes(
		attribute.Int64("chat.sender_id", sub.SenderID),
		attribute.String("chat.room_kind", kind),
		attribute.String("chat.correlation_id", sub.CorrelationID),
	))
	defer span.End()

	msg, err := d.submit(ctx, sub)
	observability.ObserveSubmit(kind, started)
	if err != nil {
		observability.IncSubmission(kind, CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, CodeOf(err))
		d.logger.Warn().Err(err).Int64("sender_id", sub.SenderID).Str("correlation_id", sub.CorrelationID).Msg("submission rejected")
		d.sendToOrigin(sub, models.Frame{
			Type:          models.FrameDeliveryFailed,
			Room:          sub.Room.Key(),
			CorrelationID: sub.CorrelationID,
			Error:         MessageOf(err),
			ErrorCode:     CodeOf(err),
		})
		return models.Message{}, err
	}
	observability.IncSubmission(kind, "delivered")
	span.SetAttributes(attribute.Int64("chat.message_id", msg.ID))

	d.sendToOrigin(sub, models.Frame{
		Type:               models.FrameDeliveryAck,
		Room:               msg.RoomKey(),
		CorrelationID:      sub.CorrelationID,
		PersistedMessageID: msg.ID,
		SentAt:             &msg.SentAt,
	})
	d.publishDelivered(ctx, msg, span)
	return msg, nil
}

func (d *Dispatcher) submit(ctx context.Context, sub Submission) (models.Message, error) {
	if err := sub.Room.Validate(); err != nil {
		return models.Message{}, ErrInvalidRoomRef
	}
	if err := validateContent(sub.Content, sub.Kind); err != nil {
		return models.Message{}, err
	}

	aud, err := d.authorizeSender(ctx, sub.SenderID, sub.Room)
	if err != nil {
		return models.Message{}, err
	}

	var reply *models.Message
	if sub.ReplyTo != nil {
		target, err := d.messages.GetMessage(ctx, *sub.ReplyTo)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, ErrInvalidReply
		}
		if err != nil {
			return models.Message{}, fmt.Errorf("load reply target: %w", err)
		}
		if target.RoomKey() != sub.Room.Key() {
			return models.Message{}, ErrInvalidReply
		}
		reply = &target
	}

	key := sub.Room.Key()
	unlock := d.locks.Lock(key)
	defer unlock()

	stored, err := d.messages.Create(ctx, models.Message{
		ClientID:       sub.CorrelationID,
		ConversationID: sub.Room.ConversationID,
		GroupID:        sub.Room.GroupID,
		SenderID:       sub.SenderID,
		Content:        sub.Content,
		Kind:           sub.Kind,
		ReplyToID:      sub.ReplyTo,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	d.fanOut(ctx, stored, reply, aud, sub.OriginConnID)
	return stored, nil
}

func validateContent(content string, kind models.MessageKind) error {
	if !kind.Submittable() {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidContent, kind)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidContent)
	}
	return nil
}

// authorizeSender checks membership and blocks and returns the room's audience.
func (d *Dispatcher) authorizeSender(ctx context.Context, senderID int64, room models.RoomRef) (audience, error) {
	if room.ConversationID != nil {
		conv, err := d.conversations.GetConversation(ctx, *room.ConversationID)
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return audience{}, ErrNotRoomMember
		}
		if err != nil {
			return audience{}, fmt.Errorf("load conversation: %w", err)
		}
		if !conv.HasParticipant(senderID) {
			return audience{}, ErrNotRoomMember
		}
		peer := conv.Peer(senderID)
		status, err := d.blocks.BlockStatus(ctx, senderID, peer)
		if err != nil {
			return audience{}, fmt.Errorf("load block status: %w", err)
		}
		// a mutual block reports the side the sender can undo
		if status.SenderBlockedPeer {
			return audience{}, ErrRecipientBlocked
		}
		if status.PeerBlockedSender {
			return audience{}, ErrBlockedByRecipient
		}
		return audience{participants: []int64{conv.User1ID, conv.User2ID}}, nil
	}

	groupID := *room.GroupID
	member, err := d.groups.IsMember(ctx, groupID, senderID)
	if err != nil {
		return audience{}, fmt.Errorf("check group membership: %w", err)
	}
	if !member {
		return audience{}, ErrNotRoomMember
	}
	return d.groupAudience(ctx, groupID, senderID)
}

func (d *Dispatcher) groupAudience(ctx context.Context, groupID, senderID int64) (audience, error) {
	members, err := d.groups.ListMemberIDs(ctx, groupID)
	if err != nil {
		return audience{}, fmt.Errorf("list group members: %w", err)
	}
	blocked, err := d.blocks.BlockedPeers(ctx, senderID)
	if err != nil {
		return audience{}, fmt.Errorf("load blocked peers: %w", err)
	}
	return audience{participants: members, blocked: blocked}, nil
}

// Deliver fans a persisted message out to its room, skipping excludeConnID.
func (d *Dispatcher) Deliver(ctx context.Context, msg models.Message, excludeConnID string) (int, error) {
	var aud audience
	if msg.GroupID != nil {
		var err error
		if aud, err = d.groupAudience(ctx, *msg.GroupID, msg.SenderID); err != nil {
			return 0, err
		}
	} else if msg.ConversationID != nil {
		conv, err := d.conversations.GetConversation(ctx, *msg.ConversationID)
		if err != nil {
			return 0, fmt.Errorf("load conversation: %w", err)
		}
		aud.participants = []int64{conv.User1ID, conv.User2ID}
	} else {
		return 0, ErrInvalidRoomRef
	}

	var reply *models.Message
	if msg.ReplyToID != nil {
		if target, err := d.messages.GetMessage(ctx, *msg.ReplyToID); err == nil {
			reply = &target
		}
	}
	return d.fanOut(ctx, msg, reply, aud, excludeConnID), nil
}

func (d *Dispatcher) fanOut(ctx context.Context, msg models.Message, reply *models.Message, aud audience, excludeConnID string) int {
	_, span := d.tracer.Start(ctx, "dispatch.fanOut")
	defer span.End()

	push := models.MessagePush{Message: msg, Sender: d.senderSummary(ctx, msg.SenderID)}
	if reply != nil {
		push.ReplyTo = models.SummarizeReply(*reply)
	}

	key := msg.RoomKey()
	delivered := d.hub.Broadcast(key, models.Frame{Type: models.FrameMessage, Room: key, Message: &push}, excludeConnID, aud.skip)

	for _, userID := range aud.participants {
		if userID == msg.SenderID || aud.skip(userID) {
			continue
		}
		d.hub.Broadcast(rooms.UserKey(userID), models.Frame{Type: models.FrameNotification, Room: key, Message: &push}, "", nil)
	}

	kind := string(key.Kind())
	observability.AddFanoutDeliveries(kind, delivered)
	span.SetAttributes(attribute.Int("chat.delivered", delivered))
	return delivered
}

func (d *Dispatcher) senderSummary(ctx context.Context, senderID int64) models.SenderSummary {
	if d.users == nil {
		return models.SenderSummary{ID: senderID}
	}
	summary, err := d.users.GetSummary(ctx, senderID)
	if err != nil {
		d.logger.Debug().Err(err).Int64("sender_id", senderID).Msg("sender summary unavailable")
		return models.SenderSummary{ID: senderID}
	}
	return summary
}

// MarkRead flags a message read on behalf of a recipient and notifies the room.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, messageID int64) error {
	msg, err := d.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := d.CanJoin(ctx, userID, msg.RoomKey()); err != nil {
		return err
	}
	if msg.SenderID == userID {
		return ErrNotRecipient
	}
	if err := d.messages.MarkRead(ctx, messageID); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	key := msg.RoomKey()
	d.hub.Broadcast(key, models.Frame{Type: models.FrameMessageRead, Room: key, MessageID: messageID, UserID: userID}, "", nil)
	return nil
}

// Retract replaces a message with a tombstone and notifies the room. Only the sender may retract.
func (d *Dispatcher) Retract(ctx context.Context, userID, messageID int64) (models.Message, error) {
	msg, err := d.loadMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != userID {
		return models.Message{}, ErrNotSender
	}

	key := msg.RoomKey()
	unlock := d.locks.Lock(key)
	defer unlock()

	tombstone, err := d.messages.Tombstone(ctx, messageID, userID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	d.hub.Broadcast(key, models.Frame{Type: models.FrameMessageDeleted, Room: key, MessageID: messageID, UserID: userID}, "", nil)
	d.audit.Emit(ctx, "INFO", fmt.Sprintf("message %d retracted in %s", messageID, key), "", &userID)
	return tombstone, nil
}

func (d *Dispatcher) loadMessage(ctx context.Context, messageID int64) (models.Message, error) {
	msg, err := d.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("load message: %w", err)
	}
	return msg, nil
}

// CanJoin authorizes a user to join or read a room.
func (d *Dispatcher) CanJoin(ctx context.Context, userID int64, key rooms.Key) error {
	kind, id, err := rooms.Parse(string(key))
	if err != nil {
		return ErrInvalidRoomRef
	}

	var ok bool
	switch kind {
	case rooms.KindUser:
		ok = id == userID
	case rooms.KindConversation:
		ok, err = d.conversations.IsParticipant(ctx, id, userID)
	case rooms.KindGroup:
		ok, err = d.groups.IsMember(ctx, id, userID)
	}
	if err != nil {
		return fmt.Errorf("check room membership: %w", err)
	}
	if !ok {
		return ErrNotRoomMember
	}
	return nil
}

func (d *Dispatcher) sendToOrigin(sub Submission, frame models.Frame) {
	if sub.OriginConnID == "" {
		return
	}
	if !d.hub.SendTo(sub.OriginConnID, frame) {
		d.logger.Debug().Str("conn_id", sub.OriginConnID).Str("type", string(frame.Type)).Msg("origin connection gone")
	}
}

type deliveredEvent struct {
	MessageID int64     `json:"message_id"`
	Room      rooms.Key `json:"room"`
	SenderID  int64     `json:"sender_id"`
	Kind      string    `json:"message_type"`
	SentAt    time.Time `json:"sent_at"`
}

func (d *Dispatcher) publishDelivered(ctx context.Context, msg models.Message, span trace.Span) {
	envelope := observability.NewEnvelope("chat_event", "message.delivered", deliveredEvent{
		MessageID: msg.ID,
		Room:      msg.RoomKey(),
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		SentAt:    msg.SentAt,
	})
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	headers := observability.BuildHeaders("", traceID)
	if err := observability.PublishEvent(ctx, deliveredRoutingKey, envelope, headers); err != nil {
		d.logger.Warn().Err(err).Int64("message_id", msg.ID).Msg("publish delivered event failed")
	}
}

func roomKind(room models.RoomRef) string {
	switch {
	case room.ConversationID != nil && room.GroupID == nil:
		return string(rooms.KindConversation)
	case room.GroupID != nil && room.ConversationID == nil:
		return string(rooms.KindGroup)
	}
	return "invalid"
}
