package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, client_id, conversation_id, group_id, sender_id, content, kind, sent_at, is_read, reply_to_id`

// MessageRepository defines persistence for chat messages.
type MessageRepository interface {
	Create(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	ListPage(ctx context.Context, room models.RoomRef, cursor *models.Cursor, direction models.Direction, limit int) (models.HistoryPage, error)
	MarkRead(ctx context.Context, messageID int64) error
	Tombstone(ctx context.Context, messageID int64, senderID int64) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create stores a message. A resubmission carrying the same sender and client id
// returns the row stored the first time.
func (r *MessageRepo) Create(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := msg.Room().Validate(); err != nil {
		return models.Message{}, err
	}
	var stored models.Message
	err := r.db.GetContext(ctx, &stored, `INSERT INTO messages (client_id, conversation_id, group_id, sender_id, content, kind, reply_to_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (sender_id, client_id) WHERE client_id <> '' DO NOTHING
        RETURNING `+messageColumns,
		msg.ClientID, msg.ConversationID, msg.GroupID, msg.SenderID, msg.Content, msg.Kind, msg.ReplyToID)
	if errors.Is(err, sql.ErrNoRows) && msg.ClientID != "" {
		err = r.db.GetContext(ctx, &stored, `SELECT `+messageColumns+` FROM messages WHERE sender_id=$1 AND client_id=$2`, msg.SenderID, msg.ClientID)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return stored, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListPage reads one cursor page of a room ordered by timestamp descending.
// One lookahead row beyond limit is fetched to compute HasMore without counting.
func (r *MessageRepo) ListPage(ctx context.Context, room models.RoomRef, cursor *models.Cursor, direction models.Direction, limit int) (models.HistoryPage, error) {
	if err := room.Validate(); err != nil {
		return models.HistoryPage{}, err
	}
	column, roomID := "conversation_id", int64(0)
	if room.GroupID != nil {
		column, roomID = "group_id", *room.GroupID
	} else {
		roomID = *room.ConversationID
	}

	query, args := pageQuery(column, roomID, cursor, direction, limit)
	var rows []models.Message
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return models.HistoryPage{}, fmt.Errorf("list messages: %w", err)
	}
	if direction == models.Newer {
		reverse(rows)
	}
	return models.NewHistoryPage(rows, limit, direction), nil
}

func pageQuery(column string, roomID int64, cursor *models.Cursor, direction models.Direction, limit int) (string, []any) {
	base := `SELECT ` + messageColumns + ` FROM messages WHERE ` + column + `=$1`
	if cursor == nil {
		return base + ` ORDER BY sent_at DESC, id DESC LIMIT $2`, []any{roomID, limit + 1}
	}
	if direction == models.Newer {
		return base + ` AND (sent_at, id) > ($2, $3) ORDER BY sent_at ASC, id ASC LIMIT $4`,
			[]any{roomID, cursor.SentAt, cursor.ID, limit + 1}
	}
	return base + ` AND (sent_at, id) < ($2, $3) ORDER BY sent_at DESC, id DESC LIMIT $4`,
		[]any{roomID, cursor.SentAt, cursor.ID, limit + 1}
}

func reverse(rows []models.Message) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

// MarkRead flips the read flag of a message.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE WHERE id=$1`, messageID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Tombstone replaces a message's content with a deletion marker (sender only).
func (r *MessageRepo) Tombstone(ctx context.Context, messageID int64, senderID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET content = '', kind = $3 WHERE id=$1 AND sender_id=$2 RETURNING `+messageColumns,
		messageID, senderID, models.KindDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
