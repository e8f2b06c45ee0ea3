package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository resolves the sender summaries attached to pushes.
type UserRepository interface {
	GetSummary(ctx context.Context, userID int64) (models.SenderSummary, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetSummary fetches the public profile of a user.
func (r *UserRepo) GetSummary(ctx context.Context, userID int64) (models.SenderSummary, error) {
	var summary models.SenderSummary
	err := r.db.GetContext(ctx, &summary, `SELECT id, username, avatar_url FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SenderSummary{}, ErrUserNotFound
	}
	return summary, err
}
