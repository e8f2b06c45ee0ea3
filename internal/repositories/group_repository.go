package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrGroupNotFound = errors.New("group not found")

// GroupRepository abstracts group membership lookups.
type GroupRepository interface {
	GetGroup(ctx context.Context, groupID int64) (models.Group, error)
	IsMember(ctx context.Context, groupID int64, userID int64) (bool, error)
	ListMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT id, name, owner_id, created_at FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// IsMember checks membership.
func (r *GroupRepo) IsMember(ctx context.Context, groupID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)`, groupID, userID)
	return exists, err
}

// ListMemberIDs returns the ids of every current member.
func (r *GroupRepo) ListMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM group_members WHERE group_id=$1 ORDER BY user_id`, groupID)
	return ids, err
}
