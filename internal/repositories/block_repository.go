package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

// BlockRepository answers pairwise block questions.
type BlockRepository interface {
	BlockStatus(ctx context.Context, senderID int64, peerID int64) (models.BlockStatus, error)
	BlockedPeers(ctx context.Context, userID int64) (map[int64]struct{}, error)
}

// BlockRepo is a sqlx implementation of BlockRepository.
type BlockRepo struct {
	db *sqlx.DB
}

// NewBlockRepo constructs a BlockRepo.
func NewBlockRepo(db *sqlx.DB) *BlockRepo {
	return &BlockRepo{db: db}
}

// BlockStatus reports both directions of the block relation between two users.
func (r *BlockRepo) BlockStatus(ctx context.Context, senderID int64, peerID int64) (models.BlockStatus, error) {
	var status models.BlockStatus
	err := r.db.QueryRowxContext(ctx, `SELECT
            EXISTS(SELECT 1 FROM user_blocks WHERE blocker_id=$1 AND blocked_id=$2),
            EXISTS(SELECT 1 FROM user_blocks WHERE blocker_id=$2 AND blocked_id=$1)`, senderID, peerID).
		Scan(&status.SenderBlockedPeer, &status.PeerBlockedSender)
	return status, err
}

// BlockedPeers returns every user with a block relation to userID, in either direction.
func (r *BlockRepo) BlockedPeers(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT blocked_id FROM user_blocks WHERE blocker_id=$1
        UNION SELECT blocker_id FROM user_blocks WHERE blocked_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	peers := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		peers[id] = struct{}{}
	}
	return peers, nil
}
