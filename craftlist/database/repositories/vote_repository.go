package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/uptrace/bun"
)

type VoteRepository interface {
	Create(ctx context.Context, vote *models.Vote) error
	HasRecentVote(ctx context.Context, serverID int64, clientIP string, since time.Time) (bool, error)
	CountForServer(ctx context.Context, serverID int64) (int, error)
	CountForServerSince(ctx context.Context, serverID int64, since time.Time) (int, error)
}

type voteRepository struct {
	db *bun.DB
}

func NewVoteRepository(db *bun.DB) VoteRepository {
	return &voteRepository{db: db}
}

func (r *voteRepository) Create(ctx context.Context, vote *models.Vote) error {
	if vote.CreatedAt.IsZero() {
		vote.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NewInsert().Model(vote).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create vote: %w", err)
	}
	return nil
}

func (r *voteRepository) HasRecentVote(ctx context.Context, serverID int64, clientIP string, since time.Time) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.Vote)(nil)).
		Where("server_id = ?", serverID).
		Where("client_ip = ?", clientIP).
		Where("created_at > ?", since).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check recent vote: %w", err)
	}
	return exists, nil
}

func (r *voteRepository) CountForServer(ctx context.Context, serverID int64) (int, error) {
	count, err := r.db.NewSelect().
		Model((*models.Vote)(nil)).
		Where("server_id = ?", serverID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return count, nil
}

func (r *voteRepository) CountForServerSince(ctx context.Context, serverID int64, since time.Time) (int, error) {
	count, err := r.db.NewSelect().
		Model((*models.Vote)(nil)).
		Where("server_id = ?", serverID).
		Where("created_at >= ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes since: %w", err)
	}
	return count, nil
}
