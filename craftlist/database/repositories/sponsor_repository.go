package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/uptrace/bun"
)

type SponsorRepository interface {
	GetForMonth(ctx context.Context, year, month int) ([]*models.Sponsor, error)
	ExistsForMonth(ctx context.Context, year, month int) (bool, error)
	// PromoteWinners creates the sponsor rows for the auction's month and
	// clears the current-auction flag, all in one transaction. A partial
	// failure leaves no sponsors behind.
	PromoteWinners(ctx context.Context, auction *models.Auction, sponsors []*models.Sponsor) error
}

type sponsorRepository struct {
	db *bun.DB
}

func NewSponsorRepository(db *bun.DB) SponsorRepository {
	return &sponsorRepository{db: db}
}

func (r *sponsorRepository) GetForMonth(ctx context.Context, year, month int) ([]*models.Sponsor, error) {
	var sponsors []*models.Sponsor
	err := r.db.NewSelect().
		Model(&sponsors).
		Where("sp.year = ? AND sp.month = ?", year, month).
		Order("sp.slot ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sponsors: %w", err)
	}
	return sponsors, nil
}

func (r *sponsorRepository) ExistsForMonth(ctx context.Context, year, month int) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.Sponsor)(nil)).
		Where("year = ? AND month = ?", year, month).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check sponsors: %w", err)
	}
	return exists, nil
}

func (r *sponsorRepository) PromoteWinners(ctx context.Context, auction *models.Auction, sponsors []*models.Sponsor) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if len(sponsors) > 0 {
			if _, err := tx.NewInsert().Model(&sponsors).Exec(ctx); err != nil {
				return fmt.Errorf("failed to create sponsors: %w", err)
			}
		}

		if _, err := tx.NewUpdate().
			Model((*models.Auction)(nil)).
			Set("is_current_auction = FALSE").
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", auction.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to close out auction: %w", err)
		}
		return nil
	})
}
