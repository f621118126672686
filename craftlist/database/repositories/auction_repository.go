package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/domain"
	"github.com/uptrace/bun"
)

type AuctionRepository interface {
	Create(ctx context.Context, auction *models.Auction) error
	GetByID(ctx context.Context, id int64) (*models.Auction, error)
	GetByMonth(ctx context.Context, year, month int) (*models.Auction, error)
	GetCurrent(ctx context.Context) (*models.Auction, error)
	GetLatest(ctx context.Context) (*models.Auction, error)
	SetCurrent(ctx context.Context, id int64) error
	UnsetCurrent(ctx context.Context, id int64) error

	SubmitBid(ctx context.Context, bid *models.AuctionBid) error
	GetBids(ctx context.Context, auctionID int64) ([]*models.AuctionBid, error)
	GetBidByID(ctx context.Context, bidID int64) (*models.AuctionBid, error)
	BidsByStatus(ctx context.Context, auctionID int64, status models.BidPaymentStatus) ([]*models.AuctionBid, error)
	UpdateBidStatus(ctx context.Context, bidID int64, status models.BidPaymentStatus, notifiedAt time.Time) error
	AnyBidClassified(ctx context.Context, auctionID int64) (bool, error)
}

type auctionRepository struct {
	db *bun.DB
}

func NewAuctionRepository(db *bun.DB) AuctionRepository {
	return &auctionRepository{db: db}
}

func (r *auctionRepository) Create(ctx context.Context, auction *models.Auction) error {
	auction.CreatedAt = time.Now().UTC()
	auction.UpdatedAt = auction.CreatedAt

	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if auction.IsCurrentAuction {
			exists, err := tx.NewSelect().
				Model((*models.Auction)(nil)).
				Where("is_current_auction").
				For("UPDATE").
				Exists(ctx)
			if err != nil {
				return fmt.Errorf("failed to check current auction: %w", err)
			}
			if exists {
				return domain.ErrOnlyOneCurrentAuction
			}
		}

		if _, err := tx.NewInsert().Model(auction).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create auction: %w", err)
		}
		return nil
	})
	return err
}

func (r *auctionRepository) GetByID(ctx context.Context, id int64) (*models.Auction, error) {
	auction := new(models.Auction)
	err := r.db.NewSelect().
		Model(auction).
		Where("a.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return auction, nil
}

func (r *auctionRepository) GetByMonth(ctx context.Context, year, month int) (*models.Auction, error) {
	auction := new(models.Auction)
	err := r.db.NewSelect().
		Model(auction).
		Where("a.sponsored_year = ? AND a.sponsored_month = ?", year, month).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get auction for month: %w", err)
	}
	return auction, nil
}

func (r *auctionRepository) GetCurrent(ctx context.Context) (*models.Auction, error) {
	auction := new(models.Auction)
	err := r.db.NewSelect().
		Model(auction).
		Where("a.is_current_auction").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get current auction: %w", err)
	}
	return auction, nil
}

// GetLatest returns the auction for the most recent sponsored month.
func (r *auctionRepository) GetLatest(ctx context.Context) (*models.Auction, error) {
	auction := new(models.Auction)
	err := r.db.NewSelect().
		Model(auction).
		Order("a.sponsored_year DESC", "a.sponsored_month DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get latest auction: %w", err)
	}
	return auction, nil
}

// SetCurrent atomically moves the current-auction flag; the partial unique
// index makes a second flagged row impossible even under races.
func (r *auctionRepository) SetCurrent(ctx context.Context, id int64) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().
			Model((*models.Auction)(nil)).
			Set("is_current_auction = FALSE").
			Set("updated_at = ?", time.Now().UTC()).
			Where("is_current_auction").
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to unset current auction: %w", err)
		}

		res, err := tx.NewUpdate().
			Model((*models.Auction)(nil)).
			Set("is_current_auction = TRUE").
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to set current auction: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (r *auctionRepository) UnsetCurrent(ctx context.Context, id int64) error {
	_, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("is_current_auction = FALSE").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ? AND is_current_auction", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to unset current auction: %w", err)
	}
	return nil
}

// SubmitBid enforces the bid-row semantics under a row lock on the auction:
// at most one row per (auction, user, server), re-bids strictly greater
// than the prior amount, and amounts unique across the whole auction.
func (r *auctionRepository) SubmitBid(ctx context.Context, bid *models.AuctionBid) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		// The lock serializes concurrent bid writes for one auction so the
		// uniqueness checks below cannot race.
		var auction models.Auction
		err := tx.NewSelect().
			Model(&auction).
			Where("a.id = ?", bid.AuctionID).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrAuctionNotFound
			}
			return fmt.Errorf("failed to lock auction: %w", err)
		}

		existing := new(models.AuctionBid)
		err = tx.NewSelect().
			Model(existing).
			Where("ab.auction_id = ? AND ab.user_id = ? AND ab.server_id = ?",
				bid.AuctionID, bid.UserID, bid.ServerID).
			Scan(ctx)
		switch {
		case err == nil:
			if bid.Amount <= existing.Amount {
				return domain.ErrBidNotGreater
			}
		case errors.Is(err, sql.ErrNoRows):
			existing = nil
		default:
			return fmt.Errorf("failed to load existing bid: %w", err)
		}

		dupQuery := tx.NewSelect().
			Model((*models.AuctionBid)(nil)).
			Where("auction_id = ? AND amount = ?", bid.AuctionID, bid.Amount)
		if existing != nil {
			dupQuery = dupQuery.Where("id != ?", existing.ID)
		}
		duplicate, err := dupQuery.Exists(ctx)
		if err != nil {
			return fmt.Errorf("failed to check bid uniqueness: %w", err)
		}
		if duplicate {
			return domain.ErrBidNotUnique
		}

		now := time.Now().UTC()
		if existing != nil {
			_, err = tx.NewUpdate().
				Model((*models.AuctionBid)(nil)).
				Set("amount = ?", bid.Amount).
				Set("server_name = ?", bid.ServerName).
				Set("updated_at = ?", now).
				Where("id = ?", existing.ID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to update bid: %w", err)
			}
			bid.ID = existing.ID
			return nil
		}

		bid.CreatedAt = now
		bid.UpdatedAt = now
		if _, err = tx.NewInsert().Model(bid).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create bid: %w", err)
		}
		return nil
	})
}

func (r *auctionRepository) GetBids(ctx context.Context, auctionID int64) ([]*models.AuctionBid, error) {
	var bids []*models.AuctionBid
	err := r.db.NewSelect().
		Model(&bids).
		Where("ab.auction_id = ?", auctionID).
		Order("ab.amount DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auction bids: %w", err)
	}
	return bids, nil
}

func (r *auctionRepository) GetBidByID(ctx context.Context, bidID int64) (*models.AuctionBid, error) {
	bid := new(models.AuctionBid)
	err := r.db.NewSelect().
		Model(bid).
		Where("ab.id = ?", bidID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return bid, nil
}

func (r *auctionRepository) BidsByStatus(ctx context.Context, auctionID int64, status models.BidPaymentStatus) ([]*models.AuctionBid, error) {
	var bids []*models.AuctionBid
	err := r.db.NewSelect().
		Model(&bids).
		Where("ab.auction_id = ? AND ab.payment_status = ?", auctionID, status).
		Order("ab.amount DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bids by status: %w", err)
	}
	return bids, nil
}

func (r *auctionRepository) UpdateBidStatus(ctx context.Context, bidID int64, status models.BidPaymentStatus, notifiedAt time.Time) error {
	q := r.db.NewUpdate().
		Model((*models.AuctionBid)(nil)).
		Set("payment_status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", bidID)
	if !notifiedAt.IsZero() {
		q = q.Set("notified_at = ?", notifiedAt)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update bid status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AnyBidClassified reports whether the payment phase already ran; it is the
// idempotency check for the phase-start task.
func (r *auctionRepository) AnyBidClassified(ctx context.Context, auctionID int64) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.AuctionBid)(nil)).
		Where("auction_id = ?", auctionID).
		Where("payment_status IS NOT NULL AND payment_status != ''").
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check bid classification: %w", err)
	}
	return exists, nil
}
