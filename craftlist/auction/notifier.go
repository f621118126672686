package auction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
	"github.com/craftlist/craftlist/craftlist/services"
)

// Notifier emails auction owners about their bids. Mail failures never
// abort a phase transition; the machine logs and moves on.
type Notifier struct {
	mail  services.EmailSender
	users repositories.UserRepository
}

func NewNotifier(mail services.EmailSender, users repositories.UserRepository) *Notifier {
	return &Notifier{mail: mail, users: users}
}

func (n *Notifier) NotifyOffer(ctx context.Context, auction *models.Auction, bid *models.AuctionBid, slot int) error {
	user, err := n.lookupUser(ctx, bid.UserID)
	if err != nil {
		return err
	}
	return n.mail.Send(
		"You won a sponsored slot",
		user.Email,
		"auction_offer",
		map[string]string{
			"amount":      strconv.FormatInt(bid.Amount, 10),
			"server_name": bid.ServerName,
			"slot":        strconv.Itoa(slot),
			"month":       monthLabel(auction),
		},
	)
}

func (n *Notifier) NotifyPayment(ctx context.Context, auction *models.Auction, bid *models.AuctionBid, slot int) error {
	user, err := n.lookupUser(ctx, bid.UserID)
	if err != nil {
		return err
	}
	return n.mail.Send(
		"Your sponsorship is confirmed",
		user.Email,
		"auction_payment",
		map[string]string{
			"amount":      strconv.FormatInt(bid.Amount, 10),
			"server_name": bid.ServerName,
			"slot":        strconv.Itoa(slot),
			"month":       monthLabel(auction),
		},
	)
}

func (n *Notifier) NotifyForfeit(ctx context.Context, auction *models.Auction, bid *models.AuctionBid, slot int) error {
	user, err := n.lookupUser(ctx, bid.UserID)
	if err != nil {
		return err
	}
	return n.mail.Send(
		"Your sponsored slot offer expired",
		user.Email,
		"auction_forfeit",
		map[string]string{
			"slot":  strconv.Itoa(slot),
			"month": monthLabel(auction),
		},
	)
}

func (n *Notifier) lookupUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := n.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load bidder: %w", err)
	}
	return user, nil
}

func monthLabel(auction *models.Auction) string {
	return fmt.Sprintf("%s %d", time.Month(auction.SponsoredMonth), auction.SponsoredYear)
}
