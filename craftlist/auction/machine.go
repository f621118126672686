// Package auction implements the monthly sponsorship auction: bidding,
// offer/payment tracking and the promotion of paid winners onto the
// sponsored slots of the following month.
package auction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
)

const (
	// Task names registered with the persistent scheduler.
	TaskStartPaymentPhase = "auction:start_payment_phase"
	TaskPopulateSponsors  = "auction:populate_sponsored_servers"
	TaskResponseTimeout   = "auction:response_timeout"

	// An offered slot expires after this long without a response.
	ResponseTimeout = 12 * time.Hour

	// Bid eligibility thresholds; both bounds are inclusive.
	EligibilityMinUptime = 90.0
	EligibilityMinAge    = 30 * 24 * time.Hour
)

// TaskScheduler is the slice of the persistent scheduler the machine
// needs. Payloads are serialized by the scheduler.
type TaskScheduler interface {
	Schedule(ctx context.Context, name string, runAt time.Time, payload any) error
	Cancel(ctx context.Context, name string) error
}

// TaskPayload is the serialized argument of every auction task.
type TaskPayload struct {
	AuctionID int64 `json:"auction_id,omitempty"`
	BidID     int64 `json:"bid_id,omitempty"`
}

type Machine struct {
	auctions repositories.AuctionRepository
	sponsors repositories.SponsorRepository
	servers  repositories.ServerRepository
	users    repositories.UserRepository
	notifier *Notifier
	tasks    TaskScheduler
	clk      clock.Clock

	sponsoredSlots int
	minimumBid     int64
}

func NewMachine(
	auctions repositories.AuctionRepository,
	sponsors repositories.SponsorRepository,
	servers repositories.ServerRepository,
	users repositories.UserRepository,
	notifier *Notifier,
	tasks TaskScheduler,
	clk clock.Clock,
	sponsoredSlots int,
	minimumBid int64,
) *Machine {
	if sponsoredSlots <= 0 {
		sponsoredSlots = models.DefaultSponsoredSlots
	}
	if minimumBid <= 0 {
		minimumBid = models.DefaultMinimumBid
	}
	return &Machine{
		auctions:       auctions,
		sponsors:       sponsors,
		servers:        servers,
		users:          users,
		notifier:       notifier,
		tasks:          tasks,
		clk:            clk,
		sponsoredSlots: sponsoredSlots,
		minimumBid:     minimumBid,
	}
}

// PhaseTimes derives the six phase timestamps from the first instant of
// the sponsored month, all UTC.
func PhaseTimes(year int, month time.Month) (biddingStarts, biddingEnds, paymentStarts, paymentEnds, sponsoredStarts, sponsoredEnds time.Time) {
	sponsoredStarts = time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	sponsoredEnds = sponsoredStarts.AddDate(0, 1, 0).Add(-time.Microsecond)
	biddingStarts = sponsoredStarts.Add(-14 * 24 * time.Hour)
	biddingEnds = sponsoredStarts.Add(-(3*24*time.Hour + 12*time.Hour))
	paymentStarts = sponsoredStarts.Add(-(3*24*time.Hour + 11*time.Hour + 59*time.Minute))
	paymentEnds = sponsoredStarts.Add(-24 * time.Hour)
	return
}

// CreateAuction constructs the auction for (year, month). A current
// auction also gets its two phase tasks registered with the persistent
// scheduler.
func (m *Machine) CreateAuction(ctx context.Context, year int, month time.Month, isCurrent bool) (*models.Auction, error) {
	if month < time.January || month > time.December {
		return nil, domain.NewInvalid("month must be between 1 and 12")
	}

	biddingStarts, biddingEnds, paymentStarts, paymentEnds, sponsoredStarts, sponsoredEnds := PhaseTimes(year, month)

	auction := &models.Auction{
		IsCurrentAuction:  isCurrent,
		SponsoredYear:     year,
		SponsoredMonth:    int(month),
		BiddingStartsAt:   biddingStarts,
		BiddingEndsAt:     biddingEnds,
		PaymentStartsAt:   paymentStarts,
		PaymentEndsAt:     paymentEnds,
		SponsoredStartsAt: sponsoredStarts,
		SponsoredEndsAt:   sponsoredEnds,
		SponsoredSlots:    m.sponsoredSlots,
		MinimumBid:        m.minimumBid,
	}

	if err := m.auctions.Create(ctx, auction); err != nil {
		return nil, err
	}

	if isCurrent {
		if err := m.schedulePhaseTasks(ctx, auction); err != nil {
			return nil, err
		}
	}

	slog.Info("Auction created",
		slog.String("type", "auction"),
		slog.Int64("auction_id", auction.ID),
		slog.Int("year", year),
		slog.Int("month", int(month)),
		slog.Bool("current", isCurrent))
	return auction, nil
}

// ChangeCurrentAuction atomically moves the current flag and re-registers
// the phase tasks for the newly current auction.
func (m *Machine) ChangeCurrentAuction(ctx context.Context, auctionID int64) error {
	auction, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAuctionNotFound
		}
		return err
	}

	if err := m.auctions.SetCurrent(ctx, auction.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAuctionNotFound
		}
		return err
	}
	return m.schedulePhaseTasks(ctx, auction)
}

// EnsureCurrentAuction creates the next auction as current when none
// exists. The month comes from the latest auction on record, so a boot
// between a close-out and the month start continues the sequence instead
// of recreating the just-retired month. Called at boot so the cycle never
// stalls.
func (m *Machine) EnsureCurrentAuction(ctx context.Context) (*models.Auction, error) {
	auction, err := m.auctions.GetCurrent(ctx)
	if err == nil {
		return auction, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	latest, err := m.auctions.GetLatest(ctx)
	switch {
	case err == nil:
		next := latest.SponsoredStartsAt.AddDate(0, 1, 0)
		return m.CreateAuction(ctx, next.Year(), next.Month(), true)
	case errors.Is(err, sql.ErrNoRows):
		next := m.clk.Now().AddDate(0, 1, 0)
		return m.CreateAuction(ctx, next.Year(), next.Month(), true)
	default:
		return nil, err
	}
}

func (m *Machine) schedulePhaseTasks(ctx context.Context, auction *models.Auction) error {
	if err := m.tasks.Cancel(ctx, TaskStartPaymentPhase); err != nil {
		return err
	}
	if err := m.tasks.Cancel(ctx, TaskPopulateSponsors); err != nil {
		return err
	}

	payload := TaskPayload{AuctionID: auction.ID}
	if err := m.tasks.Schedule(ctx, TaskStartPaymentPhase, auction.PaymentStartsAt, payload); err != nil {
		return fmt.Errorf("failed to schedule payment phase: %w", err)
	}
	if err := m.tasks.Schedule(ctx, TaskPopulateSponsors, auction.SponsoredStartsAt.Add(-12*time.Hour), payload); err != nil {
		return fmt.Errorf("failed to schedule sponsor population: %w", err)
	}
	return nil
}

// Eligible reports whether a server may carry a bid: uptime at least 90
// and at least 30 days listed.
func Eligible(server *models.Server, now time.Time) bool {
	return server.Uptime >= EligibilityMinUptime &&
		now.Sub(server.CreatedAt) >= EligibilityMinAge
}

// AddBid validates and submits a bid. Semantics are an upsert: a second
// bid by the same (user, server) must strictly raise the amount and
// replaces the row in place.
func (m *Machine) AddBid(ctx context.Context, auctionID int64, userID string, serverID int64, amount int64) (*models.AuctionBid, error) {
	auction, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAuctionNotFound
		}
		return nil, err
	}
	server, err := m.servers.GetByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrServerNotFound
		}
		return nil, err
	}
	if _, err := m.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}

	if amount <= auction.MinimumBid {
		return nil, domain.ErrBidBelowMinimum
	}
	if server.UserID != userID {
		return nil, domain.ErrNotOwner
	}

	now := m.clk.Now()
	if now.Before(auction.BiddingStartsAt) {
		return nil, domain.ErrBiddingNotStarted
	}
	if now.After(auction.BiddingEndsAt) {
		return nil, domain.ErrBiddingEnded
	}

	if !Eligible(server, now) {
		return nil, domain.ErrServerNotEligible
	}

	bid := &models.AuctionBid{
		AuctionID:  auction.ID,
		UserID:     userID,
		ServerID:   server.ID,
		ServerName: server.Name,
		Amount:     amount,
	}
	if err := m.auctions.SubmitBid(ctx, bid); err != nil {
		return nil, err
	}

	slog.Info("Bid submitted",
		slog.String("type", "auction"),
		slog.Int64("auction_id", auction.ID),
		slog.Int64("server_id", server.ID),
		slog.Int64("amount", amount))
	return bid, nil
}

// StartPaymentPhase classifies the bids when the payment phase opens: the
// top sponsored_slots bids are offered a slot, the rest go on standby. A
// second firing is a no-op.
func (m *Machine) StartPaymentPhase(ctx context.Context, auctionID int64) error {
	auction, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAuctionNotFound
		}
		return err
	}

	classified, err := m.auctions.AnyBidClassified(ctx, auction.ID)
	if err != nil {
		return err
	}
	if classified {
		slog.Info("Payment phase already started, skipping",
			slog.String("type", "auction"),
			slog.Int64("auction_id", auction.ID))
		return nil
	}

	bids, err := m.auctions.GetBids(ctx, auction.ID)
	if err != nil {
		return err
	}

	now := m.clk.Now()
	for i, bid := range bids {
		if i < auction.SponsoredSlots {
			if err := m.offerSlot(ctx, auction, bid, i+1, now); err != nil {
				return err
			}
			continue
		}
		if err := m.auctions.UpdateBidStatus(ctx, bid.ID, models.BidStatusStandby, time.Time{}); err != nil {
			return err
		}
	}

	slog.Info("Payment phase started",
		slog.String("type", "auction"),
		slog.Int64("auction_id", auction.ID),
		slog.Int("bids", len(bids)))
	return nil
}

// offerSlot moves a bid to awaiting-response, emails the owner and arms
// the 12-hour response timeout.
func (m *Machine) offerSlot(ctx context.Context, auction *models.Auction, bid *models.AuctionBid, slot int, now time.Time) error {
	if err := m.auctions.UpdateBidStatus(ctx, bid.ID, models.BidStatusAwaitingResponse, now); err != nil {
		return err
	}

	if err := m.notifier.NotifyOffer(ctx, auction, bid, slot); err != nil {
		slog.Error("Failed to notify winning bidder",
			slog.String("type", "auction"),
			slog.Int64("bid_id", bid.ID),
			slog.Any("error", err))
	}

	if err := m.tasks.Schedule(ctx, TaskResponseTimeout, now.Add(ResponseTimeout), TaskPayload{BidID: bid.ID}); err != nil {
		return fmt.Errorf("failed to schedule response timeout: %w", err)
	}
	return nil
}

// RespondToOffer records the owner's answer to a slot offer. Declining
// forfeits the bid and promotes the next standby bid.
func (m *Machine) RespondToOffer(ctx context.Context, bidID int64, userID string, accept bool) error {
	bid, err := m.auctions.GetBidByID(ctx, bidID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBidNotFound
		}
		return err
	}
	if bid.UserID != userID {
		return domain.NewUnauthorized("this offer is not yours")
	}
	if bid.PaymentStatus != models.BidStatusAwaitingResponse {
		return domain.NewInvalid("this bid is not awaiting a response")
	}

	if accept {
		return m.auctions.UpdateBidStatus(ctx, bid.ID, models.BidStatusAwaitingPayment, time.Time{})
	}

	if err := m.auctions.UpdateBidStatus(ctx, bid.ID, models.BidStatusForfeit, time.Time{}); err != nil {
		return err
	}
	return m.promoteNextStandby(ctx, bid.AuctionID)
}

// ConfirmPayment marks an accepted offer as paid. Payment processing
// itself happens elsewhere; the machine only tracks the transition.
func (m *Machine) ConfirmPayment(ctx context.Context, bidID int64) error {
	bid, err := m.auctions.GetBidByID(ctx, bidID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBidNotFound
		}
		return err
	}
	if bid.PaymentStatus != models.BidStatusAwaitingPayment {
		return domain.NewInvalid("this bid is not awaiting payment")
	}
	if err := m.auctions.UpdateBidStatus(ctx, bid.ID, models.BidStatusPaid, time.Time{}); err != nil {
		return err
	}

	auction, err := m.auctions.GetByID(ctx, bid.AuctionID)
	if err != nil {
		return err
	}
	slot, err := m.slotFor(ctx, auction, bid)
	if err != nil {
		return err
	}
	if err := m.notifier.NotifyPayment(ctx, auction, bid, slot); err != nil {
		slog.Error("Failed to send payment confirmation",
			slog.String("type", "auction"),
			slog.Int64("bid_id", bid.ID),
			slog.Any("error", err))
	}
	return nil
}

// HandleResponseTimeout forfeits an offer that went unanswered for the
// response window and promotes the next standby bid. A bid that already
// moved on is left alone.
func (m *Machine) HandleResponseTimeout(ctx context.Context, bidID int64) error {
	bid, err := m.auctions.GetBidByID(ctx, bidID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if bid.PaymentStatus != models.BidStatusAwaitingResponse {
		return nil
	}

	auction, err := m.auctions.GetByID(ctx, bid.AuctionID)
	if err != nil {
		return err
	}
	slot, err := m.slotFor(ctx, auction, bid)
	if err != nil {
		return err
	}

	if err := m.auctions.UpdateBidStatus(ctx, bid.ID, models.BidStatusForfeit, time.Time{}); err != nil {
		return err
	}

	if err := m.notifier.NotifyForfeit(ctx, auction, bid, slot); err != nil {
		slog.Error("Failed to notify forfeited bidder",
			slog.String("type", "auction"),
			slog.Int64("bid_id", bid.ID),
			slog.Any("error", err))
	}
	return m.promoteNextStandby(ctx, bid.AuctionID)
}

func (m *Machine) promoteNextStandby(ctx context.Context, auctionID int64) error {
	standby, err := m.auctions.BidsByStatus(ctx, auctionID, models.BidStatusStandby)
	if err != nil {
		return err
	}
	if len(standby) == 0 {
		return nil
	}

	auction, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return err
	}

	next := standby[0]
	slot, err := m.slotFor(ctx, auction, next)
	if err != nil {
		return err
	}
	return m.offerSlot(ctx, auction, next, slot, m.clk.Now())
}

// slotFor counts the live bids above this one; the freed slot a promoted
// standby bid inherits.
func (m *Machine) slotFor(ctx context.Context, auction *models.Auction, bid *models.AuctionBid) (int, error) {
	bids, err := m.auctions.GetBids(ctx, auction.ID)
	if err != nil {
		return 0, err
	}

	slot := 1
	for _, b := range bids {
		if b.ID == bid.ID || b.Amount <= bid.Amount {
			continue
		}
		switch b.PaymentStatus {
		case models.BidStatusAwaitingResponse, models.BidStatusAwaitingPayment, models.BidStatusPaid:
			slot++
		}
	}
	return slot, nil
}

// PopulateSponsoredServers converts the paid bids into sponsor rows for
// the auction's month and retires the current-auction flag. Everything
// happens in one transaction; a second firing is a no-op.
func (m *Machine) PopulateSponsoredServers(ctx context.Context, auctionID int64) error {
	auction, err := m.auctions.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAuctionNotFound
		}
		return err
	}
	if !auction.IsCurrentAuction {
		slog.Info("Auction already populated, skipping",
			slog.String("type", "auction"),
			slog.Int64("auction_id", auction.ID))
		return nil
	}
	exists, err := m.sponsors.ExistsForMonth(ctx, auction.SponsoredYear, auction.SponsoredMonth)
	if err != nil {
		return err
	}
	if exists {
		if err := m.auctions.UnsetCurrent(ctx, auction.ID); err != nil {
			return err
		}
		return m.rollover(ctx, auction)
	}

	paid, err := m.auctions.BidsByStatus(ctx, auction.ID, models.BidStatusPaid)
	if err != nil {
		return err
	}

	count := len(paid)
	if count > auction.SponsoredSlots {
		count = auction.SponsoredSlots
	}

	sponsors := make([]*models.Sponsor, 0, count)
	for i := 0; i < count; i++ {
		sponsors = append(sponsors, &models.Sponsor{
			UserID:    paid[i].UserID,
			ServerID:  paid[i].ServerID,
			Slot:      i + 1,
			Year:      auction.SponsoredYear,
			Month:     auction.SponsoredMonth,
			StartsAt:  auction.SponsoredStartsAt,
			EndsAt:    auction.SponsoredEndsAt,
			CreatedAt: m.clk.Now(),
		})
	}

	if err := m.sponsors.PromoteWinners(ctx, auction, sponsors); err != nil {
		return err
	}

	slog.Info("Sponsored servers populated",
		slog.String("type", "auction"),
		slog.Int64("auction_id", auction.ID),
		slog.Int("sponsors", len(sponsors)))
	return m.rollover(ctx, auction)
}

// rollover opens the month after the retired auction as the new current
// auction, reusing a pre-created row when one exists.
func (m *Machine) rollover(ctx context.Context, retired *models.Auction) error {
	next := retired.SponsoredStartsAt.AddDate(0, 1, 0)

	existing, err := m.auctions.GetByMonth(ctx, next.Year(), int(next.Month()))
	switch {
	case err == nil:
		return m.ChangeCurrentAuction(ctx, existing.ID)
	case errors.Is(err, sql.ErrNoRows):
		_, err := m.CreateAuction(ctx, next.Year(), next.Month(), true)
		return err
	default:
		return err
	}
}
