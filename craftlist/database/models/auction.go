package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	DefaultSponsoredSlots = 10
	DefaultMinimumBid     = 10
)

// AuctionPhase is derived from the phase timestamps, never stored.
type AuctionPhase string

const (
	AuctionPhasePending   AuctionPhase = "pending"
	AuctionPhaseBidding   AuctionPhase = "bidding"
	AuctionPhasePayment   AuctionPhase = "payment"
	AuctionPhaseSponsored AuctionPhase = "sponsored"
	AuctionPhaseClosed    AuctionPhase = "closed"
)

type Auction struct {
	bun.BaseModel `bun:"table:auctions,alias:a"`

	ID int64 `bun:"id,pk,autoincrement"`

	IsCurrentAuction bool `bun:"is_current_auction,notnull,default:false"`

	SponsoredYear  int `bun:"sponsored_year,notnull"`
	SponsoredMonth int `bun:"sponsored_month,notnull"`

	BiddingStartsAt   time.Time `bun:"bidding_starts_at,notnull"`
	BiddingEndsAt     time.Time `bun:"bidding_ends_at,notnull"`
	PaymentStartsAt   time.Time `bun:"payment_starts_at,notnull"`
	PaymentEndsAt     time.Time `bun:"payment_ends_at,notnull"`
	SponsoredStartsAt time.Time `bun:"sponsored_starts_at,notnull"`
	SponsoredEndsAt   time.Time `bun:"sponsored_ends_at,notnull"`

	SponsoredSlots int   `bun:"sponsored_slots,notnull,default:10"`
	MinimumBid     int64 `bun:"minimum_bid,notnull,default:10"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Phase reports where the auction sits on its timeline at t. The machine
// never regresses; callers gate transitions on this.
func (a *Auction) Phase(t time.Time) AuctionPhase {
	switch {
	case t.Before(a.BiddingStartsAt):
		return AuctionPhasePending
	case t.Before(a.BiddingEndsAt):
		return AuctionPhaseBidding
	case t.Before(a.PaymentEndsAt):
		return AuctionPhasePayment
	case t.Before(a.SponsoredEndsAt):
		return AuctionPhaseSponsored
	default:
		return AuctionPhaseClosed
	}
}

// BidPaymentStatus tracks a bid through the payment phase. The zero value
// means the bid has not been classified yet.
type BidPaymentStatus string

const (
	BidStatusNone             BidPaymentStatus = ""
	BidStatusAwaitingResponse BidPaymentStatus = "Awaiting Response"
	BidStatusAwaitingPayment  BidPaymentStatus = "Awaiting Payment"
	BidStatusPaid             BidPaymentStatus = "Paid"
	BidStatusForfeit          BidPaymentStatus = "Forfeit"
	BidStatusStandby          BidPaymentStatus = "Standby"
)

// AuctionBid is unique per (auction, user, server); re-bidding updates the
// row in place. Amounts are unique across the whole auction.
type AuctionBid struct {
	bun.BaseModel `bun:"table:auction_bids,alias:ab"`

	ID        int64  `bun:"id,pk,autoincrement"`
	AuctionID int64  `bun:"auction_id,notnull"`
	UserID    string `bun:"user_id,notnull"`
	ServerID  int64  `bun:"server_id,notnull"`

	// Snapshot of the server name at bid time.
	ServerName string `bun:"server_name,notnull"`

	Amount        int64            `bun:"amount,notnull"`
	PaymentStatus BidPaymentStatus `bun:"payment_status"`

	// Set when the owner is offered a slot; drives the response timeout.
	NotifiedAt time.Time `bun:"notified_at,nullzero"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
