package auction

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
)

// --- fakes ---

type fakeAuctionRepo struct {
	auctions  map[int64]*models.Auction
	bids      map[int64]*models.AuctionBid
	nextID    int64
	nextBidID int64
}

func newFakeAuctionRepo() *fakeAuctionRepo {
	return &fakeAuctionRepo{
		auctions: make(map[int64]*models.Auction),
		bids:     make(map[int64]*models.AuctionBid),
	}
}

func (f *fakeAuctionRepo) Create(_ context.Context, auction *models.Auction) error {
	if auction.IsCurrentAuction {
		for _, a := range f.auctions {
			if a.IsCurrentAuction {
				return domain.ErrOnlyOneCurrentAuction
			}
		}
	}
	// Mirrors the unique (sponsored_year, sponsored_month) index.
	for _, a := range f.auctions {
		if a.SponsoredYear == auction.SponsoredYear && a.SponsoredMonth == auction.SponsoredMonth {
			return fmt.Errorf("failed to create auction: duplicate month %d-%d",
				auction.SponsoredYear, auction.SponsoredMonth)
		}
	}
	f.nextID++
	auction.ID = f.nextID
	cp := *auction
	f.auctions[auction.ID] = &cp
	return nil
}

func (f *fakeAuctionRepo) GetByID(_ context.Context, id int64) (*models.Auction, error) {
	a, ok := f.auctions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAuctionRepo) GetByMonth(_ context.Context, year, month int) (*models.Auction, error) {
	for _, a := range f.auctions {
		if a.SponsoredYear == year && a.SponsoredMonth == month {
			cp := *a
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeAuctionRepo) GetLatest(_ context.Context) (*models.Auction, error) {
	var latest *models.Auction
	for _, a := range f.auctions {
		if latest == nil ||
			a.SponsoredYear > latest.SponsoredYear ||
			(a.SponsoredYear == latest.SponsoredYear && a.SponsoredMonth > latest.SponsoredMonth) {
			latest = a
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeAuctionRepo) GetCurrent(_ context.Context) (*models.Auction, error) {
	for _, a := range f.auctions {
		if a.IsCurrentAuction {
			cp := *a
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeAuctionRepo) SetCurrent(_ context.Context, id int64) error {
	if _, ok := f.auctions[id]; !ok {
		return sql.ErrNoRows
	}
	for _, a := range f.auctions {
		a.IsCurrentAuction = a.ID == id
	}
	return nil
}

func (f *fakeAuctionRepo) UnsetCurrent(_ context.Context, id int64) error {
	if a, ok := f.auctions[id]; ok {
		a.IsCurrentAuction = false
	}
	return nil
}

func (f *fakeAuctionRepo) SubmitBid(_ context.Context, bid *models.AuctionBid) error {
	if _, ok := f.auctions[bid.AuctionID]; !ok {
		return domain.ErrAuctionNotFound
	}
	var existing *models.AuctionBid
	for _, b := range f.bids {
		if b.AuctionID == bid.AuctionID && b.UserID == bid.UserID && b.ServerID == bid.ServerID {
			existing = b
		}
	}
	if existing != nil && bid.Amount <= existing.Amount {
		return domain.ErrBidNotGreater
	}
	for _, b := range f.bids {
		if b.AuctionID == bid.AuctionID && b.Amount == bid.Amount && (existing == nil || b.ID != existing.ID) {
			return domain.ErrBidNotUnique
		}
	}
	if existing != nil {
		existing.Amount = bid.Amount
		existing.ServerName = bid.ServerName
		bid.ID = existing.ID
		return nil
	}
	f.nextBidID++
	bid.ID = f.nextBidID
	cp := *bid
	f.bids[bid.ID] = &cp
	return nil
}

func (f *fakeAuctionRepo) GetBids(_ context.Context, auctionID int64) ([]*models.AuctionBid, error) {
	var out []*models.AuctionBid
	for _, b := range f.bids {
		if b.AuctionID == auctionID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount > out[j].Amount })
	return out, nil
}

func (f *fakeAuctionRepo) GetBidByID(_ context.Context, bidID int64) (*models.AuctionBid, error) {
	b, ok := f.bids[bidID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (f *fakeAuctionRepo) BidsByStatus(_ context.Context, auctionID int64, status models.BidPaymentStatus) ([]*models.AuctionBid, error) {
	var out []*models.AuctionBid
	for _, b := range f.bids {
		if b.AuctionID == auctionID && b.PaymentStatus == status {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount > out[j].Amount })
	return out, nil
}

func (f *fakeAuctionRepo) UpdateBidStatus(_ context.Context, bidID int64, status models.BidPaymentStatus, notifiedAt time.Time) error {
	b, ok := f.bids[bidID]
	if !ok {
		return sql.ErrNoRows
	}
	b.PaymentStatus = status
	if !notifiedAt.IsZero() {
		b.NotifiedAt = notifiedAt
	}
	return nil
}

func (f *fakeAuctionRepo) AnyBidClassified(_ context.Context, auctionID int64) (bool, error) {
	for _, b := range f.bids {
		if b.AuctionID == auctionID && b.PaymentStatus != models.BidStatusNone {
			return true, nil
		}
	}
	return false, nil
}

type fakeSponsorRepo struct {
	auctionRepo *fakeAuctionRepo
	sponsors    []*models.Sponsor
}

func (f *fakeSponsorRepo) GetForMonth(_ context.Context, year, month int) ([]*models.Sponsor, error) {
	var out []*models.Sponsor
	for _, s := range f.sponsors {
		if s.Year == year && s.Month == month {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSponsorRepo) ExistsForMonth(_ context.Context, year, month int) (bool, error) {
	for _, s := range f.sponsors {
		if s.Year == year && s.Month == month {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSponsorRepo) PromoteWinners(_ context.Context, auction *models.Auction, sponsors []*models.Sponsor) error {
	f.sponsors = append(f.sponsors, sponsors...)
	if a, ok := f.auctionRepo.auctions[auction.ID]; ok {
		a.IsCurrentAuction = false
	}
	return nil
}

type fakeServerRepo struct {
	servers map[int64]*models.Server
}

func (f *fakeServerRepo) Create(_ context.Context, s *models.Server) error {
	f.servers[s.ID] = s
	return nil
}

func (f *fakeServerRepo) GetByID(_ context.Context, id int64) (*models.Server, error) {
	s, ok := f.servers[id]
	if !ok || s.FlaggedForDeletion {
		return nil, sql.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (f *fakeServerRepo) Update(_ context.Context, s *models.Server) error        { return nil }
func (f *fakeServerRepo) UpdateLiveness(_ context.Context, _ *models.Server) error { return nil }
func (f *fakeServerRepo) UpdateUptime(_ context.Context, _ int64, _ float64) error { return nil }
func (f *fakeServerRepo) SoftDelete(_ context.Context, _ int64) error              { return nil }

func (f *fakeServerRepo) GetAllActive(_ context.Context) ([]*models.Server, error) {
	return nil, nil
}

func (f *fakeServerRepo) Search(_ context.Context, _ time.Time, _ repositories.ListingFilters) ([]repositories.RankedServer, int, error) {
	return nil, 0, nil
}

func (f *fakeServerRepo) RankOf(_ context.Context, _ time.Time, _ int64) (*repositories.RankedServer, error) {
	return nil, sql.ErrNoRows
}

type fakeUserRepo struct {
	users map[string]*models.User
}

func (f *fakeUserRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeUserRepo) Upsert(_ context.Context, u *models.User) error {
	f.users[u.ID] = u
	return nil
}

type scheduledCall struct {
	name    string
	runAt   time.Time
	payload any
}

type fakeScheduler struct {
	scheduled []scheduledCall
	cancelled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, name string, runAt time.Time, payload any) error {
	f.scheduled = append(f.scheduled, scheduledCall{name: name, runAt: runAt, payload: payload})
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, name string) error {
	f.cancelled = append(f.cancelled, name)
	return nil
}

type sentMail struct {
	subject   string
	recipient string
	template  string
	params    map[string]string
}

type fakeMailer struct {
	sent []sentMail
}

func (f *fakeMailer) Send(subject, recipient, templateName string, params map[string]string) error {
	f.sent = append(f.sent, sentMail{subject, recipient, templateName, params})
	return nil
}

// --- fixture ---

type fixture struct {
	machine  *Machine
	auctions *fakeAuctionRepo
	sponsors *fakeSponsorRepo
	servers  *fakeServerRepo
	users    *fakeUserRepo
	sched    *fakeScheduler
	mail     *fakeMailer
	clk      *clock.Fake
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	auctions := newFakeAuctionRepo()
	sponsors := &fakeSponsorRepo{auctionRepo: auctions}
	servers := &fakeServerRepo{servers: make(map[int64]*models.Server)}
	users := &fakeUserRepo{users: make(map[string]*models.User)}
	sched := &fakeScheduler{}
	mail := &fakeMailer{}
	clk := clock.NewFake(now)

	machine := NewMachine(
		auctions, sponsors, servers, users,
		NewNotifier(mail, users),
		sched, clk,
		models.DefaultSponsoredSlots, models.DefaultMinimumBid,
	)

	return &fixture{
		machine:  machine,
		auctions: auctions,
		sponsors: sponsors,
		servers:  servers,
		users:    users,
		sched:    sched,
		mail:     mail,
		clk:      clk,
	}
}

func (f *fixture) addUser(id string) {
	f.users.users[id] = &models.User{ID: id, Username: id, Email: id + "@example.com"}
}

func (f *fixture) addServer(id int64, owner string, uptime float64, createdAt time.Time) {
	f.servers.servers[id] = &models.Server{
		ID:        id,
		UserID:    owner,
		Name:      "server-" + owner,
		Uptime:    uptime,
		CreatedAt: createdAt,
	}
}

// --- tests ---

func TestPhaseTimes(t *testing.T) {
	biddingStarts, biddingEnds, paymentStarts, paymentEnds, sponsoredStarts, sponsoredEnds := PhaseTimes(2021, time.January)

	assert.Equal(t, time.Date(2020, 12, 18, 0, 0, 0, 0, time.UTC), biddingStarts)
	assert.Equal(t, time.Date(2020, 12, 28, 12, 0, 0, 0, time.UTC), biddingEnds)
	assert.Equal(t, time.Date(2020, 12, 28, 12, 1, 0, 0, time.UTC), paymentStarts)
	assert.Equal(t, time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC), paymentEnds)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), sponsoredStarts)
	assert.Equal(t, time.Date(2021, 1, 31, 23, 59, 59, 999999000, time.UTC), sponsoredEnds)
}

func TestCreateAuction(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2020, 12, 1, 0, 0, 0, 0, time.UTC)

	t.Run("current auction schedules phase tasks", func(t *testing.T) {
		f := newFixture(t, now)
		auction, err := f.machine.CreateAuction(ctx, 2021, time.January, true)
		require.NoError(t, err)
		assert.True(t, auction.IsCurrentAuction)

		require.Len(t, f.sched.scheduled, 2)
		assert.Equal(t, TaskStartPaymentPhase, f.sched.scheduled[0].name)
		assert.Equal(t, auction.PaymentStartsAt, f.sched.scheduled[0].runAt)
		assert.Equal(t, TaskPopulateSponsors, f.sched.scheduled[1].name)
		assert.Equal(t, auction.SponsoredStartsAt.Add(-12*time.Hour), f.sched.scheduled[1].runAt)
	})

	t.Run("non-current auction schedules nothing", func(t *testing.T) {
		f := newFixture(t, now)
		_, err := f.machine.CreateAuction(ctx, 2021, time.February, false)
		require.NoError(t, err)
		assert.Empty(t, f.sched.scheduled)
	})

	t.Run("second current auction rejected", func(t *testing.T) {
		f := newFixture(t, now)
		_, err := f.machine.CreateAuction(ctx, 2021, time.January, true)
		require.NoError(t, err)

		_, err = f.machine.CreateAuction(ctx, 2021, time.February, true)
		assert.ErrorIs(t, err, domain.ErrOnlyOneCurrentAuction)
	})

	t.Run("invalid month rejected", func(t *testing.T) {
		f := newFixture(t, now)
		_, err := f.machine.CreateAuction(ctx, 2021, time.Month(13), true)
		assert.True(t, domain.IsInvalid(err))
	})
}

func TestEnsureCurrentAuction(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2020, 12, 5, 0, 0, 0, 0, time.UTC)

	t.Run("creates next month when none exists", func(t *testing.T) {
		f := newFixture(t, now)
		auction, err := f.machine.EnsureCurrentAuction(ctx)
		require.NoError(t, err)
		assert.True(t, auction.IsCurrentAuction)
		assert.Equal(t, 2021, auction.SponsoredYear)
		assert.Equal(t, 1, auction.SponsoredMonth)
	})

	t.Run("returns the existing current auction", func(t *testing.T) {
		f := newFixture(t, now)
		created, err := f.machine.CreateAuction(ctx, 2021, time.January, true)
		require.NoError(t, err)

		got, err := f.machine.EnsureCurrentAuction(ctx)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
	})

	t.Run("continues from the latest auction after a close-out", func(t *testing.T) {
		// A boot between the January close-out and the month start: the
		// retired January auction is still the latest row, and the wall
		// clock would point back into January.
		f := newFixture(t, now)
		retired, err := f.machine.CreateAuction(ctx, 2021, time.January, false)
		require.NoError(t, err)
		f.clk.Set(time.Date(2020, 12, 31, 18, 0, 0, 0, time.UTC))

		got, err := f.machine.EnsureCurrentAuction(ctx)
		require.NoError(t, err)
		assert.True(t, got.IsCurrentAuction)
		assert.Equal(t, 2021, got.SponsoredYear)
		assert.Equal(t, 2, got.SponsoredMonth)
		assert.NotEqual(t, retired.ID, got.ID)

		// The retired month keeps its single row.
		jan, err := f.auctions.GetByMonth(ctx, 2021, 1)
		require.NoError(t, err)
		assert.Equal(t, retired.ID, jan.ID)
	})
}

func TestAddBid(t *testing.T) {
	ctx := context.Background()
	// Inside the bidding window for the January 2021 auction.
	now := time.Date(2020, 12, 20, 0, 0, 0, 0, time.UTC)
	listedAt := now.Add(-60 * 24 * time.Hour)

	setup := func(t *testing.T) (*fixture, int64) {
		f := newFixture(t, now)
		auction, err := f.machine.CreateAuction(ctx, 2021, time.January, true)
		require.NoError(t, err)
		f.addUser("owner")
		f.addServer(1, "owner", 99.5, listedAt)
		return f, auction.ID
	}

	t.Run("valid bid is accepted", func(t *testing.T) {
		f, auctionID := setup(t)
		bid, err := f.machine.AddBid(ctx, auctionID, "owner", 1, 50)
		require.NoError(t, err)
		assert.Equal(t, int64(50), bid.Amount)
		assert.Equal(t, "server-owner", bid.ServerName)
	})

	t.Run("unknown auction", func(t *testing.T) {
		f, _ := setup(t)
		_, err := f.machine.AddBid(ctx, 999, "owner", 1, 50)
		assert.ErrorIs(t, err, domain.ErrAuctionNotFound)
	})

	t.Run("unknown server", func(t *testing.T) {
		f, auctionID := setup(t)
		_, err := f.machine.AddBid(ctx, auctionID, "owner", 999, 50)
		assert.ErrorIs(t, err, domain.ErrServerNotFound)
	})

	t.Run("unknown user", func(t *testing.T) {
		f, auctionID := setup(t)
		_, err := f.machine.AddBid(ctx, auctionID, "ghost", 1, 50)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("amount equal to minimum is rejected", func(t *testing.T) {
		f, auctionID := setup(t)
		_, err := f.machine.AddBid(ctx, auctionID, "owner", 1, models.DefaultMinimumBid)
		assert.ErrorIs(t, err, domain.ErrBidBelowMinimum)
	})

	t.Run("non-owner is rejected", func(t *testing.T) {
		f, auctionID := setup(t)
		f.addUser("other")
		_, err := f.machine.AddBid(ctx, auctionID, "other", 1, 50)
		assert.ErrorIs(t, err, domain.ErrNotOwner)
	})

	t.Run("before bidding opens", func(t *testing.T) {
		f, auctionID := setup(t)
		f.clk.Set(time.Date(2020, 12, 17, 0, 0, 0, 0, time.UTC))
		_, err := f.machine.AddBid(ctx, auctionID, "owner", 1, 50)
		assert.ErrorIs(t, err, domain.ErrBiddingNotStarted)
	})

	t.Run("after bidding closes", func(t *testing.T) {
		f, auctionID := setup(t)
		f.clk.Set(time.Date(2020, 12, 28, 12, 0, 1, 0, time.UTC))
		_, err := f.machine.AddBid(ctx, auctionID, "owner", 1, 50)
		assert.ErrorIs(t, err, domain.ErrBiddingEnded)
	})

	t.Run("uptime below threshold", func(t *testing.T) {
		f, auctionID := setup(t)
		f.addServer(2, "owner", 89.99, listedAt)
		_, err := f.machine.AddBid(ctx, auctionID, "owner", 2, 50)
		assert.ErrorIs(t, err, domain.ErrServerNotEligible)
	})

	t.Run("server listed under 30 days", func(t *testing.T) {
		f, auctionID := setup(t)
		f.addServer(2, "owner", 100, now.Add(-29*24*time.Hour))
		_, err := f.machine.AddBid(ctx, auctionID, "owner", 2, 50)
		assert.ErrorIs(t, err, domain.ErrServerNotEligible)
	})

	t.Run("rebid must raise the amount", func(t *testing.T) {
		f, auctionID := setup(t)
		_, err := f.machine.AddBid(ctx, auctionID, "owner", 1, 50)
		require.NoError(t, err)

		_, err = f.machine.AddBid(ctx, auctionID, "owner", 1, 50)
		assert.ErrorIs(t, err, domain.ErrBidNotGreater)

		bid, err := f.machine.AddBid(ctx, auctionID, "owner", 1, 60)
		require.NoError(t, err)
		assert.Equal(t, int64(60), bid.Amount)

		bids, err := f.auctions.GetBids(ctx, auctionID)
		require.NoError(t, err)
		assert.Len(t, bids, 1)
	})

	t.Run("amounts are unique per auction", func(t *testing.T) {
		f, auctionID := setup(t)
		f.addUser("rival")
		f.addServer(2, "rival", 100, listedAt)

		_, err := f.machine.AddBid(ctx, auctionID, "owner", 1, 50)
		require.NoError(t, err)

		_, err = f.machine.AddBid(ctx, auctionID, "rival", 2, 50)
		assert.ErrorIs(t, err, domain.ErrBidNotUnique)
	})
}

// paymentFixture builds an auction with the given bid amounts submitted,
// then jumps the clock into the payment phase.
func paymentFixture(t *testing.T, slots int, amounts map[string]int64) (*fixture, int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2020, 12, 20, 0, 0, 0, 0, time.UTC)
	listedAt := now.Add(-60 * 24 * time.Hour)

	f := newFixture(t, now)
	f.machine.sponsoredSlots = slots

	auction, err := f.machine.CreateAuction(ctx, 2021, time.January, true)
	require.NoError(t, err)

	var serverID int64
	for user, amount := range amounts {
		serverID++
		f.addUser(user)
		f.addServer(serverID, user, 100, listedAt)
		_, err := f.machine.AddBid(ctx, auction.ID, user, serverID, amount)
		require.NoError(t, err)
	}

	f.clk.Set(auction.PaymentStartsAt)
	return f, auction.ID
}

func TestStartPaymentPhase(t *testing.T) {
	ctx := context.Background()

	t.Run("classifies top bids and standby", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 2, map[string]int64{
			"alice": 100, "bob": 90, "carol": 80, "dave": 70,
		})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, err := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.NoError(t, err)
		require.Len(t, offered, 2)
		assert.Equal(t, int64(100), offered[0].Amount)
		assert.Equal(t, int64(90), offered[1].Amount)

		standby, err := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusStandby)
		require.NoError(t, err)
		assert.Len(t, standby, 2)

		// One offer mail per winning bid, plus a timeout per offer.
		assert.Len(t, f.mail.sent, 2)
		timeouts := 0
		for _, c := range f.sched.scheduled {
			if c.name == TaskResponseTimeout {
				timeouts++
			}
		}
		assert.Equal(t, 2, timeouts)
	})

	t.Run("second firing is a no-op", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 2, map[string]int64{"alice": 100, "bob": 90})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))
		mails := len(f.mail.sent)

		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))
		assert.Equal(t, mails, len(f.mail.sent))
	})

	t.Run("offer mail carries slot and month", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		require.Len(t, f.mail.sent, 1)
		assert.Equal(t, "auction_offer", f.mail.sent[0].template)
		assert.Equal(t, "alice@example.com", f.mail.sent[0].recipient)
		assert.Equal(t, "1", f.mail.sent[0].params["slot"])
		assert.Equal(t, "January 2021", f.mail.sent[0].params["month"])
	})
}

func TestRespondToOffer(t *testing.T) {
	ctx := context.Background()

	t.Run("accepting moves to awaiting payment", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.Len(t, offered, 1)

		require.NoError(t, f.machine.RespondToOffer(ctx, offered[0].ID, "alice", true))

		bid, err := f.auctions.GetBidByID(ctx, offered[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.BidStatusAwaitingPayment, bid.PaymentStatus)
	})

	t.Run("declining forfeits and promotes standby", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100, "bob": 90})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.Len(t, offered, 1)

		require.NoError(t, f.machine.RespondToOffer(ctx, offered[0].ID, "alice", false))

		declined, err := f.auctions.GetBidByID(ctx, offered[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.BidStatusForfeit, declined.PaymentStatus)

		promoted, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.Len(t, promoted, 1)
		assert.Equal(t, int64(90), promoted[0].Amount)
	})

	t.Run("only the bidder may respond", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		err := f.machine.RespondToOffer(ctx, offered[0].ID, "mallory", true)
		assert.True(t, domain.IsUnauthorized(err))
	})

	t.Run("unknown bid", func(t *testing.T) {
		f, _ := paymentFixture(t, 1, map[string]int64{"alice": 100})
		err := f.machine.RespondToOffer(ctx, 999, "alice", true)
		assert.ErrorIs(t, err, domain.ErrBidNotFound)
	})
}

func TestHandleResponseTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("unanswered offer forfeits and promotes", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100, "bob": 90})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.Len(t, offered, 1)

		f.clk.Advance(ResponseTimeout)
		require.NoError(t, f.machine.HandleResponseTimeout(ctx, offered[0].ID))

		timedOut, err := f.auctions.GetBidByID(ctx, offered[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.BidStatusForfeit, timedOut.PaymentStatus)

		promoted, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.Len(t, promoted, 1)
		assert.Equal(t, int64(90), promoted[0].Amount)
	})

	t.Run("answered offer is untouched", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.NoError(t, f.machine.RespondToOffer(ctx, offered[0].ID, "alice", true))

		require.NoError(t, f.machine.HandleResponseTimeout(ctx, offered[0].ID))

		bid, err := f.auctions.GetBidByID(ctx, offered[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.BidStatusAwaitingPayment, bid.PaymentStatus)
	})

	t.Run("deleted bid is a no-op", func(t *testing.T) {
		f, _ := paymentFixture(t, 1, map[string]int64{"alice": 100})
		assert.NoError(t, f.machine.HandleResponseTimeout(ctx, 999))
	})
}

func TestConfirmPayment(t *testing.T) {
	ctx := context.Background()

	f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
	require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

	offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
	require.Len(t, offered, 1)
	bidID := offered[0].ID

	// Paying before accepting is invalid.
	err := f.machine.ConfirmPayment(ctx, bidID)
	assert.True(t, domain.IsInvalid(err))

	require.NoError(t, f.machine.RespondToOffer(ctx, bidID, "alice", true))
	require.NoError(t, f.machine.ConfirmPayment(ctx, bidID))

	bid, err := f.auctions.GetBidByID(ctx, bidID)
	require.NoError(t, err)
	assert.Equal(t, models.BidStatusPaid, bid.PaymentStatus)

	// Offer mail plus payment confirmation.
	require.Len(t, f.mail.sent, 2)
	assert.Equal(t, "auction_payment", f.mail.sent[1].template)
}

func TestPopulateSponsoredServers(t *testing.T) {
	ctx := context.Background()

	t.Run("paid bids become sponsors in amount order", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 3, map[string]int64{
			"alice": 100, "bob": 90, "carol": 80,
		})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		for _, b := range offered {
			require.NoError(t, f.machine.RespondToOffer(ctx, b.ID, b.UserID, true))
			require.NoError(t, f.machine.ConfirmPayment(ctx, b.ID))
		}

		require.NoError(t, f.machine.PopulateSponsoredServers(ctx, auctionID))

		sponsors, err := f.sponsors.GetForMonth(ctx, 2021, 1)
		require.NoError(t, err)
		require.Len(t, sponsors, 3)

		sort.Slice(sponsors, func(i, j int) bool { return sponsors[i].Slot < sponsors[j].Slot })
		assert.Equal(t, "alice", sponsors[0].UserID)
		assert.Equal(t, "bob", sponsors[1].UserID)
		assert.Equal(t, "carol", sponsors[2].UserID)

		assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), sponsors[0].StartsAt)
		assert.Equal(t, time.Date(2021, 1, 31, 23, 59, 59, 999999000, time.UTC), sponsors[0].EndsAt)

		// The auction is no longer current.
		auction, err := f.auctions.GetByID(ctx, auctionID)
		require.NoError(t, err)
		assert.False(t, auction.IsCurrentAuction)
	})

	t.Run("unpaid bids are excluded", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 2, map[string]int64{"alice": 100, "bob": 90})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		for _, b := range offered {
			if b.UserID == "alice" {
				require.NoError(t, f.machine.RespondToOffer(ctx, b.ID, b.UserID, true))
				require.NoError(t, f.machine.ConfirmPayment(ctx, b.ID))
			}
		}

		require.NoError(t, f.machine.PopulateSponsoredServers(ctx, auctionID))

		sponsors, err := f.sponsors.GetForMonth(ctx, 2021, 1)
		require.NoError(t, err)
		require.Len(t, sponsors, 1)
		assert.Equal(t, "alice", sponsors[0].UserID)
		assert.Equal(t, 1, sponsors[0].Slot)
	})

	t.Run("second firing is a no-op", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.NoError(t, f.machine.RespondToOffer(ctx, offered[0].ID, "alice", true))
		require.NoError(t, f.machine.ConfirmPayment(ctx, offered[0].ID))

		require.NoError(t, f.machine.PopulateSponsoredServers(ctx, auctionID))
		require.NoError(t, f.machine.PopulateSponsoredServers(ctx, auctionID))

		sponsors, err := f.sponsors.GetForMonth(ctx, 2021, 1)
		require.NoError(t, err)
		assert.Len(t, sponsors, 1)
	})

	t.Run("close-out opens the next month as current", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))

		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.NoError(t, f.machine.RespondToOffer(ctx, offered[0].ID, "alice", true))
		require.NoError(t, f.machine.ConfirmPayment(ctx, offered[0].ID))

		require.NoError(t, f.machine.PopulateSponsoredServers(ctx, auctionID))

		current, err := f.auctions.GetCurrent(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2021, current.SponsoredYear)
		assert.Equal(t, 2, current.SponsoredMonth)
		assert.NotEqual(t, auctionID, current.ID)

		// Phase tasks are armed for the new month.
		last := f.sched.scheduled[len(f.sched.scheduled)-2:]
		assert.Equal(t, TaskStartPaymentPhase, last[0].name)
		assert.Equal(t, current.PaymentStartsAt, last[0].runAt)
		assert.Equal(t, TaskPopulateSponsors, last[1].name)
		assert.Equal(t, current.SponsoredStartsAt.Add(-12*time.Hour), last[1].runAt)

		// A boot inside the twelve hours before the month starts finds the
		// rolled-over auction instead of recreating the retired month.
		f.clk.Set(time.Date(2020, 12, 31, 18, 0, 0, 0, time.UTC))
		got, err := f.machine.EnsureCurrentAuction(ctx)
		require.NoError(t, err)
		assert.Equal(t, current.ID, got.ID)
	})

	t.Run("close-out reuses a pre-created next month", func(t *testing.T) {
		f, auctionID := paymentFixture(t, 1, map[string]int64{"alice": 100})
		february, err := f.machine.CreateAuction(ctx, 2021, time.February, false)
		require.NoError(t, err)

		require.NoError(t, f.machine.StartPaymentPhase(ctx, auctionID))
		offered, _ := f.auctions.BidsByStatus(ctx, auctionID, models.BidStatusAwaitingResponse)
		require.NoError(t, f.machine.RespondToOffer(ctx, offered[0].ID, "alice", true))
		require.NoError(t, f.machine.ConfirmPayment(ctx, offered[0].ID))

		require.NoError(t, f.machine.PopulateSponsoredServers(ctx, auctionID))

		current, err := f.auctions.GetCurrent(ctx)
		require.NoError(t, err)
		assert.Equal(t, february.ID, current.ID)
	})
}

func TestEligible(t *testing.T) {
	now := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		uptime    float64
		createdAt time.Time
		want      bool
	}{
		{"both thresholds met", 90, now.Add(-30 * 24 * time.Hour), true},
		{"uptime too low", 89.99, now.Add(-60 * 24 * time.Hour), false},
		{"listed too recently", 100, now.Add(-29 * 24 * time.Hour), false},
		{"exactly at both bounds", 90, now.Add(-30 * 24 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := &models.Server{Uptime: tt.uptime, CreatedAt: tt.createdAt}
			assert.Equal(t, tt.want, Eligible(server, now))
		})
	}
}
