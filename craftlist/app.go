package craftlist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/craftlist/auction"
	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/polling"
	"github.com/craftlist/craftlist/craftlist/probe"
	"github.com/craftlist/craftlist/craftlist/ranking"
	"github.com/craftlist/craftlist/craftlist/scheduler"
	"github.com/craftlist/craftlist/craftlist/services"
	"github.com/craftlist/craftlist/craftlist/votes"
)

// App wires the repositories, services and engines together. main builds
// one and runs it until shutdown.
type App struct {
	Cfg   Config
	DB    *database.DB
	Clock clock.Clock

	ServerRepository  repositories.ServerRepository
	UserRepository    repositories.UserRepository
	VoteRepository    repositories.VoteRepository
	HistoryRepository repositories.HistoryRepository
	AuctionRepository repositories.AuctionRepository
	SponsorRepository repositories.SponsorRepository
	TaskRepository    repositories.TaskRepository

	SpacesService *services.SpacesService
	MailClient    *services.MailClient
	ServerService *services.ServerService
	SearchService *services.SearchService

	Prober     probe.Prober
	Aggregator *polling.Aggregator
	Poller     *polling.Engine
	Ranking    *ranking.Service
	Votes      *votes.Service
	Auctions   *auction.Machine

	Tasks     *scheduler.Persistent
	Periodic  *scheduler.Ephemeral
	periodCtx context.CancelFunc
}

func New(cfg Config, db *database.DB) (*App, error) {
	cfg.Polling.ApplyDefaults()
	cfg.Auction.ApplyDefaults()

	clk := clock.System()
	bunDB := db.BunDB()

	a := &App{
		Cfg:   cfg,
		DB:    db,
		Clock: clk,

		ServerRepository:  repositories.NewServerRepository(bunDB),
		UserRepository:    repositories.NewUserRepository(bunDB),
		VoteRepository:    repositories.NewVoteRepository(bunDB),
		HistoryRepository: repositories.NewHistoryRepository(bunDB),
		AuctionRepository: repositories.NewAuctionRepository(bunDB),
		SponsorRepository: repositories.NewSponsorRepository(bunDB),
		TaskRepository:    repositories.NewTaskRepository(bunDB),
	}

	a.SpacesService = services.NewSpacesService(
		cfg.Spaces.Key,
		cfg.Spaces.Secret,
		cfg.Spaces.Region,
		cfg.Spaces.Bucket,
		cfg.Spaces.CDNDomain,
	)

	mail, err := services.NewMailClient(
		cfg.SMTP.Host,
		cfg.SMTP.MailName,
		cfg.SMTP.MailAddress,
		cfg.SMTP.Disabled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init mail client: %w", err)
	}
	a.MailClient = mail

	a.ServerService = services.NewServerService(a.ServerRepository, a.SpacesService)
	a.SearchService = services.NewSearchService(a.ServerRepository)

	a.Prober = probe.New(time.Duration(cfg.Polling.ProbeTimeout) * time.Second)
	a.Aggregator = polling.NewAggregator(a.HistoryRepository, a.ServerRepository, clk)
	a.Poller = polling.NewEngine(
		a.ServerRepository,
		a.VoteRepository,
		a.Aggregator,
		a.SpacesService,
		a.Prober,
		clk,
		cfg.Polling.BatchSize,
	)
	a.Ranking = ranking.NewService(a.ServerRepository, clk)
	a.Votes = votes.NewService(a.VoteRepository, a.ServerRepository, clk)

	a.Tasks = scheduler.NewPersistent(a.TaskRepository, clk)
	notifier := auction.NewNotifier(a.MailClient, a.UserRepository)
	a.Auctions = auction.NewMachine(
		a.AuctionRepository,
		a.SponsorRepository,
		a.ServerRepository,
		a.UserRepository,
		notifier,
		a.Tasks,
		clk,
		cfg.Auction.SponsoredSlots,
		cfg.Auction.MinimumBid,
	)

	a.registerTaskHandlers()
	return a, nil
}

// registerTaskHandlers binds the auction phase tasks before Start so the
// boot catch-up can fire them.
func (a *App) registerTaskHandlers() {
	a.Tasks.Register(auction.TaskStartPaymentPhase, func(ctx context.Context, raw json.RawMessage) error {
		var p auction.TaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad task payload: %w", err)
		}
		return a.Auctions.StartPaymentPhase(ctx, p.AuctionID)
	})

	a.Tasks.Register(auction.TaskPopulateSponsors, func(ctx context.Context, raw json.RawMessage) error {
		var p auction.TaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad task payload: %w", err)
		}
		return a.Auctions.PopulateSponsoredServers(ctx, p.AuctionID)
	})

	a.Tasks.Register(auction.TaskResponseTimeout, func(ctx context.Context, raw json.RawMessage) error {
		var p auction.TaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("bad task payload: %w", err)
		}
		return a.Auctions.HandleResponseTimeout(ctx, p.BidID)
	})
}

// Start makes sure an auction cycle is running, drains overdue tasks and
// arms the periodic jobs.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Auctions.EnsureCurrentAuction(ctx); err != nil {
		return fmt.Errorf("failed to ensure current auction: %w", err)
	}

	a.Tasks.Start(ctx)

	jobCtx, cancel := context.WithCancel(ctx)
	a.periodCtx = cancel
	a.Periodic = scheduler.NewEphemeral(jobCtx)

	pollEvery := time.Duration(a.Cfg.Polling.PollInterval) * time.Second
	uptimeEvery := time.Duration(a.Cfg.Polling.UptimeInterval) * time.Second

	if err := a.Periodic.Every(pollEvery, "poll_all", a.Poller.PollAll); err != nil {
		return err
	}
	if err := a.Periodic.Every(uptimeEvery, "recompute_uptimes", a.Poller.RecomputeAllUptimes); err != nil {
		return err
	}
	if err := a.Periodic.Every(24*time.Hour, "history_rollup", a.Poller.RollupHistory); err != nil {
		return err
	}
	a.Periodic.Start()
	return nil
}

func (a *App) Stop() {
	if a.Periodic != nil {
		a.Periodic.Stop()
	}
	if a.periodCtx != nil {
		a.periodCtx()
	}
	a.Tasks.Stop()
}
