// Package votes records player votes and relays them to servers that
// listen for votifier callbacks.
package votes

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/mcstatus-io/mcutil/v3"
	"github.com/mcstatus-io/mcutil/v3/options"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
)

const (
	// One vote per (server, client IP) per this window.
	VoteWindow = 24 * time.Hour

	relayTimeout = 5 * time.Second
	serviceName  = "craftlist"
)

type Service struct {
	votes   repositories.VoteRepository
	servers repositories.ServerRepository
	clk     clock.Clock

	// Injected so tests never open sockets.
	sendVote func(ctx context.Context, host string, port uint16, opts options.Vote) error
}

func NewService(votes repositories.VoteRepository, servers repositories.ServerRepository, clk clock.Clock) *Service {
	return &Service{
		votes:    votes,
		servers:  servers,
		clk:      clk,
		sendVote: mcutil.SendVote,
	}
}

// AddVote records a vote for the server. A second vote from the same
// client IP within 24 hours is rejected; the votifier relay is best
// effort and never fails the vote.
func (s *Service) AddVote(ctx context.Context, serverID int64, clientIP, username string) error {
	server, err := s.servers.GetByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrServerNotFound
		}
		return err
	}

	now := s.clk.Now()
	recent, err := s.votes.HasRecentVote(ctx, server.ID, clientIP, now.Add(-VoteWindow))
	if err != nil {
		return err
	}
	if recent {
		return domain.ErrAlreadyVoted
	}

	vote := &models.Vote{
		ServerID:  server.ID,
		ClientIP:  clientIP,
		Username:  username,
		CreatedAt: now,
	}
	if err := s.votes.Create(ctx, vote); err != nil {
		return err
	}

	if server.HasVotifier() {
		s.relay(ctx, server, username, now)
	}

	slog.Info("Vote recorded",
		slog.String("type", "poll"),
		slog.Int64("server_id", server.ID))
	return nil
}

func (s *Service) relay(ctx context.Context, server *models.Server, username string, now time.Time) {
	err := s.sendVote(ctx, server.VotifierHost, server.VotifierPort, options.Vote{
		ServiceName: serviceName,
		Username:    username,
		Token:       server.VotifierToken,
		Timestamp:   now,
		Timeout:     relayTimeout,
	})
	if err != nil {
		slog.Warn("Votifier relay failed",
			slog.String("type", "poll"),
			slog.Int64("server_id", server.ID),
			slog.Any("error", err))
	}
}
