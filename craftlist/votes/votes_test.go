package votes

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/mcstatus-io/mcutil/v3/options"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
)

type fakeVoteRepo struct {
	votes []*models.Vote
}

func (f *fakeVoteRepo) Create(_ context.Context, vote *models.Vote) error {
	cp := *vote
	f.votes = append(f.votes, &cp)
	return nil
}

func (f *fakeVoteRepo) HasRecentVote(_ context.Context, serverID int64, clientIP string, since time.Time) (bool, error) {
	for _, v := range f.votes {
		if v.ServerID == serverID && v.ClientIP == clientIP && v.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeVoteRepo) CountForServer(_ context.Context, serverID int64) (int, error) {
	count := 0
	for _, v := range f.votes {
		if v.ServerID == serverID {
			count++
		}
	}
	return count, nil
}

func (f *fakeVoteRepo) CountForServerSince(_ context.Context, serverID int64, since time.Time) (int, error) {
	count := 0
	for _, v := range f.votes {
		if v.ServerID == serverID && !v.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

type fakeServerRepo struct {
	servers map[int64]*models.Server
}

func (f *fakeServerRepo) Create(_ context.Context, s *models.Server) error { return nil }

func (f *fakeServerRepo) GetByID(_ context.Context, id int64) (*models.Server, error) {
	s, ok := f.servers[id]
	if !ok || s.FlaggedForDeletion {
		return nil, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeServerRepo) Update(_ context.Context, _ *models.Server) error         { return nil }
func (f *fakeServerRepo) UpdateLiveness(_ context.Context, _ *models.Server) error { return nil }
func (f *fakeServerRepo) UpdateUptime(_ context.Context, _ int64, _ float64) error { return nil }
func (f *fakeServerRepo) SoftDelete(_ context.Context, _ int64) error              { return nil }
func (f *fakeServerRepo) GetAllActive(_ context.Context) ([]*models.Server, error) { return nil, nil }

func (f *fakeServerRepo) Search(_ context.Context, _ time.Time, _ repositories.ListingFilters) ([]repositories.RankedServer, int, error) {
	return nil, 0, nil
}

func (f *fakeServerRepo) RankOf(_ context.Context, _ time.Time, _ int64) (*repositories.RankedServer, error) {
	return nil, sql.ErrNoRows
}

type relayCall struct {
	host string
	port uint16
	opts options.Vote
}

func newTestService(servers ...*models.Server) (*Service, *fakeVoteRepo, *clock.Fake, *[]relayCall) {
	repo := &fakeVoteRepo{}
	srv := &fakeServerRepo{servers: make(map[int64]*models.Server)}
	for _, s := range servers {
		srv.servers[s.ID] = s
	}
	clk := clock.NewFake(time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(repo, srv, clk)
	relays := &[]relayCall{}
	svc.sendVote = func(_ context.Context, host string, port uint16, opts options.Vote) error {
		*relays = append(*relays, relayCall{host: host, port: port, opts: opts})
		return nil
	}
	return svc, repo, clk, relays
}

func TestAddVote(t *testing.T) {
	ctx := context.Background()

	t.Run("records the vote", func(t *testing.T) {
		svc, repo, clk, _ := newTestService(&models.Server{ID: 1})

		require.NoError(t, svc.AddVote(ctx, 1, "203.0.113.9", "steve"))

		require.Len(t, repo.votes, 1)
		assert.Equal(t, int64(1), repo.votes[0].ServerID)
		assert.Equal(t, "203.0.113.9", repo.votes[0].ClientIP)
		assert.Equal(t, "steve", repo.votes[0].Username)
		assert.Equal(t, clk.Now(), repo.votes[0].CreatedAt)
	})

	t.Run("unknown server", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		err := svc.AddVote(ctx, 404, "203.0.113.9", "steve")
		assert.ErrorIs(t, err, domain.ErrServerNotFound)
	})

	t.Run("second vote within 24 hours is rejected", func(t *testing.T) {
		svc, _, clk, _ := newTestService(&models.Server{ID: 1})

		require.NoError(t, svc.AddVote(ctx, 1, "203.0.113.9", "steve"))

		clk.Advance(23 * time.Hour)
		err := svc.AddVote(ctx, 1, "203.0.113.9", "steve")
		assert.ErrorIs(t, err, domain.ErrAlreadyVoted)
		assert.Equal(t, "You have already voted for this server in the last 24 hours", err.Error())

		// A different address may still vote.
		assert.NoError(t, svc.AddVote(ctx, 1, "203.0.113.10", "alex"))

		// After the window the first address votes again.
		clk.Advance(2 * time.Hour)
		assert.NoError(t, svc.AddVote(ctx, 1, "203.0.113.9", "steve"))
	})

	t.Run("votifier relay fires for configured servers", func(t *testing.T) {
		svc, _, clk, relays := newTestService(&models.Server{
			ID:            1,
			VotifierHost:  "vote.example.com",
			VotifierPort:  8192,
			VotifierToken: "secret",
		})

		require.NoError(t, svc.AddVote(ctx, 1, "203.0.113.9", "steve"))

		require.Len(t, *relays, 1)
		call := (*relays)[0]
		assert.Equal(t, "vote.example.com", call.host)
		assert.Equal(t, uint16(8192), call.port)
		assert.Equal(t, "steve", call.opts.Username)
		assert.Equal(t, "secret", call.opts.Token)
		assert.Equal(t, clk.Now(), call.opts.Timestamp)
	})

	t.Run("relay failure never fails the vote", func(t *testing.T) {
		svc, repo, _, _ := newTestService(&models.Server{
			ID:            1,
			VotifierHost:  "vote.example.com",
			VotifierPort:  8192,
			VotifierToken: "secret",
		})
		svc.sendVote = func(context.Context, string, uint16, options.Vote) error {
			return errors.New("connection refused")
		}

		assert.NoError(t, svc.AddVote(ctx, 1, "203.0.113.9", "steve"))
		assert.Len(t, repo.votes, 1)
	})

	t.Run("no relay without votifier config", func(t *testing.T) {
		svc, _, _, relays := newTestService(&models.Server{ID: 1})
		require.NoError(t, svc.AddVote(ctx, 1, "203.0.113.9", "steve"))
		assert.Empty(t, *relays)
	})
}
