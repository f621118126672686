package polling

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
	"github.com/craftlist/craftlist/craftlist/logger"
	"github.com/craftlist/craftlist/craftlist/probe"
	"github.com/craftlist/craftlist/craftlist/services"
)

const DefaultBatchSize = 20

// Engine drives the liveness sweeps. Batches of probes run in parallel;
// batches themselves run sequentially so a large listing cannot open an
// unbounded number of sockets.
type Engine struct {
	servers repositories.ServerRepository
	votes   repositories.VoteRepository
	history *Aggregator
	blobs   services.BlobStore
	prober  probe.Prober
	clk     clock.Clock

	batchSize int
	// Bounds in-flight probes across PollAll and on-demand PollOne calls.
	sem *semaphore.Weighted
}

func NewEngine(
	servers repositories.ServerRepository,
	votes repositories.VoteRepository,
	history *Aggregator,
	blobs services.BlobStore,
	prober probe.Prober,
	clk clock.Clock,
	batchSize int,
) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		servers:   servers,
		votes:     votes,
		history:   history,
		blobs:     blobs,
		prober:    prober,
		clk:       clk,
		batchSize: batchSize,
		sem:       semaphore.NewWeighted(int64(batchSize)),
	}
}

// PollAll probes every non-deleted server and writes back live state.
// Failures for one server are logged and never abort the pass.
func (e *Engine) PollAll(ctx context.Context) error {
	start := time.Now()
	servers, err := e.servers.GetAllActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load servers for polling: %w", err)
	}

	for i := 0; i < len(servers); i += e.batchSize {
		end := i + e.batchSize
		if end > len(servers) {
			end = len(servers)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, server := range servers[i:end] {
			server := server
			g.Go(func() error {
				if err := e.sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer e.sem.Release(1)

				e.pollServer(gctx, server)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("polling batch aborted: %w", err)
		}
	}

	logger.LogPoll("poll_all", len(servers), time.Since(start), nil)
	return nil
}

// PollOne performs the probe/write sequence for a single server on demand.
func (e *Engine) PollOne(ctx context.Context, serverID int64, requesterID string) error {
	server, err := e.servers.GetByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrServerNotFound
		}
		return err
	}
	if server.UserID != requesterID {
		return domain.ErrNotOwner
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	record := e.prober.Probe(ctx, javaEndpoint(server), bedrockEndpoint(server))
	e.sem.Release(1)

	e.applyRecord(ctx, server, record)

	if !record.Online {
		return domain.ErrServerUnreachable
	}
	return nil
}

// RecomputeAllUptimes refreshes the rolling uptime of every non-deleted
// server.
func (e *Engine) RecomputeAllUptimes(ctx context.Context) error {
	start := time.Now()
	servers, err := e.servers.GetAllActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load servers for uptime pass: %w", err)
	}

	for _, server := range servers {
		if err := e.history.RecomputeUptime(ctx, server.ID); err != nil {
			slog.Error("Failed to recompute uptime",
				slog.String("type", "poll"),
				slog.Int64("server_id", server.ID),
				slog.Any("error", err))
		}
	}

	logger.LogPoll("recompute_uptimes", len(servers), time.Since(start), nil)
	return nil
}

// RollupHistory folds expired samples into the daily aggregate table.
func (e *Engine) RollupHistory(ctx context.Context) error {
	pruned, err := e.history.Rollup(ctx)
	if err != nil {
		return err
	}
	if pruned > 0 {
		slog.Info("History rolled up",
			slog.String("type", "poll"),
			slog.Int64("pruned_samples", pruned))
	}
	return nil
}

func (e *Engine) pollServer(ctx context.Context, server *models.Server) {
	record := e.prober.Probe(ctx, javaEndpoint(server), bedrockEndpoint(server))
	e.applyRecord(ctx, server, record)
}

// applyRecord writes the probe result back to the server row, manages the
// icon artifact and appends a history sample. Blob and store failures are
// logged; they never propagate out of a polling pass.
func (e *Engine) applyRecord(ctx context.Context, server *models.Server, record probe.LivenessRecord) {
	now := e.clk.Now()

	if record.Online {
		server.IsOnline = true
		server.Players = record.Players
		server.MaxPlayers = record.MaxPlayers
	} else {
		server.IsOnline = false
		server.Players = 0
	}
	server.LastPingedAt = now
	server.UpdatedAt = now

	e.syncIcon(ctx, server, record)

	if err := e.servers.UpdateLiveness(ctx, server); err != nil {
		slog.Error("Failed to persist liveness",
			slog.String("type", "poll"),
			slog.Int64("server_id", server.ID),
			slog.Any("error", err))
		return
	}

	e.recordSample(ctx, server)
}

// syncIcon keys the icon artifact by content checksum: unchanged icons are
// never re-uploaded, vanished icons clear the checksum.
func (e *Engine) syncIcon(ctx context.Context, server *models.Server, record probe.LivenessRecord) {
	if record.Icon == "" {
		server.IconChecksum = ""
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(record.Icon)
	if err != nil {
		slog.Warn("Server presented an undecodable icon",
			slog.String("type", "poll"),
			slog.Int64("server_id", server.ID))
		server.IconChecksum = ""
		return
	}

	sum := md5.Sum(decoded)
	checksum := hex.EncodeToString(sum[:])
	if checksum == server.IconChecksum {
		return
	}

	if _, err := e.blobs.PutIcon(ctx, server.ID, decoded); err != nil {
		// Keep the old checksum so the upload is retried next poll.
		slog.Error("Failed to upload icon",
			slog.String("type", "poll"),
			slog.Int64("server_id", server.ID),
			slog.Any("error", err))
		return
	}
	server.IconChecksum = checksum
}

// recordSample snapshots rank and vote counters alongside the liveness
// sample. Every failure here is non-fatal.
func (e *Engine) recordSample(ctx context.Context, server *models.Server) {
	now := e.clk.Now()

	ranked, err := e.servers.RankOf(ctx, now, server.ID)
	if err != nil {
		slog.Error("Failed to rank server for history",
			slog.String("type", "poll"),
			slog.Int64("server_id", server.ID),
			slog.Any("error", err))
		return
	}

	lastSample, err := e.history.historyRepo.LatestSampleTime(ctx, server.ID)
	if err != nil {
		slog.Error("Failed to read last sample time",
			slog.String("type", "poll"),
			slog.Int64("server_id", server.ID),
			slog.Any("error", err))
		return
	}
	newVotes, err := e.votes.CountForServerSince(ctx, server.ID, lastSample)
	if err != nil {
		slog.Error("Failed to count new votes",
			slog.String("type", "poll"),
			slog.Int64("server_id", server.ID),
			slog.Any("error", err))
		return
	}

	e.history.RecordSample(ctx, &models.ServerHistory{
		ServerID:       server.ID,
		IsOnline:       server.IsOnline,
		Players:        server.Players,
		Rank:           ranked.Rank,
		Uptime:         server.Uptime,
		NewVotes:       newVotes,
		VotesThisMonth: ranked.VotesThisMonth,
		TotalVotes:     ranked.TotalVotes,
	})
}

func javaEndpoint(server *models.Server) *probe.Endpoint {
	if !server.HasJava() {
		return nil
	}
	return &probe.Endpoint{Host: server.JavaHost, Port: server.JavaPort}
}

func bedrockEndpoint(server *models.Server) *probe.Endpoint {
	if !server.HasBedrock() {
		return nil
	}
	return &probe.Endpoint{Host: server.BedrockHost, Port: server.BedrockPort}
}
