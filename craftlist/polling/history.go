package polling

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
)

const (
	// Minimum spacing between two history samples for one server.
	sampleInterval = 60 * time.Second
	// Samples older than this are rolled into daily aggregates.
	historyRetention = 30 * 24 * time.Hour
)

// Aggregator owns the history stream and the rolling uptime metric.
// Sample writes are serialized per server and rate limited; a write inside
// the interval is a silent no-op.
type Aggregator struct {
	historyRepo repositories.HistoryRepository
	serverRepo  repositories.ServerRepository
	clk         clock.Clock

	// serverID -> *sync.Mutex, so concurrent polls of different servers
	// never contend.
	locks sync.Map
}

func NewAggregator(historyRepo repositories.HistoryRepository, serverRepo repositories.ServerRepository, clk clock.Clock) *Aggregator {
	return &Aggregator{
		historyRepo: historyRepo,
		serverRepo:  serverRepo,
		clk:         clk,
	}
}

// RecordSample appends sample unless the server already has one younger
// than the rate-limit interval. Store errors are logged and swallowed so a
// failed persist never aborts a polling pass. Reports whether a row was
// written.
func (a *Aggregator) RecordSample(ctx context.Context, sample *models.ServerHistory) bool {
	lock := a.lockFor(sample.ServerID)
	lock.Lock()
	defer lock.Unlock()

	now := a.clk.Now()
	sample.CreatedAt = now

	written, err := a.historyRepo.InsertSampleIfStale(ctx, sample, now.Add(-sampleInterval))
	if err != nil {
		slog.Error("Failed to record history sample",
			slog.String("type", "poll"),
			slog.Int64("server_id", sample.ServerID),
			slog.Any("error", err))
		return false
	}
	return written
}

// RecomputeUptime recalculates the 30-day uptime percentage. Servers with
// no samples keep their current value.
func (a *Aggregator) RecomputeUptime(ctx context.Context, serverID int64) error {
	counts, err := a.historyRepo.UptimeCounts(ctx, serverID, a.clk.Now().Add(-historyRetention))
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		return nil
	}

	uptime := math.Round(100*100*float64(counts.Online)/float64(counts.Total)) / 100
	return a.serverRepo.UpdateUptime(ctx, serverID, uptime)
}

// Rollup folds expired samples into daily aggregate rows.
func (a *Aggregator) Rollup(ctx context.Context) (int64, error) {
	return a.historyRepo.RollupOlderThan(ctx, a.clk.Now().Add(-historyRetention))
}

func (a *Aggregator) lockFor(serverID int64) *sync.Mutex {
	actual, _ := a.locks.LoadOrStore(serverID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
