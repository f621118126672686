package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/uptrace/bun"
)

// UptimeCounts holds the sample counts a rolling uptime is derived from.
type UptimeCounts struct {
	Total  int `bun:"total"`
	Online int `bun:"online"`
}

type HistoryRepository interface {
	// InsertSampleIfStale appends the sample unless another sample for the
	// same server is younger than the cutoff. Reports whether a row was
	// written. The NOT EXISTS gate makes the 60-second rate limit hold
	// across restarts, not just in memory.
	InsertSampleIfStale(ctx context.Context, sample *models.ServerHistory, cutoff time.Time) (bool, error)
	UptimeCounts(ctx context.Context, serverID int64, since time.Time) (UptimeCounts, error)
	// RollupOlderThan folds samples older than cutoff into daily aggregate
	// rows and deletes them, in one transaction.
	RollupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	LatestSampleTime(ctx context.Context, serverID int64) (time.Time, error)
}

type historyRepository struct {
	db *bun.DB
}

func NewHistoryRepository(db *bun.DB) HistoryRepository {
	return &historyRepository{db: db}
}

func (r *historyRepository) InsertSampleIfStale(ctx context.Context, sample *models.ServerHistory, cutoff time.Time) (bool, error) {
	res, err := r.db.NewRaw(`
INSERT INTO server_histories
    (server_id, is_online, players, rank, uptime, new_votes, votes_this_month, total_votes, created_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (
    SELECT 1 FROM server_histories WHERE server_id = ? AND created_at > ?
)`,
		sample.ServerID, sample.IsOnline, sample.Players, sample.Rank, sample.Uptime,
		sample.NewVotes, sample.VotesThisMonth, sample.TotalVotes, sample.CreatedAt,
		sample.ServerID, cutoff,
	).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to insert history sample: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *historyRepository) UptimeCounts(ctx context.Context, serverID int64, since time.Time) (UptimeCounts, error) {
	var counts UptimeCounts
	err := r.db.NewRaw(`
SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE is_online) AS online
FROM server_histories
WHERE server_id = ? AND created_at >= ?`,
		serverID, since,
	).Scan(ctx, &counts)
	if err != nil {
		return UptimeCounts{}, fmt.Errorf("failed to count history samples: %w", err)
	}
	return counts, nil
}

func (r *historyRepository) RollupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewRaw(`
INSERT INTO server_history_aggregates
    (server_id, day, samples, online_samples, avg_players, peak_players, votes_this_month, total_votes, created_at)
SELECT server_id,
       date_trunc('day', created_at),
       COUNT(*),
       COUNT(*) FILTER (WHERE is_online),
       COALESCE(AVG(players), 0),
       COALESCE(MAX(players), 0),
       MAX(votes_this_month),
       MAX(total_votes),
       ?
FROM server_histories
WHERE created_at < ?
GROUP BY server_id, date_trunc('day', created_at)
ON CONFLICT (server_id, day) DO NOTHING`,
			cutoff, cutoff,
		).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to aggregate history: %w", err)
		}

		res, err := tx.NewDelete().
			Model((*models.ServerHistory)(nil)).
			Where("created_at < ?", cutoff).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

func (r *historyRepository) LatestSampleTime(ctx context.Context, serverID int64) (time.Time, error) {
	var latest time.Time
	err := r.db.NewSelect().
		Model((*models.ServerHistory)(nil)).
		ColumnExpr("COALESCE(MAX(created_at), 'epoch'::timestamptz)").
		Where("server_id = ?", serverID).
		Scan(ctx, &latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest sample time: %w", err)
	}
	return latest, nil
}
