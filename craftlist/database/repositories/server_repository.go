package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// RankedServer is a listing row: the server plus its vote counters and the
// dense rank it holds in the ordering.
type RankedServer struct {
	models.Server `bun:",extend"`

	TotalVotes     int           `bun:"total_votes,scanonly"`
	VotesThisMonth int           `bun:"votes_this_month,scanonly"`
	Rank           int           `bun:"rank,scanonly"`
	SponsorSlot    sql.NullInt64 `bun:"sponsor_slot,scanonly"`
	FilteredTotal  int           `bun:"filtered_total,scanonly"`
}

// ListingFilters narrow the ranked listing. Soft-deleted servers are always
// excluded regardless of filters.
type ListingFilters struct {
	SearchQuery string
	Tags        []string
	Page        int
	PageSize    int
}

type ServerRepository interface {
	Create(ctx context.Context, server *models.Server) error
	GetByID(ctx context.Context, id int64) (*models.Server, error)
	Update(ctx context.Context, server *models.Server) error
	UpdateLiveness(ctx context.Context, server *models.Server) error
	UpdateUptime(ctx context.Context, serverID int64, uptime float64) error
	SoftDelete(ctx context.Context, id int64) error
	GetAllActive(ctx context.Context) ([]*models.Server, error)
	Search(ctx context.Context, now time.Time, filters ListingFilters) ([]RankedServer, int, error)
	RankOf(ctx context.Context, now time.Time, serverID int64) (*RankedServer, error)
}

type serverRepository struct {
	db *bun.DB
}

func NewServerRepository(db *bun.DB) ServerRepository {
	return &serverRepository{db: db}
}

func (r *serverRepository) Create(ctx context.Context, server *models.Server) error {
	server.RefreshSearchText()
	server.CreatedAt = time.Now().UTC()
	server.UpdatedAt = server.CreatedAt

	_, err := r.db.NewInsert().Model(server).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

// GetByID never returns soft-deleted rows; those are invisible outside
// owner-administrative paths.
func (r *serverRepository) GetByID(ctx context.Context, id int64) (*models.Server, error) {
	server := new(models.Server)
	err := r.db.NewSelect().
		Model(server).
		Where("s.id = ? AND NOT s.flagged_for_deletion", id).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return server, nil
}

func (r *serverRepository) Update(ctx context.Context, server *models.Server) error {
	server.RefreshSearchText()
	server.UpdatedAt = time.Now().UTC()

	_, err := r.db.NewUpdate().
		Model(server).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	return nil
}

// UpdateLiveness writes only the fields the polling engine owns, so it
// cannot clobber concurrent owner edits.
func (r *serverRepository) UpdateLiveness(ctx context.Context, server *models.Server) error {
	_, err := r.db.NewUpdate().
		Model(server).
		Column("is_online", "players", "max_players", "last_pinged_at", "icon_checksum", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update server liveness: %w", err)
	}
	return nil
}

func (r *serverRepository) UpdateUptime(ctx context.Context, serverID int64, uptime float64) error {
	_, err := r.db.NewUpdate().
		Model((*models.Server)(nil)).
		Set("uptime = ?", uptime).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", serverID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update server uptime: %w", err)
	}
	return nil
}

func (r *serverRepository) SoftDelete(ctx context.Context, id int64) error {
	res, err := r.db.NewUpdate().
		Model((*models.Server)(nil)).
		Set("flagged_for_deletion = TRUE").
		Set("deleted_at = ?", time.Now().UTC()).
		Where("id = ? AND NOT flagged_for_deletion", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to soft delete server: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *serverRepository) GetAllActive(ctx context.Context) ([]*models.Server, error) {
	var servers []*models.Server
	err := r.db.NewSelect().
		Model(&servers).
		Where("NOT s.flagged_for_deletion").
		Order("s.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get active servers: %w", err)
	}
	return servers, nil
}

// rankedCTE computes vote counters, joins the current month's sponsors and
// assigns the rank. A sponsor ranks exactly at its slot number even when
// the slots have gaps; non-sponsors continue densely after the highest slot,
// ordered by monthly votes then total votes. Name is only a display tiebreak
// and does not split ranks, so vote ties share a rank.
const rankedCTE = `
WITH vote_counts AS (
    SELECT server_id,
           COUNT(*)                                    AS total_votes,
           COUNT(*) FILTER (WHERE created_at >= ?)     AS votes_this_month
    FROM votes
    GROUP BY server_id
), current_sponsors AS (
    SELECT server_id, slot
    FROM sponsors
    WHERE year = ? AND month = ?
), sponsor_base AS (
    SELECT COALESCE(MAX(slot), 0) AS max_slot FROM current_sponsors
), ranked AS (
    SELECT s.*,
           COALESCE(vc.total_votes, 0)      AS total_votes,
           COALESCE(vc.votes_this_month, 0) AS votes_this_month,
           cs.slot                          AS sponsor_slot,
           CASE
               WHEN cs.slot IS NOT NULL THEN cs.slot
               ELSE sb.max_slot + DENSE_RANK() OVER (
                   PARTITION BY (cs.slot IS NULL)
                   ORDER BY COALESCE(vc.votes_this_month, 0) DESC,
                            COALESCE(vc.total_votes, 0) DESC
               )
           END AS rank
    FROM servers s
    LEFT JOIN vote_counts vc ON vc.server_id = s.id
    LEFT JOIN current_sponsors cs ON cs.server_id = s.id
    CROSS JOIN sponsor_base sb
    WHERE NOT s.flagged_for_deletion
    %s
)
`

const listingOrder = `
ORDER BY (sponsor_slot IS NULL) ASC,
         COALESCE(sponsor_slot, 0) ASC,
         votes_this_month DESC,
         total_votes DESC,
         name ASC
`

func (r *serverRepository) Search(ctx context.Context, now time.Time, filters ListingFilters) ([]RankedServer, int, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var filterSQL string
	args := []interface{}{monthStart, now.Year(), int(now.Month())}

	if filters.SearchQuery != "" {
		filterSQL += " AND to_tsvector('english', s.search_text) @@ plainto_tsquery('english', ?)"
		args = append(args, filters.SearchQuery)
	}
	if len(filters.Tags) > 0 {
		filterSQL += " AND s.tags && ?"
		args = append(args, pgdialect.Array(filters.Tags))
	}

	query := fmt.Sprintf(rankedCTE, filterSQL) +
		"SELECT *, COUNT(*) OVER() AS filtered_total FROM ranked" +
		listingOrder +
		"LIMIT ? OFFSET ?"
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	var rows []RankedServer
	if err := r.db.NewRaw(query, args...).Scan(ctx, &rows); err != nil {
		return nil, 0, fmt.Errorf("failed to search servers: %w", err)
	}

	total := 0
	if len(rows) > 0 {
		total = rows[0].FilteredTotal
	} else if filters.Page > 1 {
		// Page past the end: the windowed count is lost with the rows.
		if err := r.countFiltered(ctx, filters, &total); err != nil {
			return nil, 0, err
		}
	}
	return rows, total, nil
}

func (r *serverRepository) countFiltered(ctx context.Context, filters ListingFilters, total *int) error {
	q := r.db.NewSelect().
		Model((*models.Server)(nil)).
		Where("NOT s.flagged_for_deletion")
	if filters.SearchQuery != "" {
		q = q.Where("to_tsvector('english', s.search_text) @@ plainto_tsquery('english', ?)", filters.SearchQuery)
	}
	if len(filters.Tags) > 0 {
		q = q.Where("s.tags && ?", pgdialect.Array(filters.Tags))
	}
	n, err := q.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count servers: %w", err)
	}
	*total = n
	return nil
}

// RankOf computes the triple for one server against the unfiltered listing,
// so its rank is globally meaningful regardless of any listing filters.
func (r *serverRepository) RankOf(ctx context.Context, now time.Time, serverID int64) (*RankedServer, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	query := fmt.Sprintf(rankedCTE, "") +
		"SELECT *, 0 AS filtered_total FROM ranked WHERE id = ?"

	var rows []RankedServer
	err := r.db.NewRaw(query, monthStart, now.Year(), int(now.Month()), serverID).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to rank server: %w", err)
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return &rows[0], nil
}
