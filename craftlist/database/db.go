package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"time"

	"log/slog"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/logger"
	"github.com/uptrace/bun"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

const (
	defaultConnTimeout   = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = time.Second
)

type DBConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	PoolSize     int    `toml:"pool_size"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	MaxLifetime  int    `toml:"max_lifetime"`
}

type DB struct {
	pool  *pgxpool.Pool
	bunDB *bun.DB
}

func New(ctx context.Context, cfg DBConfig) (*DB, error) {
	// Retry the initial reachability check; container setups often race the
	// database on boot.
	var conn net.Conn
	var err error

	tryDial := func() (net.Conn, error) {
		addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
		if c, e := net.DialTimeout("tcp4", addr, defaultConnTimeout); e == nil {
			return c, nil
		}
		return net.DialTimeout("tcp6", addr, defaultConnTimeout)
	}

	for i := 0; i < defaultMaxRetries; i++ {
		conn, err = tryDial()
		if err == nil {
			break
		}
		time.Sleep(defaultRetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("database server unreachable after %d attempts: %w", defaultMaxRetries, err)
	}
	defer conn.Close()

	poolConfig, err := pgxpool.ParseConfig(buildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.PoolSize > 0 {
		poolConfig.MaxConns = int32(cfg.PoolSize)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = time.Duration(cfg.MaxLifetime) * time.Second
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{pool: pool, bunDB: newBunDB(pool)}, nil
}

// buildConnString pins the session timezone to UTC; every timestamp in the
// system is UTC.
func buildConnString(cfg DBConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?connect_timeout=5&timezone=utc",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	)
}

func newBunDB(pool *pgxpool.Pool) *bun.DB {
	sslMode := os.Getenv("PG_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&timezone=utc",
		pool.Config().ConnConfig.User,
		pool.Config().ConnConfig.Password,
		pool.Config().ConnConfig.Host,
		pool.Config().ConnConfig.Port,
		pool.Config().ConnConfig.Database,
		sslMode,
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func (db *DB) GetPool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) BunDB() *bun.DB {
	return db.bunDB
}

func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
	if db.bunDB != nil {
		db.bunDB.Close()
	}
}

func (db *DB) ExecWithLog(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	result, err := db.pool.Exec(ctx, sql, args...)
	logger.LogQuery(sql, time.Since(start), err)
	return result, err
}

// InitializeSchema creates all required tables, constraints and indexes.
func (db *DB) InitializeSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.User)(nil),
		(*models.Server)(nil),
		(*models.ServerHistory)(nil),
		(*models.ServerHistoryAggregate)(nil),
		(*models.Vote)(nil),
		(*models.Auction)(nil),
		(*models.AuctionBid)(nil),
		(*models.Sponsor)(nil),
		(*models.ScheduledTask)(nil),
	}

	for _, model := range tables {
		query := db.bunDB.NewCreateTable().
			Model(model).
			IfNotExists()

		_, err := query.Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := db.migrateSchema(ctx); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	indexes := []string{
		// At most one current auction, enforced by a partial unique index.
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_auctions_current ON auctions(is_current_auction) WHERE is_current_auction;",
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_auctions_month ON auctions(sponsored_year, sponsored_month);",
		// Upsert target: one bid row per (auction, user, server).
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_auction_bids_bidder ON auction_bids(auction_id, user_id, server_id);",
		// Amounts are unique across one auction regardless of bidder.
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_auction_bids_amount ON auction_bids(auction_id, amount);",
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_sponsors_slot ON sponsors(slot, year, month);",
		"CREATE INDEX IF NOT EXISTS idx_servers_active ON servers(id) WHERE NOT flagged_for_deletion;",
		"CREATE INDEX IF NOT EXISTS idx_servers_tags ON servers USING GIN (tags);",
		"CREATE INDEX IF NOT EXISTS idx_servers_search ON servers USING GIN (to_tsvector('english', search_text));",
		"CREATE INDEX IF NOT EXISTS idx_votes_server_created ON votes(server_id, created_at);",
		"CREATE INDEX IF NOT EXISTS idx_server_histories_server_created ON server_histories(server_id, created_at DESC);",
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_server_history_aggregates_server_day ON server_history_aggregates(server_id, day);",
		"CREATE INDEX IF NOT EXISTS idx_sponsors_month ON sponsors(year, month);",
		"CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(run_at) WHERE state = 'pending';",
		"CREATE INDEX IF NOT EXISTS idx_auction_bids_auction_amount ON auction_bids(auction_id, amount DESC);",
	}

	for _, idx := range indexes {
		if _, err := db.ExecWithLog(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	slog.Info("Database schema initialized",
		slog.String("type", "db"),
		slog.Int("tables", len(tables)),
		slog.Int("indexes", len(indexes)))
	return nil
}

// migrateSchema brings pre-existing tables up to the current shape. The
// rank/vote columns on server_histories were introduced after launch: add
// them nullable, backfill zero, then tighten.
func (db *DB) migrateSchema(ctx context.Context) error {
	migrations := []string{
		"ALTER TABLE server_histories ADD COLUMN IF NOT EXISTS rank BIGINT;",
		"ALTER TABLE server_histories ADD COLUMN IF NOT EXISTS uptime DOUBLE PRECISION;",
		"ALTER TABLE server_histories ADD COLUMN IF NOT EXISTS new_votes BIGINT;",
		"ALTER TABLE server_histories ADD COLUMN IF NOT EXISTS votes_this_month BIGINT;",
		"ALTER TABLE server_histories ADD COLUMN IF NOT EXISTS total_votes BIGINT;",
		"UPDATE server_histories SET rank = 0 WHERE rank IS NULL;",
		"UPDATE server_histories SET uptime = 0 WHERE uptime IS NULL;",
		"UPDATE server_histories SET new_votes = 0 WHERE new_votes IS NULL;",
		"UPDATE server_histories SET votes_this_month = 0 WHERE votes_this_month IS NULL;",
		"UPDATE server_histories SET total_votes = 0 WHERE total_votes IS NULL;",
		"ALTER TABLE server_histories ALTER COLUMN rank SET NOT NULL, ALTER COLUMN rank SET DEFAULT 0;",
		"ALTER TABLE server_histories ALTER COLUMN uptime SET NOT NULL, ALTER COLUMN uptime SET DEFAULT 0;",
		"ALTER TABLE server_histories ALTER COLUMN new_votes SET NOT NULL, ALTER COLUMN new_votes SET DEFAULT 0;",
		"ALTER TABLE server_histories ALTER COLUMN votes_this_month SET NOT NULL, ALTER COLUMN votes_this_month SET DEFAULT 0;",
		"ALTER TABLE server_histories ALTER COLUMN total_votes SET NOT NULL, ALTER COLUMN total_votes SET DEFAULT 0;",
	}

	for _, m := range migrations {
		if _, err := db.ExecWithLog(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	checks := map[string]string{
		"ck_sponsors_slot_range":  "ALTER TABLE sponsors ADD CONSTRAINT ck_sponsors_slot_range CHECK (slot >= 1 AND slot <= 10);",
		"ck_auction_bids_amount":  "ALTER TABLE auction_bids ADD CONSTRAINT ck_auction_bids_amount CHECK (amount > 0);",
		"ck_servers_uptime_range": "ALTER TABLE servers ADD CONSTRAINT ck_servers_uptime_range CHECK (uptime >= 0 AND uptime <= 100);",
		"ck_auctions_phase_order": "ALTER TABLE auctions ADD CONSTRAINT ck_auctions_phase_order CHECK (bidding_starts_at < bidding_ends_at AND bidding_ends_at < payment_starts_at AND payment_starts_at < payment_ends_at AND payment_ends_at < sponsored_starts_at AND sponsored_starts_at < sponsored_ends_at);",
	}

	for name, stmt := range checks {
		if err := db.ensureConstraint(ctx, name, stmt); err != nil {
			return err
		}
	}

	return nil
}

// ensureConstraint adds a named check constraint when it is missing;
// Postgres has no ADD CONSTRAINT IF NOT EXISTS.
func (db *DB) ensureConstraint(ctx context.Context, name, stmt string) error {
	var exists bool
	err := db.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = $1)", name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check constraint %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := db.ExecWithLog(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add constraint %s: %w", name, err)
	}
	return nil
}
