package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ServerHistory is a write-once liveness sample, retained for ~30 days
// before being rolled into ServerHistoryAggregate.
type ServerHistory struct {
	bun.BaseModel `bun:"table:server_histories,alias:sh"`

	ID       int64 `bun:"id,pk,autoincrement"`
	ServerID int64 `bun:"server_id,notnull"`

	IsOnline bool  `bun:"is_online,notnull"`
	Players  int64 `bun:"players,notnull,default:0"`

	Rank   int     `bun:"rank,notnull,default:0"`
	Uptime float64 `bun:"uptime,notnull,default:0"`

	NewVotes       int `bun:"new_votes,notnull,default:0"`
	VotesThisMonth int `bun:"votes_this_month,notnull,default:0"`
	TotalVotes     int `bun:"total_votes,notnull,default:0"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ServerHistoryAggregate is the daily roll-up of samples older than the
// retention window.
type ServerHistoryAggregate struct {
	bun.BaseModel `bun:"table:server_history_aggregates,alias:sha"`

	ID       int64     `bun:"id,pk,autoincrement"`
	ServerID int64     `bun:"server_id,notnull"`
	Day      time.Time `bun:"day,notnull"`

	Samples       int     `bun:"samples,notnull"`
	OnlineSamples int     `bun:"online_samples,notnull"`
	AvgPlayers    float64 `bun:"avg_players,notnull,default:0"`
	PeakPlayers   int64   `bun:"peak_players,notnull,default:0"`

	VotesThisMonth int `bun:"votes_this_month,notnull,default:0"`
	TotalVotes     int `bun:"total_votes,notnull,default:0"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
