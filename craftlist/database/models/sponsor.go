package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Sponsor fixes a server onto a sponsored slot for one calendar month.
// Created atomically when an auction's payment phase closes; read-only
// afterwards.
type Sponsor struct {
	bun.BaseModel `bun:"table:sponsors,alias:sp"`

	ID       int64  `bun:"id,pk,autoincrement"`
	UserID   string `bun:"user_id,notnull"`
	ServerID int64  `bun:"server_id,notnull"`

	Slot  int `bun:"slot,notnull"`
	Year  int `bun:"year,notnull"`
	Month int `bun:"month,notnull"`

	StartsAt time.Time `bun:"starts_at,notnull"`
	EndsAt   time.Time `bun:"ends_at,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
