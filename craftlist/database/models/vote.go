package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Vote has no natural key; duplicate suppression is a 24-hour window query
// on (server_id, client_ip), not a constraint.
type Vote struct {
	bun.BaseModel `bun:"table:votes,alias:v"`

	ID       int64  `bun:"id,pk,autoincrement"`
	ServerID int64  `bun:"server_id,notnull"`
	ClientIP string `bun:"client_ip,notnull"`
	Username string `bun:"username"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
