package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User identity is issued by the external identity verifier; the ID is the
// subject it hands us.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID       string `bun:"id,pk"`
	Username string `bun:"username,notnull"`
	Email    string `bun:"email,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
