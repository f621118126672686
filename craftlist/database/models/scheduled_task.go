package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateRunning TaskState = "running"
	TaskStateDone    TaskState = "done"
	TaskStateFailed  TaskState = "failed"
)

// ScheduledTask is a store-backed timer. Tasks survive restarts; overdue
// tasks fire on boot in arrival order.
type ScheduledTask struct {
	bun.BaseModel `bun:"table:scheduled_tasks,alias:st"`

	ID      string          `bun:"id,pk"`
	Name    string          `bun:"name,notnull"`
	RunAt   time.Time       `bun:"run_at,notnull"`
	Payload json.RawMessage `bun:"payload,type:jsonb"`

	State     TaskState `bun:"state,notnull,default:'pending'"`
	Attempts  int       `bun:"attempts,notnull,default:0"`
	LastError string    `bun:"last_error"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
