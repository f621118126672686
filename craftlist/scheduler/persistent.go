// Package scheduler runs the two timer surfaces: a store-backed scheduler
// for one-shot tasks that must survive restarts, and a cron wrapper for
// the fixed-interval maintenance jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
)

const (
	// How often the claim loop polls for due tasks.
	DefaultTickInterval = 10 * time.Second

	// A task is retried with exponential backoff until this many attempts,
	// then parked as failed.
	MaxAttempts = 5

	baseBackoff = 30 * time.Second
)

// Handler executes one task. The raw payload is whatever Schedule was
// given, serialized as JSON.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Persistent is the store-backed scheduler. Every Schedule call writes a
// row; the claim loop fires due rows and overdue rows fire on Start in
// arrival order, so a restart loses nothing.
type Persistent struct {
	tasks repositories.TaskRepository
	clk   clock.Clock
	tick  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPersistent(tasks repositories.TaskRepository, clk clock.Clock) *Persistent {
	return &Persistent{
		tasks:    tasks,
		clk:      clk,
		tick:     DefaultTickInterval,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task name. Tasks with no handler are left
// pending and logged; registering later picks them up.
func (p *Persistent) Register(name string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = handler
}

// Schedule persists a one-shot task. The payload is marshalled to JSON
// and handed back to the handler verbatim.
func (p *Persistent) Schedule(ctx context.Context, name string, runAt time.Time, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := &models.ScheduledTask{
		ID:      uuid.New().String(),
		Name:    name,
		RunAt:   runAt.UTC(),
		Payload: raw,
	}
	if err := p.tasks.Insert(ctx, task); err != nil {
		return err
	}

	slog.Info("Task scheduled",
		slog.String("type", "task"),
		slog.String("name", name),
		slog.Time("run_at", task.RunAt))
	return nil
}

// Cancel removes every pending task with the given name.
func (p *Persistent) Cancel(ctx context.Context, name string) error {
	return p.tasks.CancelByName(ctx, name)
}

// List returns every task on record, soonest first, failed shelf included.
func (p *Persistent) List(ctx context.Context) ([]*models.ScheduledTask, error) {
	return p.tasks.List(ctx)
}

// Start drains overdue tasks, then runs the claim loop until Stop or the
// context ends.
func (p *Persistent) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	// Overdue tasks fire immediately on boot, oldest first.
	p.runDue(ctx)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runDue(ctx)
			}
		}
	}()
}

func (p *Persistent) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// RunDue claims and executes everything due right now. Exposed for tests
// and for the boot catch-up.
func (p *Persistent) RunDue(ctx context.Context) {
	p.runDue(ctx)
}

func (p *Persistent) runDue(ctx context.Context) {
	due, err := p.tasks.ClaimDue(ctx, p.clk.Now())
	if err != nil {
		slog.Error("Failed to claim due tasks",
			slog.String("type", "task"),
			slog.Any("error", err))
		return
	}

	for _, task := range due {
		p.execute(ctx, task)
	}
}

func (p *Persistent) execute(ctx context.Context, task *models.ScheduledTask) {
	p.mu.RLock()
	handler, ok := p.handlers[task.Name]
	p.mu.RUnlock()

	if !ok {
		slog.Warn("No handler for task, returning to queue",
			slog.String("type", "task"),
			slog.String("name", task.Name))
		if err := p.tasks.Reschedule(ctx, task.ID, p.clk.Now().Add(p.tick), task.Attempts, "no handler registered"); err != nil {
			slog.Error("Failed to requeue task",
				slog.String("type", "task"),
				slog.String("id", task.ID),
				slog.Any("error", err))
		}
		return
	}

	if err := handler(ctx, task.Payload); err != nil {
		p.handleFailure(ctx, task, err)
		return
	}

	if err := p.tasks.MarkDone(ctx, task.ID); err != nil {
		slog.Error("Failed to mark task done",
			slog.String("type", "task"),
			slog.String("id", task.ID),
			slog.Any("error", err))
		return
	}

	slog.Info("Task completed",
		slog.String("type", "task"),
		slog.String("name", task.Name))
}

func (p *Persistent) handleFailure(ctx context.Context, task *models.ScheduledTask, runErr error) {
	attempts := task.Attempts + 1

	if attempts >= MaxAttempts {
		slog.Error("Task failed permanently",
			slog.String("type", "task"),
			slog.String("name", task.Name),
			slog.Int("attempts", attempts),
			slog.Any("error", runErr))
		if err := p.tasks.MarkFailed(ctx, task.ID, attempts, runErr.Error()); err != nil {
			slog.Error("Failed to park task",
				slog.String("type", "task"),
				slog.String("id", task.ID),
				slog.Any("error", err))
		}
		return
	}

	delay := Backoff(attempts)
	slog.Warn("Task failed, retrying",
		slog.String("type", "task"),
		slog.String("name", task.Name),
		slog.Int("attempt", attempts),
		slog.Duration("retry_in", delay),
		slog.Any("error", runErr))

	if err := p.tasks.Reschedule(ctx, task.ID, p.clk.Now().Add(delay), attempts, runErr.Error()); err != nil {
		slog.Error("Failed to reschedule task",
			slog.String("type", "task"),
			slog.String("id", task.ID),
			slog.Any("error", err))
	}
}

// Backoff doubles per attempt starting from 30s: 30s, 1m, 2m, 4m.
func Backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
