package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"
)

// Ephemeral wraps a cron runner for the fixed-interval maintenance jobs
// (liveness sweeps, uptime recomputation, history rollups). These jobs
// are cheap to miss, so they are not persisted; a restart simply starts
// the intervals over.
type Ephemeral struct {
	cron *cron.Cron
	ctx  context.Context
}

func NewEphemeral(ctx context.Context) *Ephemeral {
	return &Ephemeral{
		cron: cron.New(),
		ctx:  ctx,
	}
}

// Every runs job at a fixed interval. Jobs run until the scheduler's
// context ends; errors are logged, never fatal.
func (e *Ephemeral) Every(interval time.Duration, name string, job func(ctx context.Context) error) error {
	spec := fmt.Sprintf("@every %s", interval)
	err := e.cron.AddFunc(spec, func() {
		if e.ctx.Err() != nil {
			return
		}
		if err := job(e.ctx); err != nil {
			slog.Error("Periodic job failed",
				slog.String("type", "task"),
				slog.String("job", name),
				slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register job %q: %w", name, err)
	}
	return nil
}

func (e *Ephemeral) Start() {
	e.cron.Start()
}

func (e *Ephemeral) Stop() {
	e.cron.Stop()
}
