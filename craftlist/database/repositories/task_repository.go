package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/uptrace/bun"
)

type TaskRepository interface {
	Insert(ctx context.Context, task *models.ScheduledTask) error
	CancelByName(ctx context.Context, name string) error
	List(ctx context.Context) ([]*models.ScheduledTask, error)
	// ClaimDue marks due pending tasks as running under a row lock and
	// returns them in arrival order. The lock prevents double firing when
	// several processes share the job table.
	ClaimDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error)
	MarkDone(ctx context.Context, id string) error
	// Reschedule returns a failed run to the pending state at nextRun.
	Reschedule(ctx context.Context, id string, nextRun time.Time, attempts int, lastError string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
}

type taskRepository struct {
	db *bun.DB
}

func NewTaskRepository(db *bun.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Insert(ctx context.Context, task *models.ScheduledTask) error {
	now := time.Now().UTC()
	task.State = models.TaskStatePending
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.NewInsert().Model(task).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *taskRepository) CancelByName(ctx context.Context, name string) error {
	_, err := r.db.NewDelete().
		Model((*models.ScheduledTask)(nil)).
		Where("name = ? AND state = ?", name, models.TaskStatePending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	return nil
}

func (r *taskRepository) List(ctx context.Context) ([]*models.ScheduledTask, error) {
	var tasks []*models.ScheduledTask
	err := r.db.NewSelect().
		Model(&tasks).
		Order("st.run_at ASC", "st.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (r *taskRepository) ClaimDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	var claimed []*models.ScheduledTask
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model(&claimed).
			Where("st.state = ? AND st.run_at <= ?", models.TaskStatePending, now).
			Order("st.run_at ASC", "st.created_at ASC").
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("failed to select due tasks: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, 0, len(claimed))
		for _, t := range claimed {
			t.State = models.TaskStateRunning
			ids = append(ids, t.ID)
		}
		_, err = tx.NewUpdate().
			Model((*models.ScheduledTask)(nil)).
			Set("state = ?", models.TaskStateRunning).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to claim due tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *taskRepository) MarkDone(ctx context.Context, id string) error {
	return r.setState(ctx, id, models.TaskStateDone, 0, "")
}

func (r *taskRepository) Reschedule(ctx context.Context, id string, nextRun time.Time, attempts int, lastError string) error {
	_, err := r.db.NewUpdate().
		Model((*models.ScheduledTask)(nil)).
		Set("state = ?", models.TaskStatePending).
		Set("run_at = ?", nextRun).
		Set("attempts = ?", attempts).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

func (r *taskRepository) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return r.setState(ctx, id, models.TaskStateFailed, attempts, lastError)
}

func (r *taskRepository) setState(ctx context.Context, id string, state models.TaskState, attempts int, lastError string) error {
	q := r.db.NewUpdate().
		Model((*models.ScheduledTask)(nil)).
		Set("state = ?", state).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if attempts > 0 {
		q = q.Set("attempts = ?", attempts)
	}
	if lastError != "" {
		q = q.Set("last_error = ?", lastError)
	}
	_, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	return nil
}
