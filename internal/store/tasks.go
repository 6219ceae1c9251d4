package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/browserbot/pkg/models"
)

const taskColumns = `id, profile_id, time_of_day, command, active, last_fired, created_at`

// CreateTask inserts a scheduled task.
func (s *Store) CreateTask(ctx context.Context, t models.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProfileID, t.Time, t.Command, boolInt(t.Active), nullMillis(t.LastFired), toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateTask overwrites the time, command and active flag of a task.
func (s *Store) UpdateTask(ctx context.Context, t models.ScheduledTask) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET time_of_day = ?, command = ?, active = ? WHERE id = ? AND profile_id = ?`,
		t.Time, t.Command, boolInt(t.Active), t.ID, t.ProfileID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	return expectOne(res, "task "+t.ID)
}

// StampLastFired records that a task fired at ts.
func (s *Store) StampLastFired(ctx context.Context, id string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_fired = ? WHERE id = ?`, toMillis(ts), id)
	if err != nil {
		return fmt.Errorf("failed to stamp task %s: %w", id, err)
	}
	return expectOne(res, "task "+id)
}

// GetTask returns a task belonging to profileID.
func (s *Store) GetTask(ctx context.Context, profileID, id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND profile_id = ?`, id, profileID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns the tasks of one profile ordered by time of day.
func (s *Store) ListTasks(ctx context.Context, profileID string) ([]models.ScheduledTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE profile_id = ? ORDER BY time_of_day, created_at`, profileID)
}

// ActiveTasksAt returns every active task, across profiles, scheduled for the HH:mm slot.
func (s *Store) ActiveTasksAt(ctx context.Context, hhmm string) ([]models.ScheduledTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE active = 1 AND time_of_day = ? ORDER BY created_at`, hhmm)
}

// DeleteTask removes a task permanently.
func (s *Store) DeleteTask(ctx context.Context, profileID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND profile_id = ?`, id, profileID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return expectOne(res, "task "+id)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.ScheduledTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.ScheduledTask, error) {
	var (
		t         models.ScheduledTask
		active    int
		lastFired sql.NullInt64
		created   int64
	)
	if err := row.Scan(&t.ID, &t.ProfileID, &t.Time, &t.Command, &active, &lastFired, &created); err != nil {
		return nil, err
	}
	t.Active = active != 0
	t.CreatedAt = fromMillis(created)
	if lastFired.Valid {
		lf := fromMillis(lastFired.Int64)
		t.LastFired = &lf
	}
	return &t, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
