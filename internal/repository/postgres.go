// Package repository provides PostgreSQL persistence for tasks, row logs,
// datasets and prompt templates.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/rowpilot/internal/config"
	"github.com/nadmax/rowpilot/internal/repository/models"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

const taskColumns = `
	id, name, dataset_id, status, total_count, processed_count,
	success_count, error_count, concurrency, prompt_template, image_fields,
	result_path, failure_reason, created_at, started_at, completed_at`

type PostgresTaskRepository struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

type rowScanner interface {
	Scan(dest ...any) error
}

func NewPostgresTaskRepository(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*PostgresTaskRepository, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	return &PostgresTaskRepository{db: db, log: log}, nil
}

// Migrate creates the tables and indexes when they do not exist yet.
func (r *PostgresTaskRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresTaskRepository) CreateTask(ctx context.Context, t *task.Task) error {
	imageFields, err := json.Marshal(t.ImageFields)
	if err != nil {
		return fmt.Errorf("failed to marshal image fields: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, name, dataset_id, status, total_count, concurrency,
			prompt_template, image_fields, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Name,
		t.DatasetID,
		t.Status,
		t.TotalCount,
		t.Concurrency,
		t.PromptTemplate,
		imageFields,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

func (r *PostgresTaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	return t, nil
}

// ListTasks returns one page of tasks, newest first, plus the total count.
func (r *PostgresTaskRepository) ListTasks(ctx context.Context, limit, offset int) ([]*task.Task, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + `
		FROM tasks
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warnw("failed to close rows", "error", err)
		}
	}()

	tasks := make([]*task.Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}

		tasks = append(tasks, t)
	}

	return tasks, total, rows.Err()
}

// MarkRunning moves a pending task to running. It reports false when the
// task was not pending.
func (r *PostgresTaskRepository) MarkRunning(ctx context.Context, taskID string, startedAt time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'running',
		    started_at = $2,
		    processed_count = 0,
		    success_count = 0,
		    error_count = 0
		WHERE id = $1 AND status = 'pending'
	`

	return r.execConditional(ctx, query, taskID, startedAt)
}

func (r *PostgresTaskRepository) UpdateProgress(ctx context.Context, taskID string, processed, success, failed int) error {
	query := `
		UPDATE tasks
		SET processed_count = $2,
		    success_count = $3,
		    error_count = $4
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, taskID, processed, success, failed)

	return err
}

// UpdateTotal records the row count found when a running task's dataset was loaded.
func (r *PostgresTaskRepository) UpdateTotal(ctx context.Context, taskID string, total int) error {
	ok, err := r.execConditional(ctx, `UPDATE tasks SET total_count = $2 WHERE id = $1 AND status = 'running'`, taskID, total)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s is not running", task.ErrNotRunning, taskID)
	}

	return nil
}

// FinishTask moves a running task to a terminal status. It reports false when
// the task had already left running.
func (r *PostgresTaskRepository) FinishTask(ctx context.Context, taskID string, status task.TaskStatus, resultPath, failureReason string, completedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", task.ErrInvalidTransition, status)
	}

	query := `
		UPDATE tasks
		SET status = $2,
		    result_path = $3,
		    failure_reason = $4,
		    completed_at = $5
		WHERE id = $1 AND status = 'running'
	`

	return r.execConditional(ctx, query, taskID, status, resultPath, failureReason, completedAt)
}

func (r *PostgresTaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	ok, err := r.execConditional(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}

	return nil
}

func (r *PostgresTaskRepository) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warnw("failed to close rows", "error", err)
		}
	}()

	counts := make(map[task.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		counts[task.TaskStatus(status)] = count
	}

	return counts, rows.Err()
}

func (r *PostgresTaskRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	query := `
		SELECT
			status, COUNT(*) AS count,
			COALESCE(SUM(total_count), 0) AS rows_total,
			COALESCE(SUM(success_count), 0) AS rows_succeeded,
			COALESCE(SUM(error_count), 0) AS rows_failed,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0) AS avg_duration_ms,
			COALESCE(MAX(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)::BIGINT AS max_duration_ms
		FROM tasks
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY status
		ORDER BY status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warnw("failed to close rows", "error", err)
		}
	}()

	var stats []models.TaskStats
	for rows.Next() {
		var s models.TaskStats
		if err := rows.Scan(
			&s.Status,
			&s.Count,
			&s.RowsTotal,
			&s.RowsSucceeded,
			&s.RowsFailed,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresTaskRepository) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func scanTask(s rowScanner) (*task.Task, error) {
	var t task.Task
	var status string
	var imageFields []byte

	if err := s.Scan(
		&t.ID,
		&t.Name,
		&t.DatasetID,
		&status,
		&t.TotalCount,
		&t.ProcessedCount,
		&t.SuccessCount,
		&t.ErrorCount,
		&t.Concurrency,
		&t.PromptTemplate,
		&imageFields,
		&t.ResultPath,
		&t.FailureReason,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
	); err != nil {
		return nil, err
	}

	t.Status = task.TaskStatus(status)
	t.ImageFields = []string{}
	if len(imageFields) > 0 {
		if err := json.Unmarshal(imageFields, &t.ImageFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal image fields: %w", err)
		}
	}

	return &t, nil
}
