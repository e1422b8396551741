package repository

import (
	"context"
	"fmt"

	"github.com/nadmax/rowpilot/internal/task"
)

// InsertLog appends one row outcome. ID and CreatedAt are filled from the
// database.
func (r *PostgresTaskRepository) InsertLog(ctx context.Context, l *task.Log) error {
	query := `
		INSERT INTO task_logs (
			task_id, row_index, status, response_text,
			token_count, processing_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		l.TaskID,
		l.RowIndex,
		l.Status,
		l.ResponseText,
		l.TokenCount,
		l.ProcessingMs,
		l.ErrorMessage,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task log: %w", err)
	}

	return nil
}

// RecentLogs returns the newest logs of a task first.
func (r *PostgresTaskRepository) RecentLogs(ctx context.Context, taskID string, limit int) ([]task.Log, error) {
	query := `
		SELECT
			id, task_id, row_index, status, response_text,
			token_count, processing_ms, error_message, created_at
		FROM task_logs
		WHERE task_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warnw("failed to close rows", "error", err)
		}
	}()

	logs := make([]task.Log, 0, limit)
	for rows.Next() {
		var l task.Log
		var status string
		if err := rows.Scan(
			&l.ID,
			&l.TaskID,
			&l.RowIndex,
			&status,
			&l.ResponseText,
			&l.TokenCount,
			&l.ProcessingMs,
			&l.ErrorMessage,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}

		l.Status = task.LogStatus(status)
		logs = append(logs, l)
	}

	return logs, rows.Err()
}

func (r *PostgresTaskRepository) DeleteLogs(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = $1`, taskID)

	return err
}
