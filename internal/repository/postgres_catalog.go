package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nadmax/rowpilot/internal/task"
)

func (r *PostgresTaskRepository) CreateDataset(ctx context.Context, ds *task.Dataset) error {
	fields, err := json.Marshal(ds.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
		INSERT INTO datasets (id, file_name, fields, file_path, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query, ds.ID, ds.FileName, fields, ds.FilePath, ds.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert dataset: %w", err)
	}

	return nil
}

func (r *PostgresTaskRepository) GetDataset(ctx context.Context, datasetID string) (*task.Dataset, error) {
	query := `SELECT id, file_name, fields, file_path, created_at FROM datasets WHERE id = $1`

	ds, err := scanDataset(r.db.QueryRowContext(ctx, query, datasetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", task.ErrNotFound, datasetID)
	}
	if err != nil {
		return nil, err
	}

	return ds, nil
}

func (r *PostgresTaskRepository) ListDatasets(ctx context.Context) ([]*task.Dataset, error) {
	query := `
		SELECT id, file_name, fields, file_path, created_at
		FROM datasets
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warnw("failed to close rows", "error", err)
		}
	}()

	var datasets []*task.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}

		datasets = append(datasets, ds)
	}

	return datasets, rows.Err()
}

func (r *PostgresTaskRepository) DeleteDataset(ctx context.Context, datasetID string) error {
	ok, err := r.execConditional(ctx, `DELETE FROM datasets WHERE id = $1`, datasetID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: dataset %s", task.ErrNotFound, datasetID)
	}

	return nil
}

func (r *PostgresTaskRepository) CreateTemplate(ctx context.Context, tpl *task.Template) error {
	query := `
		INSERT INTO templates (id, name, content, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, tpl.ID, tpl.Name, tpl.Content, tpl.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}

	return nil
}

func (r *PostgresTaskRepository) ListTemplates(ctx context.Context) ([]*task.Template, error) {
	query := `
		SELECT id, name, content, created_at
		FROM templates
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warnw("failed to close rows", "error", err)
		}
	}()

	var templates []*task.Template
	for rows.Next() {
		var tpl task.Template
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.Content, &tpl.CreatedAt); err != nil {
			return nil, err
		}

		templates = append(templates, &tpl)
	}

	return templates, rows.Err()
}

func (r *PostgresTaskRepository) DeleteTemplate(ctx context.Context, templateID string) error {
	ok, err := r.execConditional(ctx, `DELETE FROM templates WHERE id = $1`, templateID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: template %s", task.ErrNotFound, templateID)
	}

	return nil
}

func scanDataset(s rowScanner) (*task.Dataset, error) {
	var ds task.Dataset
	var fields []byte

	if err := s.Scan(&ds.ID, &ds.FileName, &fields, &ds.FilePath, &ds.CreatedAt); err != nil {
		return nil, err
	}

	ds.Fields = []string{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &ds.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dataset fields: %w", err)
		}
	}

	return &ds, nil
}
