package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nadmax/rowpilot/internal/task"
)

const apiConfigColumns = `id, name, url, api_key, model_name, other_params, use_stream, is_default, created_at`

// CreateAPIConfig stores a config. The first config, or one flagged default,
// becomes the only default.
func (r *PostgresTaskRepository) CreateAPIConfig(ctx context.Context, cfg *task.APIConfig) error {
	params, err := json.Marshal(cfg.OtherParams)
	if err != nil {
		return fmt.Errorf("failed to marshal other params: %w", err)
	}
	if cfg.OtherParams == nil {
		params = []byte(`{}`)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var defaults int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_configs WHERE is_default`).Scan(&defaults); err != nil {
		return fmt.Errorf("failed to count default configs: %w", err)
	}
	switch {
	case defaults == 0:
		cfg.IsDefault = true
	case cfg.IsDefault:
		if _, err := tx.ExecContext(ctx, `UPDATE api_configs SET is_default = FALSE WHERE is_default`); err != nil {
			return fmt.Errorf("failed to clear default config: %w", err)
		}
	}

	query := `
		INSERT INTO api_configs (` + apiConfigColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.ExecContext(ctx, query,
		cfg.ID,
		cfg.Name,
		cfg.URL,
		cfg.APIKey,
		cfg.ModelName,
		params,
		cfg.UseStream,
		cfg.IsDefault,
		cfg.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert api config: %w", err)
	}

	return tx.Commit()
}

func (r *PostgresTaskRepository) ListAPIConfigs(ctx context.Context) ([]*task.APIConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+apiConfigColumns+` FROM api_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warnw("failed to close rows", "error", err)
		}
	}()

	var configs []*task.APIConfig
	for rows.Next() {
		cfg, err := scanAPIConfig(rows)
		if err != nil {
			return nil, err
		}

		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func (r *PostgresTaskRepository) GetDefaultAPIConfig(ctx context.Context) (*task.APIConfig, error) {
	cfg, err := scanAPIConfig(r.db.QueryRowContext(ctx, `SELECT `+apiConfigColumns+` FROM api_configs WHERE is_default`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no default api config", task.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// DeleteAPIConfig removes a config. Deleting the default promotes the newest
// remaining config.
func (r *PostgresTaskRepository) DeleteAPIConfig(ctx context.Context, configID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var wasDefault bool
	err = tx.QueryRowContext(ctx, `SELECT is_default FROM api_configs WHERE id = $1`, configID).Scan(&wasDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: api config %s", task.ErrNotFound, configID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM api_configs WHERE id = $1`, configID); err != nil {
		return fmt.Errorf("failed to delete api config: %w", err)
	}

	if wasDefault {
		query := `
			UPDATE api_configs SET is_default = TRUE
			WHERE id = (SELECT id FROM api_configs ORDER BY created_at DESC LIMIT 1)
		`
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to promote default config: %w", err)
		}
	}

	return tx.Commit()
}

func scanAPIConfig(s rowScanner) (*task.APIConfig, error) {
	var cfg task.APIConfig
	var params []byte

	if err := s.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.URL,
		&cfg.APIKey,
		&cfg.ModelName,
		&params,
		&cfg.UseStream,
		&cfg.IsDefault,
		&cfg.CreatedAt,
	); err != nil {
		return nil, err
	}

	cfg.OtherParams = map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg.OtherParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal other params: %w", err)
		}
	}

	return &cfg, nil
}
