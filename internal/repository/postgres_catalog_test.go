package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/rowpilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasets(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("create", func(t *testing.T) {
		ds := &task.Dataset{ID: "ds-1", FileName: "people.csv", Fields: []string{"name", "age"}, FilePath: "/uploads/ds-1.csv", CreatedAt: now}

		mock.ExpectExec("INSERT INTO datasets").
			WithArgs("ds-1", "people.csv", []byte(`["name","age"]`), "/uploads/ds-1.csv", now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, repo.CreateDataset(ctx, ds))
	})

	t.Run("get", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM datasets WHERE id").
			WithArgs("ds-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "file_name", "fields", "file_path", "created_at"}).
				AddRow("ds-1", "people.csv", []byte(`["name","age"]`), "/uploads/ds-1.csv", now))

		ds, err := repo.GetDataset(ctx, "ds-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"name", "age"}, ds.Fields)
	})

	t.Run("get missing", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM datasets WHERE id").
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetDataset(ctx, "nope")
		assert.ErrorIs(t, err, task.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM datasets ORDER BY created_at DESC").
			WillReturnRows(sqlmock.NewRows([]string{"id", "file_name", "fields", "file_path", "created_at"}).
				AddRow("ds-2", "b.xlsx", []byte(`["x"]`), "/uploads/ds-2.xlsx", now).
				AddRow("ds-1", "a.csv", []byte(`[]`), "/uploads/ds-1.csv", now))

		datasets, err := repo.ListDatasets(ctx)
		require.NoError(t, err)
		assert.Len(t, datasets, 2)
	})

	t.Run("delete missing", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM datasets WHERE id").
			WithArgs("nope").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.DeleteDataset(ctx, "nope"), task.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplates(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("INSERT INTO templates").
		WithArgs("tpl-1", "greeting", "Hello {{name}}", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.CreateTemplate(ctx, &task.Template{ID: "tpl-1", Name: "greeting", Content: "Hello {{name}}", CreatedAt: now}))

	mock.ExpectQuery("SELECT id, name, content, created_at FROM templates").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "content", "created_at"}).
			AddRow("tpl-1", "greeting", "Hello {{name}}", now))
	templates, err := repo.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "greeting", templates[0].Name)

	mock.ExpectExec("DELETE FROM templates WHERE id").
		WithArgs("tpl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.DeleteTemplate(ctx, "tpl-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
