package repository

import (
	"context"
	"time"

	"github.com/nadmax/rowpilot/internal/repository/models"
	"github.com/nadmax/rowpilot/internal/task"
)

type TaskRepository interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*task.Task, int, error)
	MarkRunning(ctx context.Context, taskID string, startedAt time.Time) (bool, error)
	UpdateProgress(ctx context.Context, taskID string, processed, success, failed int) error
	UpdateTotal(ctx context.Context, taskID string, total int) error
	FinishTask(ctx context.Context, taskID string, status task.TaskStatus, resultPath, failureReason string, completedAt time.Time) (bool, error)
	DeleteTask(ctx context.Context, taskID string) error
	CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)

	InsertLog(ctx context.Context, l *task.Log) error
	RecentLogs(ctx context.Context, taskID string, limit int) ([]task.Log, error)
	DeleteLogs(ctx context.Context, taskID string) error

	CreateDataset(ctx context.Context, ds *task.Dataset) error
	GetDataset(ctx context.Context, datasetID string) (*task.Dataset, error)
	ListDatasets(ctx context.Context) ([]*task.Dataset, error)
	DeleteDataset(ctx context.Context, datasetID string) error

	CreateTemplate(ctx context.Context, tpl *task.Template) error
	ListTemplates(ctx context.Context) ([]*task.Template, error)
	DeleteTemplate(ctx context.Context, templateID string) error

	CreateAPIConfig(ctx context.Context, cfg *task.APIConfig) error
	ListAPIConfigs(ctx context.Context) ([]*task.APIConfig, error)
	GetDefaultAPIConfig(ctx context.Context) (*task.APIConfig, error)
	DeleteAPIConfig(ctx context.Context, configID string) error

	Close() error
}

var (
	_ TaskRepository = (*PostgresTaskRepository)(nil)
	_ TaskRepository = (*MockPostgresRepository)(nil)
)
