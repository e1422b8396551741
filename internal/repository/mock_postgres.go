package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/rowpilot/internal/repository/models"
	"github.com/nadmax/rowpilot/internal/task"
)

// MockPostgresRepository is an in-memory TaskRepository for tests. Conditional
// transitions behave like their SQL counterparts.
type MockPostgresRepository struct {
	mu                  sync.Mutex
	Tasks               map[string]*task.Task
	Logs                []task.Log
	Datasets            map[string]*task.Dataset
	Templates           map[string]*task.Template
	APIConfigs          map[string]*task.APIConfig
	TaskStats           []models.TaskStats
	UpdateProgressCalls []UpdateProgressCall
	FinishTaskCalls     []FinishTaskCall
	CreateTaskError     error
	GetTaskError        error
	MarkRunningError    error
	UpdateProgressError error
	FinishTaskError     error
	InsertLogError      error
	ListTasksError      error
	GetTaskStatsError   error
	GetAPIConfigError   error
	nextLogID           int64
	closed              bool
}

type UpdateProgressCall struct {
	TaskID    string
	Processed int
	Success   int
	Failed    int
}

type FinishTaskCall struct {
	TaskID        string
	Status        task.TaskStatus
	ResultPath    string
	FailureReason string
	Applied       bool
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Tasks:      make(map[string]*task.Task),
		Logs:       make([]task.Log, 0),
		Datasets:   make(map[string]*task.Dataset),
		Templates:  make(map[string]*task.Template),
		APIConfigs: make(map[string]*task.APIConfig),
		TaskStats:  make([]models.TaskStats, 0),
	}
}

func copyTask(t *task.Task) *task.Task {
	c := *t
	c.ImageFields = append([]string{}, t.ImageFields...)
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (m *MockPostgresRepository) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}
	if _, exists := m.Tasks[t.ID]; exists {
		return fmt.Errorf("duplicate task id: %s", t.ID)
	}

	m.Tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MockPostgresRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}

	return copyTask(t), nil
}

func (m *MockPostgresRepository) ListTasks(ctx context.Context, limit, offset int) ([]*task.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListTasksError != nil {
		return nil, 0, m.ListTasksError
	}

	all := make([]*task.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		all = append(all, copyTask(t))
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []*task.Task{}, len(all), nil
	}
	end := min(offset+limit, len(all))

	return all[offset:end], len(all), nil
}

func (m *MockPostgresRepository) MarkRunning(ctx context.Context, taskID string, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MarkRunningError != nil {
		return false, m.MarkRunningError
	}

	t, exists := m.Tasks[taskID]
	if !exists || t.Status != task.StatusPending {
		return false, nil
	}

	t.Status = task.StatusRunning
	t.StartedAt = &startedAt
	t.ProcessedCount, t.SuccessCount, t.ErrorCount = 0, 0, 0
	return true, nil
}

func (m *MockPostgresRepository) UpdateProgress(ctx context.Context, taskID string, processed, success, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateProgressCalls = append(m.UpdateProgressCalls, UpdateProgressCall{
		TaskID:    taskID,
		Processed: processed,
		Success:   success,
		Failed:    failed,
	})

	if m.UpdateProgressError != nil {
		return m.UpdateProgressError
	}

	if t, exists := m.Tasks[taskID]; exists {
		t.ProcessedCount, t.SuccessCount, t.ErrorCount = processed, success, failed
	}
	return nil
}

func (m *MockPostgresRepository) UpdateTotal(ctx context.Context, taskID string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.Tasks[taskID]
	if !exists || t.Status != task.StatusRunning {
		return fmt.Errorf("%w: task %s is not running", task.ErrNotRunning, taskID)
	}
	t.TotalCount = total
	return nil
}

func (m *MockPostgresRepository) FinishTask(ctx context.Context, taskID string, status task.TaskStatus, resultPath, failureReason string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FinishTaskError != nil {
		return false, m.FinishTaskError
	}
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", task.ErrInvalidTransition, status)
	}

	applied := false
	if t, exists := m.Tasks[taskID]; exists && t.Status == task.StatusRunning {
		t.Status = status
		t.ResultPath = resultPath
		t.FailureReason = failureReason
		t.CompletedAt = &completedAt
		applied = true
	}

	m.FinishTaskCalls = append(m.FinishTaskCalls, FinishTaskCall{
		TaskID:        taskID,
		Status:        status,
		ResultPath:    resultPath,
		FailureReason: failureReason,
		Applied:       applied,
	})
	return applied, nil
}

func (m *MockPostgresRepository) DeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Tasks[taskID]; !exists {
		return fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}

	delete(m.Tasks, taskID)
	m.deleteLogsLocked(taskID)
	return nil
}

func (m *MockPostgresRepository) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[task.TaskStatus]int)
	for _, t := range m.Tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MockPostgresRepository) GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsError != nil {
		return nil, m.GetTaskStatsError
	}

	return append([]models.TaskStats{}, m.TaskStats...), nil
}

func (m *MockPostgresRepository) InsertLog(ctx context.Context, l *task.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertLogError != nil {
		return m.InsertLogError
	}

	m.nextLogID++
	l.ID = m.nextLogID
	l.CreatedAt = time.Now()
	m.Logs = append(m.Logs, *l)
	return nil
}

func (m *MockPostgresRepository) RecentLogs(ctx context.Context, taskID string, limit int) ([]task.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs := make([]task.Log, 0, limit)
	for i := len(m.Logs) - 1; i >= 0 && len(logs) < limit; i-- {
		if m.Logs[i].TaskID == taskID {
			logs = append(logs, m.Logs[i])
		}
	}
	return logs, nil
}

func (m *MockPostgresRepository) DeleteLogs(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteLogsLocked(taskID)
	return nil
}

func (m *MockPostgresRepository) deleteLogsLocked(taskID string) {
	kept := m.Logs[:0]
	for _, l := range m.Logs {
		if l.TaskID != taskID {
			kept = append(kept, l)
		}
	}
	m.Logs = kept
}

// LogsFor returns every log of a task in insertion order.
func (m *MockPostgresRepository) LogsFor(taskID string) []task.Log {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []task.Log
	for _, l := range m.Logs {
		if l.TaskID == taskID {
			logs = append(logs, l)
		}
	}
	return logs
}

func (m *MockPostgresRepository) CreateDataset(ctx context.Context, ds *task.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *ds
	c.Fields = append([]string{}, ds.Fields...)
	m.Datasets[ds.ID] = &c
	return nil
}

func (m *MockPostgresRepository) GetDataset(ctx context.Context, datasetID string) (*task.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, exists := m.Datasets[datasetID]
	if !exists {
		return nil, fmt.Errorf("%w: dataset %s", task.ErrNotFound, datasetID)
	}

	c := *ds
	return &c, nil
}

func (m *MockPostgresRepository) ListDatasets(ctx context.Context) ([]*task.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	datasets := make([]*task.Dataset, 0, len(m.Datasets))
	for _, ds := range m.Datasets {
		c := *ds
		datasets = append(datasets, &c)
	}
	sort.Slice(datasets, func(i, j int) bool {
		return datasets[i].CreatedAt.After(datasets[j].CreatedAt)
	})
	return datasets, nil
}

func (m *MockPostgresRepository) DeleteDataset(ctx context.Context, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Datasets[datasetID]; !exists {
		return fmt.Errorf("%w: dataset %s", task.ErrNotFound, datasetID)
	}
	delete(m.Datasets, datasetID)
	return nil
}

func (m *MockPostgresRepository) CreateTemplate(ctx context.Context, tpl *task.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *tpl
	m.Templates[tpl.ID] = &c
	return nil
}

func (m *MockPostgresRepository) ListTemplates(ctx context.Context) ([]*task.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	templates := make([]*task.Template, 0, len(m.Templates))
	for _, tpl := range m.Templates {
		c := *tpl
		templates = append(templates, &c)
	}
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.After(templates[j].CreatedAt)
	})
	return templates, nil
}

func (m *MockPostgresRepository) DeleteTemplate(ctx context.Context, templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Templates[templateID]; !exists {
		return fmt.Errorf("%w: template %s", task.ErrNotFound, templateID)
	}
	delete(m.Templates, templateID)
	return nil
}

func copyAPIConfig(cfg *task.APIConfig) *task.APIConfig {
	c := *cfg
	c.OtherParams = make(map[string]any, len(cfg.OtherParams))
	for k, v := range cfg.OtherParams {
		c.OtherParams[k] = v
	}
	return &c
}

func (m *MockPostgresRepository) CreateAPIConfig(ctx context.Context, cfg *task.APIConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hasDefault := false
	for _, c := range m.APIConfigs {
		hasDefault = hasDefault || c.IsDefault
	}
	switch {
	case !hasDefault:
		cfg.IsDefault = true
	case cfg.IsDefault:
		for _, c := range m.APIConfigs {
			c.IsDefault = false
		}
	}

	m.APIConfigs[cfg.ID] = copyAPIConfig(cfg)
	return nil
}

func (m *MockPostgresRepository) ListAPIConfigs(ctx context.Context) ([]*task.APIConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	configs := make([]*task.APIConfig, 0, len(m.APIConfigs))
	for _, c := range m.APIConfigs {
		configs = append(configs, copyAPIConfig(c))
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].CreatedAt.After(configs[j].CreatedAt)
	})
	return configs, nil
}

func (m *MockPostgresRepository) GetDefaultAPIConfig(ctx context.Context) (*task.APIConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetAPIConfigError != nil {
		return nil, m.GetAPIConfigError
	}
	for _, c := range m.APIConfigs {
		if c.IsDefault {
			return copyAPIConfig(c), nil
		}
	}
	return nil, fmt.Errorf("%w: no default api config", task.ErrNotFound)
}

func (m *MockPostgresRepository) DeleteAPIConfig(ctx context.Context, configID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, exists := m.APIConfigs[configID]
	if !exists {
		return fmt.Errorf("%w: api config %s", task.ErrNotFound, configID)
	}
	delete(m.APIConfigs, configID)

	if cfg.IsDefault {
		var newest *task.APIConfig
		for _, c := range m.APIConfigs {
			if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
				newest = c
			}
		}
		if newest != nil {
			newest.IsDefault = true
		}
	}
	return nil
}

func (m *MockPostgresRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
