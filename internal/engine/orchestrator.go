package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nadmax/rowpilot/internal/dataset"
	"github.com/nadmax/rowpilot/internal/metrics"
	"github.com/nadmax/rowpilot/internal/prompt"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

const (
	defaultLogLimit   = 10
	maxLogLimit       = 100
	defaultStopGrace  = time.Second
	resultPreviewRows = 10
)

// Store is everything the orchestrator persists.
type Store interface {
	RunStore
	LogStore
	CreateTask(ctx context.Context, t *task.Task) error
	ListTasks(ctx context.Context, limit, offset int) ([]*task.Task, int, error)
	MarkRunning(ctx context.Context, taskID string, startedAt time.Time) (bool, error)
	DeleteTask(ctx context.Context, taskID string) error
	RecentLogs(ctx context.Context, taskID string, limit int) ([]task.Log, error)
	DeleteLogs(ctx context.Context, taskID string) error
}

type CreateInput struct {
	DatasetID   string   `json:"dataset_id"`
	Name        string   `json:"name"`
	Template    string   `json:"prompt_template"`
	Concurrency int      `json:"concurrency"`
	ImageFields []string `json:"image_fields"`
}

// TaskView is a task plus derived timing for running tasks.
type TaskView struct {
	*task.Task
	ElapsedSeconds   *float64 `json:"elapsed_seconds,omitempty"`
	RemainingSeconds *float64 `json:"remaining_seconds,omitempty"`
	ElapsedText      string   `json:"elapsed_text,omitempty"`
	RemainingText    string   `json:"remaining_text,omitempty"`
}

// Orchestrator owns the task lifecycle and the registry of active runs.
// Runs execute on base, not on the caller's context.
type Orchestrator struct {
	base     context.Context
	store    Store
	loader   DatasetLoader
	engine   *Engine
	registry *Registry
	cfg      Config
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewOrchestrator(base context.Context, store Store, loader DatasetLoader, engine *Engine, registry *Registry, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Orchestrator{
		base:     base,
		store:    store,
		loader:   loader,
		engine:   engine,
		registry: registry,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (string, error) {
	if strings.TrimSpace(in.DatasetID) == "" {
		return "", task.Validationf("dataset_id is required")
	}
	if strings.TrimSpace(in.Template) == "" {
		return "", task.Validationf("prompt_template is required")
	}
	if in.Concurrency < 1 {
		return "", task.Validationf("concurrency must be at least 1, got %d", in.Concurrency)
	}
	if o.cfg.MaxConcurrency > 0 && in.Concurrency > o.cfg.MaxConcurrency {
		return "", task.Validationf("concurrency must be at most %d, got %d", o.cfg.MaxConcurrency, in.Concurrency)
	}

	table, err := o.loader.Load(ctx, in.DatasetID)
	if err != nil {
		return "", err
	}
	for _, field := range in.ImageFields {
		if !table.HasField(field) {
			return "", task.Validationf("image field %q is not a dataset column", field)
		}
	}

	for _, field := range prompt.Fields(in.Template) {
		if !table.HasField(field) {
			o.log.Warnw("template_field_unknown", "dataset_id", in.DatasetID, "field", field)
		}
	}

	t := task.NewTask(in.Name, in.DatasetID, in.Template, in.Concurrency, in.ImageFields, table.Len())
	if err := o.store.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	o.log.Infow("task_created",
		"task_id", t.ID,
		"dataset_id", t.DatasetID,
		"rows", t.TotalCount,
		"concurrency", t.Concurrency,
	)
	return t.ID, nil
}

// Start moves a pending task to running and launches its run in the
// background. It returns without waiting for any row.
func (o *Orchestrator) Start(ctx context.Context, taskID string) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	startedAt := o.now()
	run := NewRun(taskID, t.TotalCount, startedAt)
	if err := o.registry.Register(run); err != nil {
		return err
	}

	if t.Status != task.StatusPending {
		o.registry.Deregister(run)
		return o.startRejected(taskID, t.Status)
	}

	applied, err := o.store.MarkRunning(ctx, taskID, startedAt)
	if err != nil {
		o.registry.Deregister(run)
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	if !applied {
		o.registry.Deregister(run)
		current, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return o.startRejected(taskID, current.Status)
	}

	t.Status = task.StatusRunning
	t.StartedAt = &startedAt
	metrics.RecordRunStarted()

	o.log.Infow("task_started", "task_id", taskID, "rows", t.TotalCount, "concurrency", t.Concurrency)

	go o.execute(t, run)
	return nil
}

func (o *Orchestrator) startRejected(taskID string, status task.TaskStatus) error {
	if status == task.StatusRunning {
		return fmt.Errorf("%w: %s", task.ErrAlreadyRunning, taskID)
	}
	return fmt.Errorf("%w: cannot start task %s in status %s", task.ErrInvalidTransition, taskID, status)
}

func (o *Orchestrator) execute(t *task.Task, run *Run) {
	defer run.finish()
	defer o.registry.Deregister(run)

	o.engine.Execute(o.base, t, run)
}

// Stop cancels a registered run, waits up to the stop grace for it to
// finalize and then marks the task stopped if it is still running.
func (o *Orchestrator) Stop(ctx context.Context, taskID string) error {
	run, ok := o.registry.Get(taskID)
	if !ok {
		t, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is %s", task.ErrNotRunning, taskID, t.Status)
	}

	run.Stop()
	o.log.Infow("task_stop_requested", "task_id", taskID)

	timer := time.NewTimer(o.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-run.Done():
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	storeCtx := context.WithoutCancel(ctx)
	applied, err := o.store.FinishTask(storeCtx, taskID, task.StatusStopped, "", "", o.now())
	if err != nil {
		return fmt.Errorf("failed to mark task stopped: %w", err)
	}
	if applied {
		c := run.Tracker.Counts()
		o.log.Warnw("task_force_stopped", "task_id", taskID, "processed", c.Processed, "total", c.Total)
		o.engine.notify(storeCtx, taskID)
		if err := o.engine.cache.Remove(storeCtx, taskID); err != nil {
			o.log.Warnw("progress_cache_remove_failed", "task_id", taskID, "error", err)
		}
	}

	o.registry.Deregister(run)
	return nil
}

// Delete stops the task if it is running, then removes its artifacts, logs
// and record. Missing artifacts are ignored.
func (o *Orchestrator) Delete(ctx context.Context, taskID string) error {
	if taskID == "" || filepath.Base(taskID) != taskID {
		return task.Validationf("invalid task id %q", taskID)
	}

	if run, ok := o.registry.Get(taskID); ok {
		if err := o.Stop(ctx, taskID); err != nil && !errors.Is(err, task.ErrNotRunning) {
			return err
		}
		select {
		case <-run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if t.ResultPath != "" {
		if err := os.Remove(t.ResultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Warnw("result_remove_failed", "task_id", taskID, "path", t.ResultPath, "error", err)
		}
	}
	if o.cfg.ResultsDir != "" {
		if err := os.RemoveAll(filepath.Join(o.cfg.ResultsDir, taskID)); err != nil {
			o.log.Warnw("result_dir_remove_failed", "task_id", taskID, "error", err)
		}
	}

	if err := o.store.DeleteLogs(ctx, taskID); err != nil {
		return fmt.Errorf("failed to delete task logs: %w", err)
	}
	if err := o.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if err := o.engine.cache.Remove(ctx, taskID); err != nil {
		o.log.Warnw("progress_cache_remove_failed", "task_id", taskID, "error", err)
	}

	o.log.Infow("task_deleted", "task_id", taskID)
	return nil
}

func (o *Orchestrator) Status(ctx context.Context, taskID string) (*TaskView, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	view := &TaskView{Task: t}
	if t.Status != task.StatusRunning || t.ProcessedCount <= 0 || t.StartedAt == nil {
		return view, nil
	}

	elapsed := o.now().Sub(*t.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := Remaining(t.TotalCount, t.ProcessedCount, elapsed)

	elapsedSecs := elapsed.Seconds()
	remainingSecs := remaining.Seconds()
	view.ElapsedSeconds = &elapsedSecs
	view.RemainingSeconds = &remainingSecs
	view.ElapsedText = FormatDuration(elapsed)
	view.RemainingText = FormatDuration(remaining)

	return view, nil
}

// RecentLogs returns the newest logs first with response text resolved for
// display.
func (o *Orchestrator) RecentLogs(ctx context.Context, taskID string, limit int) ([]task.Log, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	logs, err := o.store.RecentLogs(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load task logs: %w", err)
	}

	for i := range logs {
		logs[i].ResponseText = ResolveResponseText(&logs[i])
	}
	return logs, nil
}

// ResolveResponseText is the text shown for a log entry.
func ResolveResponseText(l *task.Log) string {
	if l.Status == task.LogError {
		if l.ErrorMessage != "" {
			return l.ErrorMessage
		}
		return "processing failed"
	}
	if l.ResponseText == "" {
		return "(empty)"
	}
	return l.ResponseText
}

func (o *Orchestrator) ResultArtifactPath(ctx context.Context, taskID string) (string, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.ResultPath == "" {
		return "", fmt.Errorf("%w: task %s has no result file", task.ErrNotFound, taskID)
	}
	if _, err := os.Stat(t.ResultPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: result file for task %s", task.ErrNotFound, taskID)
		}
		return "", err
	}
	return t.ResultPath, nil
}

// ResultPreview holds the leading rows of a task's result artifact.
type ResultPreview struct {
	Fields []string      `json:"fields"`
	Rows   []dataset.Row `json:"rows"`
}

func (o *Orchestrator) ResultPreview(ctx context.Context, taskID string) (*ResultPreview, error) {
	path, err := o.ResultArtifactPath(ctx, taskID)
	if err != nil {
		return nil, err
	}

	fields, rows, err := dataset.Parse(path, resultPreviewRows)
	if err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}
	return &ResultPreview{Fields: fields, Rows: rows}, nil
}

func (o *Orchestrator) List(ctx context.Context, page, perPage int) ([]*task.Task, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	return o.store.ListTasks(ctx, perPage, (page-1)*perPage)
}

// Progress returns the live counters of a registered run.
func (o *Orchestrator) Progress(taskID string) (*task.Progress, bool) {
	run, ok := o.registry.Get(taskID)
	if !ok {
		return nil, false
	}
	return run.Tracker.Progress(taskID, task.StatusRunning), true
}

func (o *Orchestrator) Running() int {
	return o.registry.Len()
}

// Shutdown stops every registered run and waits for them to exit or for ctx
// to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	runs := o.registry.Runs()
	for _, run := range runs {
		run.Stop()
	}

	for _, run := range runs {
		select {
		case <-run.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted with %d runs active: %w", o.registry.Len(), ctx.Err())
		}
	}

	o.log.Infow("runs_drained", "count", len(runs))
	return nil
}
