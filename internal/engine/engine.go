package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nadmax/rowpilot/internal/dataset"
	"github.com/nadmax/rowpilot/internal/metrics"
	"github.com/nadmax/rowpilot/internal/task"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type Processor interface {
	Process(ctx context.Context, taskID string, row map[string]string, template string, imageFields []string, rowIndex int) (string, bool)
}

type DatasetLoader interface {
	Load(ctx context.Context, datasetID string) (*dataset.Table, error)
}

type ResultWriter interface {
	Write(table *dataset.Table, results []string, dest string) (string, error)
}

type ProgressCache interface {
	Put(ctx context.Context, p *task.Progress) error
	Remove(ctx context.Context, taskID string) error
}

type Notifier interface {
	TaskFinished(ctx context.Context, t *task.Task) error
}

// RunStore is the persistence the engine needs while a run is active.
type RunStore interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	UpdateProgress(ctx context.Context, taskID string, processed, success, failed int) error
	UpdateTotal(ctx context.Context, taskID string, total int) error
	FinishTask(ctx context.Context, taskID string, status task.TaskStatus, resultPath, failureReason string, completedAt time.Time) (bool, error)
}

// EndpointBinder attaches the model endpoint a run should use to its context.
type EndpointBinder interface {
	Bind(ctx context.Context) (context.Context, error)
}

type Config struct {
	ResultsDir     string
	MaxConcurrency int
	StopGrace      time.Duration
}

// Engine executes one task's rows on a bounded worker pool and finalizes the
// task once every dispatched row has been collected.
type Engine struct {
	store     RunStore
	loader    DatasetLoader
	processor Processor
	writer    ResultWriter
	cache     ProgressCache
	notifier  Notifier
	endpoints EndpointBinder
	cfg       Config
	log       *zap.SugaredLogger
}

func NewEngine(store RunStore, loader DatasetLoader, processor Processor, writer ResultWriter, cache ProgressCache, notifier Notifier, cfg Config, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:     store,
		loader:    loader,
		processor: processor,
		writer:    writer,
		cache:     cache,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// UseEndpoints makes every later run resolve its endpoint through b.
func (e *Engine) UseEndpoints(b EndpointBinder) {
	e.endpoints = b
}

type outcome struct {
	index   int
	text    string
	ok      bool
	skipped bool
}

// Execute runs t to a terminal status and returns it. Store writes outlive
// ctx so a shutdown still leaves the task in a terminal state.
func (e *Engine) Execute(ctx context.Context, t *task.Task, run *Run) task.TaskStatus {
	log := e.log.With("task_id", t.ID)

	table, err := e.loader.Load(ctx, t.DatasetID)
	if err != nil {
		return e.finalize(ctx, t, run, nil, nil, &task.EngineFatalError{Stage: "load", Err: err})
	}

	if table.Len() != t.TotalCount {
		log.Warnw("dataset_size_changed", "expected", t.TotalCount, "actual", table.Len())
		if err := e.store.UpdateTotal(context.WithoutCancel(ctx), t.ID, table.Len()); err != nil {
			return e.finalize(ctx, t, run, nil, nil, &task.EngineFatalError{Stage: "load", Err: err})
		}
		t.TotalCount = table.Len()
	}
	run.Tracker.SetTotal(table.Len())

	if e.endpoints != nil {
		bound, err := e.endpoints.Bind(ctx)
		if err != nil {
			return e.finalize(ctx, t, run, nil, nil, &task.EngineFatalError{Stage: "config", Err: err})
		}
		ctx = bound
	}
	e.publish(ctx, t.ID, run)

	slots := NewResultSlots(table.Len())
	fatal := e.dispatch(ctx, t, run, table, slots)

	return e.finalize(ctx, t, run, table, slots, fatal)
}

func (e *Engine) concurrency(t *task.Task) int {
	c := t.Concurrency
	if c < 1 {
		c = 1
	}
	if e.cfg.MaxConcurrency > 0 && c > e.cfg.MaxConcurrency {
		c = e.cfg.MaxConcurrency
	}
	return c
}

func (e *Engine) dispatch(ctx context.Context, t *task.Task, run *Run, table *dataset.Table, slots *ResultSlots) error {
	total := table.Len()
	if total == 0 {
		return nil
	}

	log := e.log.With("task_id", t.ID)
	c := e.concurrency(t)

	pool, err := ants.NewPool(c, ants.WithOptions(ants.Options{
		ExpiryDuration: 10 * time.Second,
		Nonblocking:    false,
		PanicHandler: func(p any) {
			log.Errorw("worker_panic", "panic", p)
		},
	}))
	if err != nil {
		return &task.EngineFatalError{Stage: "pool", Err: err}
	}
	defer pool.Release()
	run.attachPool(pool)

	window := 2 * c
	results := make(chan outcome, window)
	outstanding := 0
	var fatal error

	collect := func(o outcome) {
		outstanding--
		e.collect(ctx, t, run, slots, o)
	}

	next := 0
submit:
	for next < total && !run.Token.Cancelled() {
	drain:
		for {
			select {
			case o := <-results:
				collect(o)
			default:
				break drain
			}
		}

		for outstanding >= window {
			select {
			case o := <-results:
				collect(o)
			case <-run.Token.Done():
				break submit
			}
		}

		index := next
		row := table.Rows[index]
		err := pool.Submit(func() {
			results <- e.runRow(ctx, t, run, row, index)
		})
		if err != nil {
			if errors.Is(err, ants.ErrPoolClosed) {
				break
			}
			fatal = &task.EngineFatalError{Stage: "dispatch", Err: err}
			break
		}

		next++
		outstanding++
	}

	for outstanding > 0 {
		collect(<-results)
	}

	if next < total {
		log.Infow("dispatch_interrupted", "dispatched", next, "total", total)
	}
	return fatal
}

func (e *Engine) runRow(ctx context.Context, t *task.Task, run *Run, row dataset.Row, index int) (o outcome) {
	o.index = index

	defer func() {
		if r := recover(); r != nil {
			o.text = fmt.Sprintf("processing error: panic: %v", r)
			o.ok = false
			o.skipped = false
		}
	}()

	if run.Token.Cancelled() {
		o.skipped = true
		return o
	}

	o.text, o.ok = e.processor.Process(ctx, t.ID, row, t.PromptTemplate, t.ImageFields, index)
	return o
}

func (e *Engine) collect(ctx context.Context, t *task.Task, run *Run, slots *ResultSlots, o outcome) {
	if o.skipped {
		return
	}

	if err := slots.Set(o.index, o.text); err != nil {
		e.log.Errorw("result_slot_rejected", "task_id", t.ID, "row", o.index+1, "error", err)
		return
	}

	c := run.Tracker.Record(o.ok)
	if err := e.store.UpdateProgress(context.WithoutCancel(ctx), t.ID, c.Processed, c.Success, c.Failed); err != nil {
		e.log.Errorw("progress_update_failed", "task_id", t.ID, "error", err)
	}
	e.publish(ctx, t.ID, run)
}

func (e *Engine) publish(ctx context.Context, taskID string, run *Run) {
	if err := e.cache.Put(ctx, run.Tracker.Progress(taskID, task.StatusRunning)); err != nil {
		e.log.Warnw("progress_cache_put_failed", "task_id", taskID, "error", err)
	}
}

func (e *Engine) finalize(ctx context.Context, t *task.Task, run *Run, table *dataset.Table, slots *ResultSlots, fatal error) task.TaskStatus {
	log := e.log.With("task_id", t.ID)
	storeCtx := context.WithoutCancel(ctx)

	var (
		status     task.TaskStatus
		resultPath string
		reason     string
	)

	switch {
	case fatal != nil:
		status = task.StatusError
		reason = fatal.Error()
		log.Errorw("run_failed", "error", fatal)
	case run.Token.Cancelled():
		status = task.StatusStopped
	default:
		if n := slots.Filled(); n != slots.Len() {
			log.Warnw("result_slots_incomplete", "filled", n, "rows", slots.Len())
		}
		path, err := e.writer.Write(table, slots.Values(), e.ResultPath(t.ID, table.Ext, time.Now()))
		if err != nil {
			status = task.StatusError
			reason = (&task.EngineFatalError{Stage: "write", Err: err}).Error()
			log.Errorw("result_write_failed", "error", err)
		} else {
			status = task.StatusCompleted
			resultPath = path
		}
	}

	applied, err := e.store.FinishTask(storeCtx, t.ID, status, resultPath, reason, time.Now())
	if err != nil {
		log.Errorw("finish_task_failed", "status", status, "error", err)
	}
	if !applied && resultPath != "" {
		if err := os.Remove(resultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnw("orphan_result_remove_failed", "path", resultPath, "error", err)
		}
	}

	elapsed := run.Tracker.Elapsed()
	metrics.RecordRunFinished(status, elapsed)

	c := run.Tracker.Counts()
	log.Infow("run_finished",
		"status", status,
		"applied", applied,
		"processed", c.Processed,
		"success", c.Success,
		"failed", c.Failed,
		"elapsed", FormatDuration(elapsed),
	)

	if applied {
		e.notify(storeCtx, t.ID)
	}
	if err := e.cache.Remove(storeCtx, t.ID); err != nil {
		log.Warnw("progress_cache_remove_failed", "error", err)
	}

	return status
}

func (e *Engine) notify(ctx context.Context, taskID string) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.log.Warnw("notify_reload_failed", "task_id", taskID, "error", err)
		return
	}
	if err := e.notifier.TaskFinished(ctx, t); err != nil {
		e.log.Warnw("notify_failed", "task_id", taskID, "error", err)
	}
}

// ResultPath is where a run finished at now writes its artifact.
func (e *Engine) ResultPath(taskID, ext string, now time.Time) string {
	return filepath.Join(e.cfg.ResultsDir, taskID, "result_"+now.Format("20060102150405")+ext)
}
