package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/rowpilot/internal/llm"
	"github.com/nadmax/rowpilot/internal/metrics"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

type Renderer interface {
	Render(template string, row map[string]string) string
}

type ImageFetcher interface {
	FetchAll(ctx context.Context, row map[string]string, fields []string) []string
}

type Generator interface {
	Generate(ctx context.Context, prompt string, images []string) (llm.Result, error)
}

type LogStore interface {
	InsertLog(ctx context.Context, l *task.Log) error
}

// RowProcessor turns one dataset row into one model response and records
// exactly one task log for it. It never touches task counters.
type RowProcessor struct {
	renderer  Renderer
	images    ImageFetcher
	generator Generator
	logs      LogStore
	log       *zap.SugaredLogger
}

func NewRowProcessor(renderer Renderer, images ImageFetcher, generator Generator, logs LogStore, log *zap.SugaredLogger) *RowProcessor {
	return &RowProcessor{
		renderer:  renderer,
		images:    images,
		generator: generator,
		logs:      logs,
		log:       log,
	}
}

// Process returns the row's result text and whether it succeeded. Failures
// are returned as text, never as errors.
func (p *RowProcessor) Process(ctx context.Context, taskID string, row map[string]string, template string, imageFields []string, rowIndex int) (text string, ok bool) {
	start := time.Now()
	entry := &task.Log{TaskID: taskID, RowIndex: rowIndex}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			if entry.Status != "" {
				p.log.Errorw("row_panicked_after_log", "task_id", taskID, "row", rowIndex+1, "error", err)
				text, ok = "processing error: "+err.Error(), false
				return
			}
			text, ok = p.fail(ctx, entry, err, start)
		}
	}()

	if len(row) == 0 {
		return p.fail(ctx, entry, fmt.Errorf("row %d is empty or invalid", rowIndex+1), start)
	}
	if allBlank(row) {
		p.log.Warnw("row_all_fields_empty", "task_id", taskID, "row", rowIndex+1)
	}

	prompt := p.renderer.Render(template, row)

	var images []string
	if len(imageFields) > 0 && p.images != nil {
		images = p.images.FetchAll(ctx, row, imageFields)
		if missing := countEmpty(images); missing > 0 {
			p.log.Warnw("row_images_missing", "task_id", taskID, "row", rowIndex+1, "missing", missing, "requested", len(imageFields))
		}
	}

	res, err := p.generator.Generate(ctx, prompt, images)
	if err != nil {
		return p.fail(ctx, entry, err, start)
	}

	entry.Status = task.LogSuccess
	entry.ResponseText = res.Text
	entry.TokenCount = res.Tokens
	entry.ProcessingMs = res.Elapsed.Milliseconds()
	p.save(ctx, entry)
	metrics.RecordRow(task.LogSuccess, time.Since(start), res.Tokens)

	return res.Text, true
}

func (p *RowProcessor) fail(ctx context.Context, entry *task.Log, err error, start time.Time) (string, bool) {
	rowErr := &task.RowProcessingError{RowIndex: entry.RowIndex, Err: err}
	p.log.Errorw("row_failed", "task_id", entry.TaskID, "error", rowErr)

	entry.Status = task.LogError
	entry.ErrorMessage = err.Error()
	entry.ProcessingMs = time.Since(start).Milliseconds()
	p.save(ctx, entry)
	metrics.RecordRow(task.LogError, time.Since(start), 0)

	return "processing error: " + err.Error(), false
}

func (p *RowProcessor) save(ctx context.Context, entry *task.Log) {
	if err := p.logs.InsertLog(ctx, entry); err != nil {
		p.log.Errorw("task_log_insert_failed", "task_id", entry.TaskID, "row", entry.DisplayRow(), "error", err)
	}
}

func allBlank(row map[string]string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func countEmpty(values []string) int {
	n := 0
	for _, v := range values {
		if v == "" {
			n++
		}
	}
	return n
}
