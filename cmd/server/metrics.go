package main

import (
	"context"
	"time"

	"github.com/nadmax/rowpilot/internal/metrics"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

type statusCounter interface {
	CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
}

func startMetricsCollector(ctx context.Context, store statusCounter, log *zap.SugaredLogger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	updateTaskMetrics(ctx, store, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTaskMetrics(ctx, store, log)
		}
	}
}

func updateTaskMetrics(ctx context.Context, store statusCounter, log *zap.SugaredLogger) {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		log.Warnw("task_metrics_failed", "error", err)
		return
	}

	metrics.UpdateTaskGauges(counts)
}
