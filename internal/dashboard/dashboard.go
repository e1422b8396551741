// Package dashboard serves aggregate task statistics and live progress of running tasks.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/rowpilot/internal/httputil"
	"github.com/nadmax/rowpilot/internal/repository/models"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

const (
	defaultWindowHours = 24
	maxWindowHours     = 24 * 30
)

type StatsStore interface {
	CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error)
	GetTaskStats(ctx context.Context, hours int) ([]models.TaskStats, error)
}

type LiveProgress interface {
	Get(ctx context.Context, taskID string) (*task.Progress, error)
	All(ctx context.Context) ([]*task.Progress, error)
}

type Dashboard struct {
	store StatsStore
	live  LiveProgress
	log   *zap.SugaredLogger
}

type Stats struct {
	TotalTasks     int                `json:"total_tasks"`
	PendingTasks   int                `json:"pending_tasks"`
	RunningTasks   int                `json:"running_tasks"`
	CompletedTasks int                `json:"completed_tasks"`
	StoppedTasks   int                `json:"stopped_tasks"`
	ErrorTasks     int                `json:"error_tasks"`
	WindowHours    int                `json:"window_hours"`
	Window         []models.TaskStats `json:"window"`
	RowsSucceeded  int                `json:"rows_succeeded"`
	RowsFailed     int                `json:"rows_failed"`
	LastUpdated    time.Time          `json:"last_updated"`
}

func NewDashboard(store StatsStore, live LiveProgress, log *zap.SugaredLogger) *Dashboard {
	return &Dashboard{store: store, live: live, log: log}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	hours := defaultWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h < 1 || h > maxWindowHours {
			httputil.WriteJSONError(w, "hours must be between 1 and 720", http.StatusBadRequest)
			return
		}
		hours = h
	}

	counts, err := d.store.CountByStatus(r.Context())
	if err != nil {
		d.log.Errorw("dashboard_counts_failed", "error", err)
		httputil.WriteError(w, err)
		return
	}

	window, err := d.store.GetTaskStats(r.Context(), hours)
	if err != nil {
		d.log.Errorw("dashboard_stats_failed", "hours", hours, "error", err)
		httputil.WriteError(w, err)
		return
	}

	stats := Stats{
		PendingTasks:   counts[task.StatusPending],
		RunningTasks:   counts[task.StatusRunning],
		CompletedTasks: counts[task.StatusCompleted],
		StoppedTasks:   counts[task.StatusStopped],
		ErrorTasks:     counts[task.StatusError],
		WindowHours:    hours,
		Window:         window,
		LastUpdated:    time.Now(),
	}
	for _, n := range counts {
		stats.TotalTasks += n
	}
	for _, s := range window {
		stats.RowsSucceeded += s.RowsSucceeded
		stats.RowsFailed += s.RowsFailed
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

// GetLive lists the progress snapshots of running tasks, most recently
// updated first.
func (d *Dashboard) GetLive(w http.ResponseWriter, r *http.Request) {
	snapshots, err := d.live.All(r.Context())
	if err != nil {
		d.log.Errorw("dashboard_live_failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	if snapshots == nil {
		snapshots = []*task.Progress{}
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].UpdatedAt.After(snapshots[j].UpdatedAt)
	})

	httputil.WriteJSON(w, snapshots, http.StatusOK)
}

func (d *Dashboard) GetLiveTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		httputil.WriteJSONError(w, "task id is required", http.StatusBadRequest)
		return
	}

	p, err := d.live.Get(r.Context(), taskID)
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			d.log.Errorw("dashboard_live_task_failed", "task_id", taskID, "error", err)
		}
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, p, http.StatusOK)
}
