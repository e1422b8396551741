package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/nadmax/rowpilot/internal/dashboard"
	"github.com/nadmax/rowpilot/internal/engine"
	"github.com/nadmax/rowpilot/internal/httputil"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

const maxJSONBody = 1 << 20

// TaskService is the task lifecycle the API exposes.
type TaskService interface {
	Create(ctx context.Context, in engine.CreateInput) (string, error)
	Start(ctx context.Context, taskID string) error
	Stop(ctx context.Context, taskID string) error
	Delete(ctx context.Context, taskID string) error
	Status(ctx context.Context, taskID string) (*engine.TaskView, error)
	RecentLogs(ctx context.Context, taskID string, limit int) ([]task.Log, error)
	ResultArtifactPath(ctx context.Context, taskID string) (string, error)
	ResultPreview(ctx context.Context, taskID string) (*engine.ResultPreview, error)
	List(ctx context.Context, page, perPage int) ([]*task.Task, int, error)
}

type Options struct {
	UploadDir      string
	MaxUploadBytes int64
}

type API struct {
	tasks   TaskService
	catalog CatalogStore
	dash    *dashboard.Dashboard
	opts    Options
	log     *zap.SugaredLogger
	mux     *http.ServeMux
}

type TaskListResponse struct {
	Tasks   []*task.Task `json:"tasks"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

func NewAPI(tasks TaskService, catalog CatalogStore, dash *dashboard.Dashboard, opts Options, log *zap.SugaredLogger) *API {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}

	api := &API{
		tasks:   tasks,
		catalog: catalog,
		dash:    dash,
		opts:    opts,
		log:     log,
		mux:     http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("GET /health", a.health)

	a.mux.HandleFunc("POST /api/tasks", a.createTask)
	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.getTask)
	a.mux.HandleFunc("DELETE /api/tasks/{id}", a.deleteTask)
	a.mux.HandleFunc("POST /api/tasks/{id}/start", a.startTask)
	a.mux.HandleFunc("POST /api/tasks/{id}/stop", a.stopTask)
	a.mux.HandleFunc("GET /api/tasks/{id}/logs", a.taskLogs)
	a.mux.HandleFunc("GET /api/tasks/{id}/result", a.downloadResult)
	a.mux.HandleFunc("GET /api/tasks/{id}/preview", a.previewResult)

	a.mux.HandleFunc("POST /api/datasets", a.uploadDataset)
	a.mux.HandleFunc("GET /api/datasets", a.listDatasets)
	a.mux.HandleFunc("DELETE /api/datasets/{id}", a.deleteDataset)

	a.mux.HandleFunc("POST /api/templates", a.createTemplate)
	a.mux.HandleFunc("GET /api/templates", a.listTemplates)
	a.mux.HandleFunc("DELETE /api/templates/{id}", a.deleteTemplate)

	a.mux.HandleFunc("POST /api/configs", a.createAPIConfig)
	a.mux.HandleFunc("GET /api/configs", a.listAPIConfigs)
	a.mux.HandleFunc("DELETE /api/configs/{id}", a.deleteAPIConfig)

	if a.dash != nil {
		a.mux.HandleFunc("GET /api/dashboard/stats", a.dash.GetStats)
		a.mux.HandleFunc("GET /api/dashboard/live", a.dash.GetLive)
		a.mux.HandleFunc("GET /api/dashboard/live/{id}", a.dash.GetLiveTask)
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateInput
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	taskID, err := a.tasks.Create(r.Context(), req)
	if err != nil {
		a.writeError(w, "create_task_failed", "", err)
		return
	}

	view, err := a.tasks.Status(r.Context(), taskID)
	if err != nil {
		a.writeError(w, "create_task_failed", taskID, err)
		return
	}

	httputil.WriteJSON(w, view, http.StatusCreated)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)

	tasks, total, err := a.tasks.List(r.Context(), page, perPage)
	if err != nil {
		a.writeError(w, "list_tasks_failed", "", err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}

	httputil.WriteJSON(w, TaskListResponse{
		Tasks:   tasks,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	}, http.StatusOK)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	view, err := a.tasks.Status(r.Context(), taskID)
	if err != nil {
		a.writeError(w, "get_task_failed", taskID, err)
		return
	}

	httputil.WriteJSON(w, view, http.StatusOK)
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	if err := a.tasks.Delete(r.Context(), taskID); err != nil {
		a.writeError(w, "delete_task_failed", taskID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) startTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	if err := a.tasks.Start(r.Context(), taskID); err != nil {
		a.writeError(w, "start_task_failed", taskID, err)
		return
	}

	httputil.WriteJSON(w, map[string]string{"task_id": taskID, "status": string(task.StatusRunning)}, http.StatusAccepted)
}

func (a *API) stopTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	if err := a.tasks.Stop(r.Context(), taskID); err != nil {
		a.writeError(w, "stop_task_failed", taskID, err)
		return
	}

	view, err := a.tasks.Status(r.Context(), taskID)
	if err != nil {
		a.writeError(w, "stop_task_failed", taskID, err)
		return
	}

	httputil.WriteJSON(w, view, http.StatusOK)
}

func (a *API) taskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	logs, err := a.tasks.RecentLogs(r.Context(), taskID, queryInt(r, "limit", 0))
	if err != nil {
		a.writeError(w, "task_logs_failed", taskID, err)
		return
	}

	httputil.WriteJSON(w, logs, http.StatusOK)
}

func (a *API) downloadResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	path, err := a.tasks.ResultArtifactPath(r.Context(), taskID)
	if err != nil {
		a.writeError(w, "download_result_failed", taskID, err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	http.ServeFile(w, r, path)
}

func (a *API) previewResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	preview, err := a.tasks.ResultPreview(r.Context(), taskID)
	if err != nil {
		a.writeError(w, "preview_result_failed", taskID, err)
		return
	}

	httputil.WriteJSON(w, preview, http.StatusOK)
}

func (a *API) writeError(w http.ResponseWriter, event, taskID string, err error) {
	if httputil.StatusFor(err) == http.StatusInternalServerError {
		a.log.Errorw(event, "task_id", taskID, "error", err)
	}
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()

	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody)).Decode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
