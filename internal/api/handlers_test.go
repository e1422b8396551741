package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/rowpilot/internal/cache"
	"github.com/nadmax/rowpilot/internal/dashboard"
	"github.com/nadmax/rowpilot/internal/dataset"
	"github.com/nadmax/rowpilot/internal/engine"
	"github.com/nadmax/rowpilot/internal/repository"
	"github.com/nadmax/rowpilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTasks struct {
	tasks      map[string]*task.Task
	created    []engine.CreateInput
	started    []string
	stopped    []string
	deleted    []string
	logs       []task.Log
	logLimit   int
	resultPath string
	preview    *engine.ResultPreview
	err        error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[string]*task.Task)}
}

func (f *fakeTasks) get(taskID string) (*task.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", task.ErrNotFound, taskID)
	}
	return t, nil
}

func (f *fakeTasks) Create(ctx context.Context, in engine.CreateInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, in)
	t := task.NewTask(in.Name, in.DatasetID, in.Template, in.Concurrency, in.ImageFields, 3)
	f.tasks[t.ID] = t
	return t.ID, nil
}

func (f *fakeTasks) Start(ctx context.Context, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, taskID)
	return nil
}

func (f *fakeTasks) Stop(ctx context.Context, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, taskID)
	if t, ok := f.tasks[taskID]; ok {
		t.Status = task.StatusStopped
	}
	return nil
}

func (f *fakeTasks) Delete(ctx context.Context, taskID string) error {
	if _, err := f.get(taskID); err != nil {
		return err
	}
	f.deleted = append(f.deleted, taskID)
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeTasks) Status(ctx context.Context, taskID string) (*engine.TaskView, error) {
	t, err := f.get(taskID)
	if err != nil {
		return nil, err
	}
	return &engine.TaskView{Task: t}, nil
}

func (f *fakeTasks) RecentLogs(ctx context.Context, taskID string, limit int) ([]task.Log, error) {
	if _, err := f.get(taskID); err != nil {
		return nil, err
	}
	f.logLimit = limit
	return f.logs, nil
}

func (f *fakeTasks) ResultArtifactPath(ctx context.Context, taskID string) (string, error) {
	if f.resultPath == "" {
		return "", fmt.Errorf("%w: no result", task.ErrNotFound)
	}
	return f.resultPath, nil
}

func (f *fakeTasks) ResultPreview(ctx context.Context, taskID string) (*engine.ResultPreview, error) {
	if f.preview == nil {
		return nil, fmt.Errorf("%w: no result", task.ErrNotFound)
	}
	return f.preview, nil
}

func (f *fakeTasks) List(ctx context.Context, page, perPage int) ([]*task.Task, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	all := make([]*task.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		all = append(all, t)
	}
	return all, len(all), nil
}

func setupTestAPI(t *testing.T) (*API, *fakeTasks, *repository.MockPostgresRepository) {
	tasks := newFakeTasks()
	store := repository.NewMockPostgresRepository()
	log := zap.NewNop().Sugar()
	dash := dashboard.NewDashboard(store, cache.Nop{}, log)

	api := NewAPI(tasks, store, dash, Options{UploadDir: t.TempDir()}, log)

	return api, tasks, store
}

func do(api *API, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	api, _, _ := setupTestAPI(t)

	w := do(api, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCreateTask(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)

	body, _ := json.Marshal(engine.CreateInput{
		DatasetID:   "ds-1",
		Template:    "Hello {{name}}",
		Concurrency: 2,
		ImageFields: []string{"photo"},
	})

	w := do(api, http.MethodPost, "/api/tasks", body)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, tasks.created, 1)
	assert.Equal(t, "Hello {{name}}", tasks.created[0].Template)
	assert.Equal(t, []string{"photo"}, tasks.created[0].ImageFields)

	var tsk task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tsk))
	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, task.StatusPending, tsk.Status)
	assert.Equal(t, 2, tsk.Concurrency)
}

func TestCreateTask_InvalidJSON(t *testing.T) {
	api, _, _ := setupTestAPI(t)

	w := do(api, http.MethodPost, "/api/tasks", []byte("{not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid JSON")
}

func TestCreateTask_ValidationError(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	tasks.err = task.Validationf("concurrency must be at least 1, got 0")

	w := do(api, http.MethodPost, "/api/tasks", []byte(`{"dataset_id":"ds-1"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "concurrency must be at least 1")
}

func TestListTasks(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	for i := 0; i < 3; i++ {
		_, _ = tasks.Create(context.Background(), engine.CreateInput{DatasetID: "ds-1", Template: "x", Concurrency: 1})
	}

	w := do(api, http.MethodGet, "/api/tasks?page=1&per_page=10", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp TaskListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Tasks, 3)
	assert.Equal(t, 10, resp.PerPage)
}

func TestListTasks_InternalErrorHidden(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	tasks.err = errors.New("pq: connection refused")

	w := do(api, http.MethodGet, "/api/tasks", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestGetTask(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	id, _ := tasks.Create(context.Background(), engine.CreateInput{DatasetID: "ds-1", Template: "x", Concurrency: 1})

	w := do(api, http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var tsk task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tsk))
	assert.Equal(t, id, tsk.ID)

	w = do(api, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartTask(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)

	w := do(api, http.MethodPost, "/api/tasks/t-1/start", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"t-1"}, tasks.started)
}

func TestStartTask_Conflict(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	tasks.err = fmt.Errorf("%w: t-1", task.ErrAlreadyRunning)

	w := do(api, http.MethodPost, "/api/tasks/t-1/start", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopTask(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	id, _ := tasks.Create(context.Background(), engine.CreateInput{DatasetID: "ds-1", Template: "x", Concurrency: 1})

	w := do(api, http.MethodPost, "/api/tasks/"+id+"/stop", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{id}, tasks.stopped)
	assert.Contains(t, w.Body.String(), `"status":"stopped"`)
}

func TestStopTask_NotRunning(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	tasks.err = fmt.Errorf("%w: task t-1 is pending", task.ErrNotRunning)

	w := do(api, http.MethodPost, "/api/tasks/t-1/stop", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteTask(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	id, _ := tasks.Create(context.Background(), engine.CreateInput{DatasetID: "ds-1", Template: "x", Concurrency: 1})

	w := do(api, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{id}, tasks.deleted)

	w = do(api, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskLogs(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)
	id, _ := tasks.Create(context.Background(), engine.CreateInput{DatasetID: "ds-1", Template: "x", Concurrency: 1})
	tasks.logs = []task.Log{{ID: 2, TaskID: id, RowIndex: 1, Status: task.LogSuccess, ResponseText: "ok"}}

	w := do(api, http.MethodGet, "/api/tasks/"+id+"/logs?limit=5", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, tasks.logLimit)

	var logs []task.Log
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "ok", logs[0].ResponseText)
}

func TestDownloadResult(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)

	w := do(api, http.MethodGet, "/api/tasks/t-1/result", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	path := filepath.Join(t.TempDir(), "result_20240101000000.csv")
	require.NoError(t, os.WriteFile(path, []byte("result,name\necho,A\n"), 0o644))
	tasks.resultPath = path

	w = do(api, http.MethodGet, "/api/tasks/t-1/result", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "result,name\necho,A\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "result_20240101000000.csv")
}

func TestPreviewResult(t *testing.T) {
	api, tasks, _ := setupTestAPI(t)

	w := do(api, http.MethodGet, "/api/tasks/t-1/preview", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	tasks.preview = &engine.ResultPreview{
		Fields: []string{"result", "name"},
		Rows:   []dataset.Row{{"result": "echo:Hello A", "name": "A"}},
	}

	w = do(api, http.MethodGet, "/api/tasks/t-1/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got engine.ResultPreview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"result", "name"}, got.Fields)
	assert.Equal(t, "echo:Hello A", got.Rows[0]["result"])
}

func TestMethodNotAllowed(t *testing.T) {
	api, _, _ := setupTestAPI(t)

	w := do(api, http.MethodPut, "/api/tasks", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func uploadRequest(t *testing.T, fileName, content string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/datasets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadDataset(t *testing.T) {
	api, _, store := setupTestAPI(t)

	w := httptest.NewRecorder()
	api.ServeHTTP(w, uploadRequest(t, "people.csv", "name,photo\nAda,http://x/a.jpg\nBob,\n"))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		ID       string              `json:"id"`
		FileName string              `json:"file_name"`
		Fields   []string            `json:"fields"`
		Rows     int                 `json:"rows"`
		Preview  []map[string]string `json:"preview"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "people.csv", resp.FileName)
	assert.Equal(t, []string{"name", "photo"}, resp.Fields)
	assert.Equal(t, 2, resp.Rows)
	require.Len(t, resp.Preview, 2)
	assert.Equal(t, "Ada", resp.Preview[0]["name"])

	ds, err := store.GetDataset(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.FileExists(t, ds.FilePath)
	assert.Equal(t, ".csv", filepath.Ext(ds.FilePath))
}

func TestUploadDataset_Rejected(t *testing.T) {
	api, _, store := setupTestAPI(t)

	w := httptest.NewRecorder()
	api.ServeHTTP(w, uploadRequest(t, "notes.txt", "hello"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/datasets", nil)
	api.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	datasets, err := store.ListDatasets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, datasets)
}

func TestListAndDeleteDataset(t *testing.T) {
	api, _, store := setupTestAPI(t)

	path := filepath.Join(t.TempDir(), "d.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n"), 0o644))
	require.NoError(t, store.CreateDataset(context.Background(), &task.Dataset{
		ID: "ds-1", FileName: "d.csv", Fields: []string{"a"}, FilePath: path, CreatedAt: time.Now(),
	}))

	w := do(api, http.MethodGet, "/api/datasets", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"ds-1"`)

	w = do(api, http.MethodDelete, "/api/datasets/ds-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NoFileExists(t, path)

	w = do(api, http.MethodDelete, "/api/datasets/ds-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTemplates(t *testing.T) {
	api, _, _ := setupTestAPI(t)

	w := do(api, http.MethodPost, "/api/templates", []byte(`{"name":"greet","content":"Hello {{name}}"}`))
	require.Equal(t, http.StatusCreated, w.Code)

	var tpl task.Template
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tpl))
	assert.NotEmpty(t, tpl.ID)
	assert.Equal(t, "greet", tpl.Name)

	w = do(api, http.MethodPost, "/api/templates", []byte(`{"name":"","content":"x"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(api, http.MethodGet, "/api/templates", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var templates []task.Template
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &templates))
	assert.Len(t, templates, 1)

	w = do(api, http.MethodDelete, "/api/templates/"+tpl.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(api, http.MethodDelete, "/api/templates/"+tpl.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardRoutes(t *testing.T) {
	api, _, _ := setupTestAPI(t)

	w := do(api, http.MethodGet, "/api/dashboard/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(api, http.MethodGet, "/api/dashboard/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(api, http.MethodGet, "/api/dashboard/live/t-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIConfigs(t *testing.T) {
	api, _, store := setupTestAPI(t)
	ctx := context.Background()

	w := do(api, http.MethodPost, "/api/configs", []byte(`{"name":"local","url":"localhost:8000","model_name":"qwen"}`))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var local task.APIConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &local))
	assert.True(t, local.IsDefault)

	body := `{"name":"hosted","url":"https://api.example.com/v1","api_key":"sk-secret-9876","model_name":"gpt-4o-mini","use_stream":true,"is_default":true,"other_params":{"temperature":0.2}}`
	w = do(api, http.MethodPost, "/api/configs", []byte(body))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-secret-9876")

	var hosted task.APIConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hosted))

	def, err := store.GetDefaultAPIConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, hosted.ID, def.ID)
	assert.Equal(t, "sk-secret-9876", def.APIKey)
	assert.Equal(t, 0.2, def.OtherParams["temperature"])

	w = do(api, http.MethodGet, "/api/configs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-secret-9876")
	var configs []task.APIConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &configs))
	assert.Len(t, configs, 2)

	w = do(api, http.MethodPost, "/api/configs", []byte(`{"name":"broken","url":""}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(api, http.MethodDelete, "/api/configs/"+hosted.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	def, err = store.GetDefaultAPIConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, local.ID, def.ID)

	w = do(api, http.MethodDelete, "/api/configs/"+hosted.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
