package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/rowpilot/internal/dataset"
	"github.com/nadmax/rowpilot/internal/httputil"
	"github.com/nadmax/rowpilot/internal/task"
)

// CatalogStore persists uploaded datasets, saved prompt templates and model
// endpoint configs.
type CatalogStore interface {
	CreateDataset(ctx context.Context, ds *task.Dataset) error
	GetDataset(ctx context.Context, datasetID string) (*task.Dataset, error)
	ListDatasets(ctx context.Context) ([]*task.Dataset, error)
	DeleteDataset(ctx context.Context, datasetID string) error

	CreateTemplate(ctx context.Context, tpl *task.Template) error
	ListTemplates(ctx context.Context) ([]*task.Template, error)
	DeleteTemplate(ctx context.Context, templateID string) error

	CreateAPIConfig(ctx context.Context, cfg *task.APIConfig) error
	ListAPIConfigs(ctx context.Context) ([]*task.APIConfig, error)
	DeleteAPIConfig(ctx context.Context, configID string) error
}

type DatasetResponse struct {
	*task.Dataset
	Rows    int           `json:"rows"`
	Preview []dataset.Row `json:"preview"`
}

type TemplateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (a *API) uploadDataset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteJSONError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !dataset.SupportedExt(ext) {
		httputil.WriteJSONError(w, "only .csv and .xlsx files are supported", http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	path := filepath.Join(a.opts.UploadDir, id+ext)
	if err := saveUpload(file, path); err != nil {
		a.log.Errorw("dataset_save_failed", "file_name", header.Filename, "error", err)
		httputil.WriteJSONError(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	table, err := dataset.ReadFile(path)
	if err != nil {
		_ = os.Remove(path)
		httputil.WriteJSONError(w, "failed to parse file: "+err.Error(), http.StatusBadRequest)
		return
	}

	ds := &task.Dataset{
		ID:        id,
		FileName:  filepath.Base(header.Filename),
		Fields:    table.Fields,
		FilePath:  path,
		CreatedAt: time.Now(),
	}
	if err := a.catalog.CreateDataset(r.Context(), ds); err != nil {
		_ = os.Remove(path)
		a.writeError(w, "dataset_create_failed", "", err)
		return
	}

	a.log.Infow("dataset_uploaded", "dataset_id", id, "file_name", ds.FileName, "rows", table.Len(), "fields", len(table.Fields))

	httputil.WriteJSON(w, DatasetResponse{
		Dataset: ds,
		Rows:    table.Len(),
		Preview: dataset.Preview(table),
	}, http.StatusCreated)
}

func saveUpload(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	dst, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write upload: %w", err)
	}
	return dst.Close()
}

func (a *API) listDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := a.catalog.ListDatasets(r.Context())
	if err != nil {
		a.writeError(w, "list_datasets_failed", "", err)
		return
	}
	if datasets == nil {
		datasets = []*task.Dataset{}
	}

	httputil.WriteJSON(w, datasets, http.StatusOK)
}

func (a *API) deleteDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("id")

	ds, err := a.catalog.GetDataset(r.Context(), datasetID)
	if err != nil {
		a.writeError(w, "delete_dataset_failed", "", err)
		return
	}
	if err := a.catalog.DeleteDataset(r.Context(), datasetID); err != nil {
		a.writeError(w, "delete_dataset_failed", "", err)
		return
	}

	if err := os.Remove(ds.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warnw("dataset_file_remove_failed", "dataset_id", datasetID, "path", ds.FilePath, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Content) == "" {
		httputil.WriteJSONError(w, "name and content are required", http.StatusBadRequest)
		return
	}

	tpl := &task.Template{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(req.Name),
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	if err := a.catalog.CreateTemplate(r.Context(), tpl); err != nil {
		a.writeError(w, "create_template_failed", "", err)
		return
	}

	httputil.WriteJSON(w, tpl, http.StatusCreated)
}

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := a.catalog.ListTemplates(r.Context())
	if err != nil {
		a.writeError(w, "list_templates_failed", "", err)
		return
	}
	if templates == nil {
		templates = []*task.Template{}
	}

	httputil.WriteJSON(w, templates, http.StatusOK)
}

func (a *API) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.catalog.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, "delete_template_failed", "", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
