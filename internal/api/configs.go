package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/rowpilot/internal/httputil"
	"github.com/nadmax/rowpilot/internal/task"
)

type APIConfigRequest struct {
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	APIKey      string         `json:"api_key"`
	ModelName   string         `json:"model_name"`
	OtherParams map[string]any `json:"other_params"`
	UseStream   bool           `json:"use_stream"`
	IsDefault   bool           `json:"is_default"`
}

func (a *API) createAPIConfig(w http.ResponseWriter, r *http.Request) {
	var req APIConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(req.Name)
	url := strings.TrimSpace(req.URL)
	model := strings.TrimSpace(req.ModelName)
	if name == "" || url == "" || model == "" {
		httputil.WriteJSONError(w, "name, url and model_name are required", http.StatusBadRequest)
		return
	}

	cfg := &task.APIConfig{
		ID:          uuid.New().String(),
		Name:        name,
		URL:         url,
		APIKey:      strings.TrimSpace(req.APIKey),
		ModelName:   model,
		OtherParams: req.OtherParams,
		UseStream:   req.UseStream,
		IsDefault:   req.IsDefault,
		CreatedAt:   time.Now(),
	}
	if cfg.OtherParams == nil {
		cfg.OtherParams = map[string]any{}
	}

	if err := a.catalog.CreateAPIConfig(r.Context(), cfg); err != nil {
		a.writeError(w, "create_api_config_failed", "", err)
		return
	}

	a.log.Infow("api_config_created", "config_id", cfg.ID, "name", cfg.Name, "default", cfg.IsDefault)
	httputil.WriteJSON(w, cfg.Redacted(), http.StatusCreated)
}

func (a *API) listAPIConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := a.catalog.ListAPIConfigs(r.Context())
	if err != nil {
		a.writeError(w, "list_api_configs_failed", "", err)
		return
	}

	redacted := make([]*task.APIConfig, 0, len(configs))
	for _, cfg := range configs {
		redacted = append(redacted, cfg.Redacted())
	}

	httputil.WriteJSON(w, redacted, http.StatusOK)
}

func (a *API) deleteAPIConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.catalog.DeleteAPIConfig(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, "delete_api_config_failed", "", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
