package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

// Endpoint is where and how a generation request is sent.
type Endpoint struct {
	Name    string
	BaseURL string
	Model   string
	APIKey  string
	Stream  bool
	Params  map[string]any
}

type endpointKey struct{}

func WithEndpoint(ctx context.Context, ep Endpoint) context.Context {
	return context.WithValue(ctx, endpointKey{}, ep)
}

func EndpointFrom(ctx context.Context) (Endpoint, bool) {
	ep, ok := ctx.Value(endpointKey{}).(Endpoint)
	return ep, ok
}

func EndpointFromConfig(cfg *task.APIConfig) Endpoint {
	return Endpoint{
		Name:    cfg.Name,
		BaseURL: normalizeBaseURL(cfg.URL),
		Model:   cfg.ModelName,
		APIKey:  cfg.APIKey,
		Stream:  cfg.UseStream,
		Params:  cfg.OtherParams,
	}
}

type ConfigSource interface {
	GetDefaultAPIConfig(ctx context.Context) (*task.APIConfig, error)
}

// Resolver binds the stored default config to a run's context.
type Resolver struct {
	source ConfigSource
	log    *zap.SugaredLogger
}

func NewResolver(source ConfigSource, log *zap.SugaredLogger) *Resolver {
	return &Resolver{source: source, log: log}
}

// Bind returns ctx carrying the default endpoint. Without a stored default
// ctx is returned unchanged and the client uses its configured endpoint.
func (r *Resolver) Bind(ctx context.Context) (context.Context, error) {
	cfg, err := r.source.GetDefaultAPIConfig(ctx)
	if errors.Is(err, task.ErrNotFound) {
		r.log.Debugw("api_config_fallback")
		return ctx, nil
	}
	if err != nil {
		return ctx, fmt.Errorf("resolve api config: %w", err)
	}

	r.log.Debugw("api_config_resolved", "config_id", cfg.ID, "name", cfg.Name, "model", cfg.ModelName)
	return WithEndpoint(ctx, EndpointFromConfig(cfg)), nil
}
