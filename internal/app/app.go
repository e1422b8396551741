// Package app wires configuration into the engine, persistence and
// presentation components shared by the server and runner binaries.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/nadmax/rowpilot/internal/cache"
	"github.com/nadmax/rowpilot/internal/config"
	"github.com/nadmax/rowpilot/internal/dataset"
	"github.com/nadmax/rowpilot/internal/engine"
	"github.com/nadmax/rowpilot/internal/imagefetch"
	"github.com/nadmax/rowpilot/internal/llm"
	"github.com/nadmax/rowpilot/internal/notify"
	"github.com/nadmax/rowpilot/internal/prompt"
	"github.com/nadmax/rowpilot/internal/repository"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

type Cache interface {
	Put(ctx context.Context, p *task.Progress) error
	Get(ctx context.Context, taskID string) (*task.Progress, error)
	All(ctx context.Context) ([]*task.Progress, error)
	Remove(ctx context.Context, taskID string) error
	Close() error
}

type App struct {
	Config       *config.Config
	Repo         *repository.PostgresTaskRepository
	Cache        Cache
	Orchestrator *engine.Orchestrator
}

// New connects to Postgres, applies the schema, connects to Redis when
// enabled and builds the orchestrator. Runs execute on base.
func New(base context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	repo, err := repository.NewPostgresTaskRepository(cfg.Database, log.Named("repository"))
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(base); err != nil {
		_ = repo.Close()
		return nil, err
	}

	var progress Cache = cache.Nop{}
	if cfg.Redis.Enabled {
		pc, err := cache.NewProgressCache(cfg.Redis, log.Named("cache"))
		if err != nil {
			log.Warnw("redis_unavailable", "addr", cfg.Redis.Addr, "error", err)
		} else {
			progress = pc
		}
	}

	engineCfg := engine.Config{
		ResultsDir:     cfg.Storage.ResultsDir,
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		StopGrace:      cfg.Engine.StopGrace,
	}

	loader := dataset.NewLoader(repo, log.Named("dataset"))
	processor := engine.NewRowProcessor(
		prompt.Renderer{},
		imagefetch.NewFetcher(cfg.Images, log.Named("images")),
		llm.NewClient(cfg.LLM, log.Named("llm")),
		repo,
		log.Named("row"),
	)
	eng := engine.NewEngine(
		repo,
		loader,
		processor,
		dataset.NewWriter(log.Named("writer")),
		progress,
		notify.New(cfg.Notify, log.Named("notify")),
		engineCfg,
		log.Named("engine"),
	)
	eng.UseEndpoints(llm.NewResolver(repo, log.Named("llm")))

	orch := engine.NewOrchestrator(base, repo, loader, eng, engine.NewRegistry(), engineCfg, log.Named("orchestrator"))

	return &App{
		Config:       cfg,
		Repo:         repo,
		Cache:        progress,
		Orchestrator: orch,
	}, nil
}

func (a *App) Close() error {
	cacheErr := a.Cache.Close()
	if err := a.Repo.Close(); err != nil {
		return err
	}
	return cacheErr
}
