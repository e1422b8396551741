package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/rowpilot/internal/api"
	"github.com/nadmax/rowpilot/internal/app"
	"github.com/nadmax/rowpilot/internal/config"
	"github.com/nadmax/rowpilot/internal/dashboard"
	"github.com/nadmax/rowpilot/internal/logger"
	"github.com/nadmax/rowpilot/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", os.Getenv("ROWPILOT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	zl, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	a, err := app.New(runCtx, cfg, zl.SugaredLogger)
	if err != nil {
		zl.Fatalw("startup_failed", "error", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			zl.Errorw("close_failed", "error", err)
		}
	}()

	dash := dashboard.NewDashboard(a.Repo, a.Cache, zl.Named("dashboard"))
	apiHandler := api.NewAPI(a.Orchestrator, a.Repo, dash, api.Options{
		UploadDir:      cfg.Storage.UploadDir,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
	}, zl.Named("api"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.MetricsMiddleware(apiHandler))

	handler := middleware.Recovery(zl.Named("http"))(middleware.Logging(zl.Named("http"))(mux))

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go startMetricsCollector(ctx, a.Repo, zl.Named("metrics"))

	go func() {
		zl.Infow("server_starting", "addr", srv.Addr, "redis", cfg.Redis.Enabled, "notify", cfg.Notify.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatalw("server_failed", "error", err)
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Errorw("server_forced_shutdown", "error", err)
	}

	if err := a.Orchestrator.Shutdown(shutdownCtx); err != nil {
		zl.Errorw("runs_not_drained", "error", err)
		cancelRuns()
	}

	zl.Info("server exited gracefully")
}
