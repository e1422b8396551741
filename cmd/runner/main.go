// Command runner executes one existing task in the foreground, printing
// progress until the task reaches a terminal status. SIGINT or SIGTERM stops
// the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/rowpilot/internal/app"
	"github.com/nadmax/rowpilot/internal/config"
	"github.com/nadmax/rowpilot/internal/engine"
	"github.com/nadmax/rowpilot/internal/logger"
	"github.com/nadmax/rowpilot/internal/task"
	"go.uber.org/zap"
)

type runner interface {
	Start(ctx context.Context, taskID string) error
	Stop(ctx context.Context, taskID string) error
	Status(ctx context.Context, taskID string) (*engine.TaskView, error)
}

func main() {
	configPath := flag.String("config", os.Getenv("ROWPILOT_CONFIG"), "path to a YAML config file")
	taskID := flag.String("task", "", "id of a pending task to run")
	interval := flag.Duration("interval", 2*time.Second, "progress polling interval")
	flag.Parse()

	if *taskID == "" {
		fmt.Fprintln(os.Stderr, "usage: runner -task <id> [-config file] [-interval 2s]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	zl, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = zl.Sync() }()

	signals, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(context.Background(), cfg, zl.SugaredLogger)
	if err != nil {
		zl.Fatalw("startup_failed", "error", err)
	}

	status, err := run(signals, a.Orchestrator, *taskID, *interval, os.Stdout, zl.Named("runner"))
	if closeErr := a.Close(); closeErr != nil {
		zl.Warnw("close_failed", "error", closeErr)
	}
	if err != nil {
		zl.Errorw("run_failed", "task_id", *taskID, "error", err)
		os.Exit(1)
	}
	if status != task.StatusCompleted {
		os.Exit(1)
	}
}

// run starts the task and polls it until it is terminal. Cancelling signals
// stops the run once; polling continues until the stop is recorded.
func run(signals context.Context, r runner, taskID string, interval time.Duration, out io.Writer, log *zap.SugaredLogger) (task.TaskStatus, error) {
	ctx := context.Background()

	if err := r.Start(ctx, taskID); err != nil {
		return "", err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := signals.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			log.Infow("stop_requested", "task_id", taskID)
			if err := r.Stop(ctx, taskID); err != nil {
				log.Warnw("stop_failed", "task_id", taskID, "error", err)
			}
		case <-ticker.C:
		}

		view, err := r.Status(ctx, taskID)
		if err != nil {
			return "", err
		}

		printProgress(out, view)
		if view.Status.IsTerminal() {
			if view.ResultPath != "" {
				fmt.Fprintf(out, "result: %s\n", view.ResultPath)
			}
			if view.FailureReason != "" {
				fmt.Fprintf(out, "failure: %s\n", view.FailureReason)
			}
			return view.Status, nil
		}
	}
}

func printProgress(out io.Writer, view *engine.TaskView) {
	line := fmt.Sprintf("[%s] %d/%d processed (%d ok, %d failed)",
		view.Status, view.ProcessedCount, view.TotalCount, view.SuccessCount, view.ErrorCount)
	if view.ElapsedText != "" {
		line += fmt.Sprintf(" elapsed %s, remaining %s", view.ElapsedText, view.RemainingText)
	}
	fmt.Fprintln(out, line)
}
