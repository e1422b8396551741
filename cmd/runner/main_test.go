package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/rowpilot/internal/engine"
	"github.com/nadmax/rowpilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedRunner struct {
	mu       sync.Mutex
	statuses []*task.Task
	polls    int
	stops    int
	startErr error
}

func (s *scriptedRunner) Start(ctx context.Context, taskID string) error {
	return s.startErr
}

func (s *scriptedRunner) Stop(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stops++
	s.statuses = append(s.statuses[:0], &task.Task{ID: taskID, Status: task.StatusStopped, TotalCount: 10, ProcessedCount: 2, SuccessCount: 2})
	return nil
}

func (s *scriptedRunner) Status(ctx context.Context, taskID string) (*engine.TaskView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := min(s.polls, len(s.statuses)-1)
	s.polls++
	return &engine.TaskView{Task: s.statuses[idx]}, nil
}

func TestRun_UntilCompleted(t *testing.T) {
	r := &scriptedRunner{statuses: []*task.Task{
		{Status: task.StatusRunning, TotalCount: 2, ProcessedCount: 1, SuccessCount: 1},
		{Status: task.StatusCompleted, TotalCount: 2, ProcessedCount: 2, SuccessCount: 2, ResultPath: "/r/result.csv"},
	}}

	var out bytes.Buffer
	status, err := run(context.Background(), r, "t-1", time.Millisecond, &out, zap.NewNop().Sugar())

	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, status)
	assert.Contains(t, out.String(), "[running] 1/2 processed (1 ok, 0 failed)")
	assert.Contains(t, out.String(), "result: /r/result.csv")
}

func TestRun_StopsOnSignal(t *testing.T) {
	r := &scriptedRunner{statuses: []*task.Task{
		{Status: task.StatusRunning, TotalCount: 10, ProcessedCount: 1, SuccessCount: 1},
	}}

	signals, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	status, err := run(signals, r, "t-1", time.Hour, &out, zap.NewNop().Sugar())

	require.NoError(t, err)
	assert.Equal(t, task.StatusStopped, status)
	assert.Equal(t, 1, r.stops)
}

func TestRun_StartError(t *testing.T) {
	r := &scriptedRunner{startErr: task.ErrAlreadyRunning}

	_, err := run(context.Background(), r, "t-1", time.Millisecond, &bytes.Buffer{}, zap.NewNop().Sugar())

	assert.True(t, errors.Is(err, task.ErrAlreadyRunning))
}
