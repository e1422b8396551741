package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/rowpilot/internal/task"
	"github.com/panjf2000/ants/v2"
)

// Run is the process-local state of one task execution.
type Run struct {
	TaskID  string
	Token   *CancelToken
	Tracker *Tracker

	mu     sync.Mutex
	pool   *ants.Pool
	done   chan struct{}
	closed bool
}

func NewRun(taskID string, total int, started time.Time) *Run {
	return &Run{
		TaskID:  taskID,
		Token:   NewCancelToken(),
		Tracker: NewTracker(total, started),
		done:    make(chan struct{}),
	}
}

// Done is closed once the run has finalized and left the registry.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Stop signals cancellation and releases the worker pool. Rows already
// running keep running; blocked submissions return immediately.
func (r *Run) Stop() {
	r.Token.Cancel()

	r.mu.Lock()
	pool := r.pool
	r.mu.Unlock()

	if pool != nil {
		pool.Release()
	}
}

func (r *Run) attachPool(pool *ants.Pool) {
	r.mu.Lock()
	r.pool = pool
	r.mu.Unlock()

	if r.Token.Cancelled() {
		pool.Release()
	}
}

func (r *Run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// Registry maps task ids to their active run. At most one run per task id.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

func (r *Registry) Register(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.TaskID]; exists {
		return fmt.Errorf("%w: %s", task.ErrAlreadyRunning, run.TaskID)
	}

	r.runs[run.TaskID] = run
	return nil
}

func (r *Registry) Get(taskID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[taskID]
	return run, ok
}

// Deregister removes the entry only if it still belongs to run.
func (r *Registry) Deregister(run *Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.runs[run.TaskID]; ok && current == run {
		delete(r.runs, run.TaskID)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.runs)
}

func (r *Registry) Runs() []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	return runs
}
