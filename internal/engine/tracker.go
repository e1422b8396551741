package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/rowpilot/internal/task"
)

// Counts is a consistent view of a run's row counters.
type Counts struct {
	Total     int
	Processed int
	Success   int
	Failed    int
}

// Tracker accumulates row outcomes for one run. The engine's collector is the
// only writer; status readers take snapshots concurrently.
type Tracker struct {
	mu      sync.Mutex
	counts  Counts
	started time.Time
	now     func() time.Time
}

func NewTracker(total int, started time.Time) *Tracker {
	return &Tracker{
		counts:  Counts{Total: total},
		started: started,
		now:     time.Now,
	}
}

func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts.Total = total
}

// Record counts one finished row and returns the updated counters.
func (t *Tracker) Record(success bool) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts.Processed++
	if success {
		t.counts.Success++
	} else {
		t.counts.Failed++
	}
	return t.counts
}

func (t *Tracker) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts
}

func (t *Tracker) Elapsed() time.Duration {
	return t.now().Sub(t.started)
}

// Progress builds a snapshot for the live progress cache.
func (t *Tracker) Progress(taskID string, status task.TaskStatus) *task.Progress {
	c := t.Counts()
	now := t.now()
	elapsed := now.Sub(t.started)

	p := &task.Progress{
		TaskID:         taskID,
		Status:         status,
		Total:          c.Total,
		Processed:      c.Processed,
		Success:        c.Success,
		Failed:         c.Failed,
		ElapsedSeconds: elapsed.Seconds(),
		UpdatedAt:      now,
	}
	if c.Total > 0 {
		p.Percent = float64(c.Processed) * 100 / float64(c.Total)
	}
	if rate := Rate(c.Processed, elapsed); rate > 0 {
		p.RowsPerSecond = rate
		p.RemainingSeconds = Remaining(c.Total, c.Processed, elapsed).Seconds()
	}
	return p
}

// Rate is the observed throughput in rows per second.
func Rate(processed int, elapsed time.Duration) float64 {
	if processed <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed.Seconds()
}

// Remaining estimates the time left from the observed throughput.
func Remaining(total, processed int, elapsed time.Duration) time.Duration {
	rate := Rate(processed, elapsed)
	left := total - processed
	if rate <= 0 || left <= 0 {
		return 0
	}
	return time.Duration(float64(left) / rate * float64(time.Second))
}

// FormatDuration renders d as "1h 5m", "5m 3s" or "42s".
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	hours, rest := secs/3600, secs%3600
	minutes, seconds := rest/60, rest%60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
