package task

import "time"

// Progress is a point-in-time snapshot of a running task.
type Progress struct {
	TaskID           string     `json:"task_id"`
	Status           TaskStatus `json:"status"`
	Total            int        `json:"total"`
	Processed        int        `json:"processed"`
	Success          int        `json:"success"`
	Failed           int        `json:"failed"`
	Percent          float64    `json:"percent"`
	RowsPerSecond    float64    `json:"rows_per_second"`
	ElapsedSeconds   float64    `json:"elapsed_seconds"`
	RemainingSeconds float64    `json:"remaining_seconds"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
