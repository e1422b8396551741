// Package models contains data structures used by the task repository layer.
package models

type TaskStats struct {
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	RowsTotal     int     `json:"rows_total"`
	RowsSucceeded int     `json:"rows_succeeded"`
	RowsFailed    int     `json:"rows_failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
}
