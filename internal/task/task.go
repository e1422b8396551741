// Package task defines the core domain model used by the engine and persistence layers.
// It contains task and row log records, status definitions, the task state machine,
// and serialization helpers.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	LogStatus  string
	Task       struct {
		ID             string     `json:"id"`
		Name           string     `json:"name"`
		DatasetID      string     `json:"dataset_id"`
		Status         TaskStatus `json:"status"`
		TotalCount     int        `json:"total_count"`
		ProcessedCount int        `json:"processed_count"`
		SuccessCount   int        `json:"success_count"`
		ErrorCount     int        `json:"error_count"`
		Concurrency    int        `json:"concurrency"`
		PromptTemplate string     `json:"prompt_template"`
		ImageFields    []string   `json:"image_fields"`
		ResultPath     string     `json:"result_path,omitempty"`
		FailureReason  string     `json:"failure_reason,omitempty"`
		CreatedAt      time.Time  `json:"created_at"`
		StartedAt      *time.Time `json:"started_at,omitempty"`
		CompletedAt    *time.Time `json:"completed_at,omitempty"`
	}
)

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusStopped   TaskStatus = "stopped"
	StatusError     TaskStatus = "error"
)

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// Log is the audit record of one attempted row.
type Log struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	RowIndex     int       `json:"row_index"`
	Status       LogStatus `json:"status"`
	ResponseText string    `json:"response_text,omitempty"`
	TokenCount   int       `json:"token_count"`
	ProcessingMs int64     `json:"processing_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayRow is the 1-based row number shown to humans.
func (l *Log) DisplayRow() int {
	return l.RowIndex + 1
}

type Dataset struct {
	ID        string    `json:"id"`
	FileName  string    `json:"file_name"`
	Fields    []string  `json:"fields"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// APIConfig is a stored model endpoint. At most one config is the default,
// and runs use the default when one exists.
type APIConfig struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	APIKey      string         `json:"api_key,omitempty"`
	ModelName   string         `json:"model_name"`
	OtherParams map[string]any `json:"other_params"`
	UseStream   bool           `json:"use_stream"`
	IsDefault   bool           `json:"is_default"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Redacted returns a copy whose API key only keeps its last four characters.
func (c *APIConfig) Redacted() *APIConfig {
	r := *c
	if n := len(r.APIKey); n > 4 {
		r.APIKey = "****" + r.APIKey[n-4:]
	} else if n > 0 {
		r.APIKey = "****"
	}
	return &r
}

func NewTask(name, datasetID, promptTemplate string, concurrency int, imageFields []string, totalCount int) *Task {
	now := time.Now()
	if name == "" {
		name = DefaultName(now)
	}
	if imageFields == nil {
		imageFields = []string{}
	}

	return &Task{
		ID:             uuid.New().String(),
		Name:           name,
		DatasetID:      datasetID,
		Status:         StatusPending,
		TotalCount:     totalCount,
		Concurrency:    concurrency,
		PromptTemplate: promptTemplate,
		ImageFields:    imageFields,
		CreatedAt:      now,
	}
}

func DefaultName(at time.Time) string {
	return fmt.Sprintf("task_%s", at.Format("20060102150405"))
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving from one status to another.
// Terminal states are absorbing.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, err
	}

	return &task, nil
}
