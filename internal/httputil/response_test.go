package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nadmax/rowpilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", task.Validationf("concurrency out of range"), http.StatusBadRequest},
		{"invalid transition", task.ErrInvalidTransition, http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: task x", task.ErrNotFound), http.StatusNotFound},
		{"already running", task.ErrAlreadyRunning, http.StatusConflict},
		{"not running", task.ErrNotRunning, http.StatusConflict},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestWriteError_HidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: connection refused"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", body["error"])
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, map[string]int{"count": 3}, http.StatusCreated)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"count":3}`, rec.Body.String())
}
