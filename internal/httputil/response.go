// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nadmax/rowpilot/internal/task"
)

func WriteJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrAlreadyRunning), errors.Is(err, task.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err with the status matching its kind. Internal errors
// are not echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	WriteJSONError(w, message, status)
}
