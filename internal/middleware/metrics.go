// Package middleware provides HTTP middleware for metrics, logging and panic recovery.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/rowpilot/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

var idCollections = []string{"/api/tasks/", "/api/datasets/", "/api/templates/", "/api/configs/", "/api/dashboard/live/"}

var taskActions = map[string]bool{
	"start":   true,
	"stop":    true,
	"logs":    true,
	"result":  true,
	"preview": true,
}

// normalizeEndpoint collapses resource ids so metric label cardinality stays bounded.
func normalizeEndpoint(path string) string {
	for _, prefix := range idCollections {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}

		base := prefix + ":id"
		id, action, nested := strings.Cut(rest, "/")
		switch {
		case id == "":
			return path
		case !nested:
			return base
		case prefix == "/api/tasks/" && taskActions[action]:
			return base + "/" + action
		default:
			return path
		}
	}

	return path
}
