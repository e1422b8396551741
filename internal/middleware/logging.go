package middleware

import (
	"net/http"
	"time"

	"github.com/nadmax/rowpilot/internal/httputil"
	"go.uber.org/zap"
)

func Logging(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Infow("request_completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"remote_addr", r.RemoteAddr,
				"duration", time.Since(start),
			)
		})
	}
}

func Recovery(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Errorw("panic_recovered",
						"method", r.Method,
						"path", r.URL.Path,
						"error", err,
					)
					httputil.WriteJSONError(w, "internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
