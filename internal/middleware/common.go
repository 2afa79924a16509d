package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// Logging provides structured request logging for the admin API
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.NewString()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			wrapped.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(wrapped, r)

			entry := log.RequestLogger(requestID, r.Method).WithFields(map[string]interface{}{
				"path":          r.URL.Path,
				"remote_addr":   r.RemoteAddr,
				"status_code":   wrapped.statusCode,
				"duration_ms":   time.Since(start).Milliseconds(),
				"response_size": wrapped.size,
			})

			switch {
			case wrapped.statusCode >= 500:
				entry.Error("Admin request completed with error")
			case wrapped.statusCode >= 400:
				entry.Warn("Admin request completed with warning")
			default:
				entry.Info("Admin request completed")
			}
		})
	}
}

// Recovery provides panic recovery with logging
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"path":   r.URL.Path,
						"method": r.Method,
						"panic":  err,
					}).Error("Panic recovered in admin handler")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
