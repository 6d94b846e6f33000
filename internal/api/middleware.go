package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
)

// RequestLogger logs one line per request through logger, tagged with the
// chi request id.
func RequestLogger(logger hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				args := []interface{}{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"took", time.Since(started).Round(time.Microsecond),
				}
				if id := middleware.GetReqID(r.Context()); id != "" {
					args = append(args, "request_id", id)
				}

				// Health checks and scrapes are noise at info
				if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
					logger.Trace("request", args...)
					return
				}
				logger.Info("request", args...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
