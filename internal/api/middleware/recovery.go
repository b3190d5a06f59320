package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/avelier/scanforge/internal/api/response"
)

// Recovery converts a handler panic into a 500 envelope so one bad request
// cannot take down the orchestrator while jobs are running.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("panic recovered",
					"panic", v,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
