package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
)

// Recovery answers 500 for panics on the authenticated API and counts them by
// route pattern. The webhook handler recovers on its own and never reaches this.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				route := routePattern(r)
				telemetry.PanicsRecovered.WithLabelValues(route).Inc()

				attrs := []any{
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"route", route,
				}
				if id, ok := GetKeyID(r); ok {
					attrs = append(attrs, "key_id", id)
				}
				slog.Error("panic recovered", attrs...)

				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routePattern keeps the metric label bounded; unmatched paths share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
