package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/bluefxvideo/bluefx-app-sub009/internal/api/middleware"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	WebhookHandler http.HandlerFunc
	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	// Assets serves relayed outputs when storage is the local filesystem.
	Assets http.Handler

	CreateJob http.HandlerFunc
	GetJob    http.HandlerFunc
	JobStatus http.HandlerFunc
	CancelJob http.HandlerFunc
	GetBatch  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
	ListUnclassified http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)

	// The provider cannot authenticate; the webhook handler validates shape
	// and recovers its own panics.
	r.Post(mw.WebhookPath, orNotImplemented(deps.WebhookHandler))

	r.Group(func(r chi.Router) {
		r.Use(mw.Recovery)

		r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
		if deps.MetricsHandler != nil {
			r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
		}
		if deps.Assets != nil {
			r.Method(http.MethodGet, "/assets/*", http.StripPrefix("/assets", deps.Assets))
		}

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)
			r.Use(deps.RateLimit.Limit)

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeRead))
				r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
				r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatus))
				r.Get("/api/v1/batches/{batchID}", orNotImplemented(deps.GetBatch))
			})

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeWrite))
				r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJob))
				r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			})

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeAdmin))
				r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
				r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
				r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
				r.Get("/api/v1/admin/unclassified", orNotImplemented(deps.ListUnclassified))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
