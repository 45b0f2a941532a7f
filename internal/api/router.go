package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/scanpoll/internal/api/middleware"
	"github.com/kiranshivaraju/scanpoll/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateAnalysis  http.HandlerFunc
	ResumeAnalysis  http.HandlerFunc
	ListAnalyses    http.HandlerFunc
	GetAnalysis     http.HandlerFunc
	AnalysisHistory http.HandlerFunc
	RetryAnalysis   http.HandlerFunc
	AbortAnalysis   http.HandlerFunc
	DownloadResults http.HandlerFunc
	SubmitFeedback  http.HandlerFunc

	ServiceConfig http.HandlerFunc
	GetStudy      http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "No such endpoint", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("read"))

			r.Get("/api/v1/analyses", orNotImplemented(deps.ListAnalyses))
			r.Get("/api/v1/analyses/{jobID}", orNotImplemented(deps.GetAnalysis))
			r.Get("/api/v1/analyses/{jobID}/events", orNotImplemented(deps.AnalysisHistory))
			r.Get("/api/v1/analyses/{jobID}/results", orNotImplemented(deps.DownloadResults))
			r.Get("/api/v1/config", orNotImplemented(deps.ServiceConfig))
			r.Get("/api/v1/studies/{studyID}", orNotImplemented(deps.GetStudy))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("write"))

			r.Post("/api/v1/analyses", orNotImplemented(deps.CreateAnalysis))
			r.Post("/api/v1/analyses/resume", orNotImplemented(deps.ResumeAnalysis))
			r.Post("/api/v1/analyses/{jobID}/retry", orNotImplemented(deps.RetryAnalysis))
			r.Delete("/api/v1/analyses/{jobID}", orNotImplemented(deps.AbortAnalysis))
			r.Post("/api/v1/analyses/{jobID}/feedback", orNotImplemented(deps.SubmitFeedback))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
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
