package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router exposing the session lifecycle.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if a.Metrics != nil {
		r.Use(HTTPMetricsMiddleware(a.Metrics.MeterProvider(), a.Metrics.Namespace(), a.Logger))
		r.Method(http.MethodGet, a.Config.Metrics.Path, a.Metrics.Handler())
	}

	r.Get("/healthz", a.handleHealth)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.handleCreateSession)
		r.Get("/{id}", a.handleGetSession)
		r.Patch("/{id}", a.handleUpdateSession)
		r.Delete("/{id}", a.handleDeleteSession)
		r.Post("/{id}/complete", a.handleCompleteSession)
		r.Post("/{id}/crossdevice", a.handleCrossDevice)
	})
	r.Get("/containers/{id}", a.handleContainer)

	return r
}
