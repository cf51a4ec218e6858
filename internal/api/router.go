package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carebridge/care-linking/internal/linking"
)

type RouterConfig struct {
	Service *linking.Service
	Health  *HealthHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	r.Post("/link-requests", submitHandler(cfg.Service))
	r.Get("/link-requests/{id}", getRequestHandler(cfg.Service))
	r.Post("/link-requests/{id}/resolve", resolveHandler(cfg.Service))

	r.Get("/doctors/{id}/link-requests", doctorPendingRequestsHandler(cfg.Service))
	r.Get("/doctors/{id}/links", doctorLinksHandler(cfg.Service))
	r.Get("/doctors/{id}/stats", statsHandler(cfg.Service))

	r.Get("/requesters/{id}/link-requests", requesterRequestsHandler(cfg.Service))
	r.Get("/patients/{id}/links", patientLinksHandler(cfg.Service))

	return r
}
