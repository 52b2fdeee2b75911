package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stridelabs/stride/internal/auth"
)

// NewRouter creates the HTTP router with all routes configured.
// The websocket endpoint authenticates in-band, so it sits outside the
// bearer-token group.
func NewRouter(h *Handler, ws http.HandlerFunc, verifier auth.Verifier) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(verifier))
			r.Post("/goals", h.CreateGoal)
			r.Get("/goals/{id}/status", h.GoalStatus)
		})
	})

	r.Get("/ws", ws)

	return r
}
