/**
 * @description
 * HTTP router setup for the accrual-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers accrual and ledger routes.
func NewRouter(h *Handler, internalKey string, jwtSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Accrual service is healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		// runs carry their own deadline
		r.Post("/accrual/runs", h.handleRunAccrual)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/accrual/reviews", h.handleListReviews)
			r.Post("/ledger/users/{userID}/entries", h.handleApplyDelta)
			r.Get("/ledger/users/{userID}", h.handleGetPortfolioInternal)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(UserAuthMiddleware(jwtSecret))
		r.Get("/me/investments", h.handleGetMyPortfolio)
	})

	return r
}
