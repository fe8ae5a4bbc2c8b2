/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/health/*         Liveness and remote reachability
  /api/users/*          Users and their codes
  /api/promocodes/*     Code inspection, redemption, sync repair
  /api/settings         Tunables
  /api/stats            Totals and rates
  /api/notifications/*  Sweep loop control and history
  /metrics              Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. /metrics is
// mounted only when gatherer is non-nil.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/health/remote", h.RemoteHealth)

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.SaveUser)
			r.Put("/{id}/notifications", h.SetNotifications)
			r.Get("/{id}/promo", h.GetPromo)
			r.Post("/{id}/promo", h.IssuePromo)
			r.Get("/{id}/promocodes", h.ListUserPromoCodes)
		})

		// Promo code routes
		r.Route("/promocodes", func(r chi.Router) {
			r.Get("/unsynced", h.ListUnsynced)
			r.Post("/sync", h.SyncUnsynced)
			r.Get("/{code}", h.GetPromoCode)
			r.Post("/{code}/use", h.RedeemPromoCode)
			r.Post("/{code}/sync", h.SyncPromoCode)
			r.Delete("/{code}/remote", h.DeleteRemoteCoupon)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)
		r.Get("/stats", h.GetStats)

		// Notification routes
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/runs", h.ListSweepRuns)
			r.Get("/status", h.NotificationStatus)
			r.Post("/test", h.SendTestNotification)
		})
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
