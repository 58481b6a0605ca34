/**
 * @description
 * This file sets up the HTTP router for the promo-service using the chi
 * library. It wires the global middleware stack, the health and metrics
 * endpoints, and the versioned API routes with their per-endpoint source-IP
 * allow-lists.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: The HTTP router.
 * - internal/metrics: Prometheus exposition handler.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mbelyco/promo-service/internal/metrics"
)

// RouterConfig carries the per-endpoint access settings.
type RouterConfig struct {
	USSDAllowlist    []string
	WebhookAllowlist []string
}

// NewRouter creates and configures the chi router with all service routes.
func NewRouter(h *Handler, m *metrics.Metrics, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RealIP is deliberately absent: the allow-lists check the socket peer
	// address, and a forwarded-for header must not be able to override it.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", HandleHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(IPAllowlist(cfg.USSDAllowlist, RejectUSSD))
			r.Post("/ussd/handle", h.HandleUSSD)
		})
		r.Group(func(r chi.Router) {
			r.Use(IPAllowlist(cfg.WebhookAllowlist, RejectWebhook))
			r.Post("/webhooks/momo", h.HandleMomoWebhook)
		})
	})

	return r
}
