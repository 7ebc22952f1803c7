package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/health"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/middleware"
)

// NewRouter creates a chi router with all saga service routes registered.
func NewRouter(
	sagaHandler *SagaHandler,
	healthHandler *health.Handler,
	logger *slog.Logger,
	pprofAllowedCIDRs []string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware. RequestLogging sets the correlation id and access
	// log; RequestLogger builds the request-scoped logger after Tracing has
	// opened the span.
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("saga"))
	r.Use(middleware.Tracing("saga"))
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Profiling endpoints, restricted to the allowlisted networks.
	middleware.RegisterPprof(r, pprofAllowedCIDRs, logger)

	// Saga API endpoints
	r.Route("/api/v1/sagas", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/checkout", sagaHandler.ExecuteCheckout)
		r.Get("/", sagaHandler.ListSagas)
		r.Get("/{id}", sagaHandler.GetSaga)
	})

	return r
}

// ContentTypeJSON sets the response content type for API routes.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
