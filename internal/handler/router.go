package handler

import (
	"net/http"

	"github.com/crowdsense/crowdsense-go/internal/infra/observability"
	"github.com/crowdsense/crowdsense-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(predictor *service.Predictor, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(predictor))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyze", analyzeHandler(predictor, logger))
		r.Get("/crowd-density", crowdDensityHandler(predictor, logger))
		r.Get("/resilience/status", resilienceStatusHandler(predictor))
		r.Get("/resilience/metrics", resilienceMetricsHandler(metrics))
		r.Get("/history", historyHandler(predictor, logger))
	})

	return r
}

// healthzHandler reports overall health from circuit breaker states: any
// open breaker degrades the service, it does not take it down.
func healthzHandler(predictor *service.Predictor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		circuits := map[string]string{}

		if predictor != nil {
			s := predictor.Status()
			circuits = s.CircuitStates
			for _, state := range s.CircuitStates {
				if state != "closed" {
					status = "degraded"
				}
			}
			if s.EmergencyMode {
				status = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":   status,
			"circuits": circuits,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
