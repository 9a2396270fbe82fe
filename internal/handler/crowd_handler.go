package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/observability"
	"github.com/crowdsense/crowdsense-go/internal/service"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Crowd analysis — POST /v1/analyze
// ============================================================

// analyzeHandler runs one frame through the mitigation chain. The chain
// never fails, so this endpoint answers 200 with a possibly degraded
// result; only malformed input is rejected.
func analyzeHandler(predictor *service.Predictor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/analyze")
		defer span.End()

		var req domain.AnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ImageData == "" {
			handleServiceError(w, &domain.ErrValidation{Field: "image_data", Message: "is required"}, logger)
			return
		}
		if req.Prompt == "" {
			req.Prompt = "How many people are clearly visible in this image? Answer with a single number."
		}

		result := predictor.Resolve(ctx, &req)
		span.SetAttributes(
			attribute.String("result.source", string(result.Source)),
			attribute.Int("result.people_count", result.PeopleCount),
		)

		writeJSON(w, http.StatusOK, result)
	}
}

// ============================================================
// Crowd density — GET /v1/crowd-density?lat=&lng=
// ============================================================

func crowdDensityHandler(predictor *service.Predictor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/crowd-density")
		defer span.End()

		lat, err := parseCoord(r, "lat")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		lng, err := parseCoord(r, "lng")
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		report := predictor.GetCrowdDensity(ctx, lat, lng)
		span.SetAttributes(attribute.String("report.crowd_level", report.CrowdLevel))

		writeJSON(w, http.StatusOK, report)
	}
}

// ============================================================
// Resilience introspection
// ============================================================

func resilienceStatusHandler(predictor *service.Predictor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, predictor.Status())
	}
}

func resilienceMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetMitigationSnapshot())
	}
}

// ============================================================
// Analysis history — GET /v1/history?limit=
// ============================================================

func historyHandler(predictor *service.Predictor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/history")
		defer span.End()

		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		entries, err := predictor.History(ctx, limit)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"analyses": entries})
	}
}
