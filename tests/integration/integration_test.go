package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/config"
	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/handler"
	"github.com/crowdsense/crowdsense-go/internal/infra/cache"
	"github.com/crowdsense/crowdsense-go/internal/infra/client"
	"github.com/crowdsense/crowdsense-go/internal/infra/keypool"
	"github.com/crowdsense/crowdsense-go/internal/infra/observability"
	"github.com/crowdsense/crowdsense-go/internal/infra/ratelimit"
	"github.com/crowdsense/crowdsense-go/internal/infra/resilience"
	"github.com/crowdsense/crowdsense-go/internal/service"

	"go.uber.org/zap"
)

// visionStub plays the upstream vision API: the first rateLimited requests
// answer 429, everything after answers a fixed people count.
type visionStub struct {
	mu          sync.Mutex
	requests    int
	rateLimited int
	count       int
}

func (s *visionStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		n := s.requests
		s.mu.Unlock()

		if n <= s.rateLimited {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":"%d"}]}}]}`, s.count)
	}
}

func (s *visionStub) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// buildStack wires the full service against the stub upstreams, the same
// way main does.
func buildStack(visionURL, placesURL string, breakerCooldown time.Duration) http.Handler {
	logger := zap.NewNop()
	cfg := &config.Config{
		HTTPTimeout:        2 * time.Second,
		BatchTimeout:       50 * time.Millisecond,
		CacheFreshTTL:      5 * time.Minute,
		CacheMediumTTL:     15 * time.Minute,
		CacheLongTTL:       time.Hour,
		BreakerMaxFailures: 3,
		BreakerCooldown:    breakerCooldown,
		MaxRetries:         1,
		InitialBackoff:     5 * time.Millisecond,
		MaxConcurrency:     4,
	}
	rcfg := resilience.Config{
		MaxRetries:         cfg.MaxRetries,
		InitialBackoff:     cfg.InitialBackoff,
		MaxConcurrency:     cfg.MaxConcurrency,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerCooldown:    cfg.BreakerCooldown,
	}

	tracker := ratelimit.NewTracker(time.Minute)
	rotator := keypool.NewRotator(tracker, 5*time.Minute)
	var visionKeys []keypool.Key
	for i := 0; i < 4; i++ {
		visionKeys = append(visionKeys, keypool.Key{
			ID:         fmt.Sprintf("vision-%d", i),
			Credential: fmt.Sprintf("vk-%d", i),
		})
	}
	rotator.AddPool("vision", visionKeys, 100)
	rotator.AddPool("places", []keypool.Key{{ID: "places-0", Credential: "pk-0"}}, 100)

	metrics := observability.NewMetrics()
	visionCB := resilience.NewServiceBreaker("vision", rcfg, logger, nil)
	placesCB := resilience.NewServiceBreaker("places", rcfg, logger, nil)
	bulkhead := resilience.NewBulkhead(cfg.MaxConcurrency)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	visionClient := client.NewVisionClient(httpClient, visionURL, visionCB, bulkhead, rcfg)
	placesClient := client.NewPlacesClient(httpClient, placesURL, placesCB, rcfg)

	resultCache := cache.New[*domain.AnalysisResult](cfg.CacheFreshTTL, cfg.CacheMediumTTL, cfg.CacheLongTTL)
	estimator := service.NewEstimator(resultCache, logger)

	predictor := service.NewPredictor(cfg, visionClient, placesClient, estimator,
		resultCache, rotator, tracker, visionCB, placesCB, metrics, logger)

	return handler.NewRouter(predictor, metrics, logger)
}

func postAnalyze(t *testing.T, router http.Handler, frame string) *domain.AnalysisResult {
	t.Helper()

	body := fmt.Sprintf(`{"image_data":%q,"prompt":"How many people are visible?"}`, frame)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("analyze returned %d: %s", rec.Code, rec.Body.String())
	}
	var res domain.AnalysisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode analyze response: %v", err)
	}
	return &res
}

// TestIntegration_RateLimitStormAndRecovery drives the whole chain through
// an upstream rate-limit storm: three 429s blacklist three keys and open
// the breaker, every caller still gets an answer, and after the cooldown
// the chain recovers end to end with a real count.
func TestIntegration_RateLimitStormAndRecovery(t *testing.T) {
	stub := &visionStub{rateLimited: 3, count: 15}
	visionServer := httptest.NewServer(stub.handler())
	defer visionServer.Close()

	placesServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"rating":4.5},{"rating":4.2},{"rating":3.1},{"rating":2.8}]}`)
	}))
	defer placesServer.Close()

	router := buildStack(visionServer.URL, placesServer.URL, 100*time.Millisecond)

	// Three distinct frames hit the 429 wall; each still gets a degraded
	// answer instead of an error.
	for i := 1; i <= 3; i++ {
		res := postAnalyze(t, router, fmt.Sprintf("frame-%d!", i))
		if res.Source == domain.SourceAPI {
			t.Fatalf("call %d: rate-limited upstream must not yield an api result", i)
		}
		if res.PeopleCount < 1 {
			t.Fatalf("call %d: got empty result %+v", i, res)
		}
	}
	if got := stub.requestCount(); got != 3 {
		t.Fatalf("expected 3 upstream requests, got %d", got)
	}

	// The storm's footprint is visible on the status endpoint.
	statusReq := httptest.NewRequest(http.MethodGet, "/v1/resilience/status", nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)
	var status domain.ResilienceStatus
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.CircuitStates["vision"] != "open" {
		t.Errorf("expected open vision circuit, got %s", status.CircuitStates["vision"])
	}
	if len(status.BlacklistedKeys) != 3 {
		t.Errorf("expected 3 blacklisted keys, got %v", status.BlacklistedKeys)
	}

	// While the circuit is open nothing reaches the upstream.
	res := postAnalyze(t, router, "frame-while-open!")
	if res.Source == domain.SourceAPI {
		t.Fatal("open circuit must not yield an api result")
	}
	if got := stub.requestCount(); got != 3 {
		t.Fatalf("open circuit must short-circuit, upstream requests went to %d", got)
	}

	// Past the cooldown the half-open probe succeeds on the remaining key.
	time.Sleep(120 * time.Millisecond)
	res = postAnalyze(t, router, "frame-recovered!")
	if res.Source != domain.SourceAPI {
		t.Fatalf("expected api source after recovery, got %s", res.Source)
	}
	if res.PeopleCount != 15 {
		t.Errorf("expected count 15 after recovery, got %d", res.PeopleCount)
	}

	// Same frame again: served from cache without another upstream trip.
	before := stub.requestCount()
	res = postAnalyze(t, router, "frame-recovered!")
	if res.Source != domain.SourceCache {
		t.Errorf("expected cache source on repeat, got %s", res.Source)
	}
	if stub.requestCount() != before {
		t.Errorf("repeat frame must not reach the upstream")
	}

	// The combined report blends the fresh analysis with places data:
	// 2 of 4 nearby places are busy, so the factor is 50.
	densityReq := httptest.NewRequest(http.MethodGet, "/v1/crowd-density?lat=-23.56&lng=-46.65", nil)
	densityRec := httptest.NewRecorder()
	router.ServeHTTP(densityRec, densityReq)
	if densityRec.Code != http.StatusOK {
		t.Fatalf("crowd-density returned %d: %s", densityRec.Code, densityRec.Body.String())
	}
	var report domain.CrowdReport
	if err := json.Unmarshal(densityRec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.PeopleCount != 15 {
		t.Errorf("expected people count 15 in report, got %d", report.PeopleCount)
	}
	if report.Places == nil || report.Places.CrowdFactor != 50 {
		t.Errorf("expected places factor 50, got %+v", report.Places)
	}
	if report.CrowdLevel == "" || report.AlertStatus == "" {
		t.Error("report must carry a level and alert status")
	}
}

// TestIntegration_HealthyPath is the sunny-day flow: one upstream call,
// an excellent-quality result, and a healthy status surface.
func TestIntegration_HealthyPath(t *testing.T) {
	stub := &visionStub{count: 8}
	visionServer := httptest.NewServer(stub.handler())
	defer visionServer.Close()

	placesServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"rating":4.8}]}`)
	}))
	defer placesServer.Close()

	router := buildStack(visionServer.URL, placesServer.URL, time.Minute)

	res := postAnalyze(t, router, "sunny-frame!")
	if res.Source != domain.SourceAPI {
		t.Fatalf("expected api source, got %s", res.Source)
	}
	if res.PeopleCount != 8 {
		t.Errorf("expected count 8, got %d", res.PeopleCount)
	}
	if res.DataQuality != domain.QualityExcellent {
		t.Errorf("expected excellent quality, got %s", res.DataQuality)
	}

	healthReq := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthRec := httptest.NewRecorder()
	router.ServeHTTP(healthRec, healthReq)
	if healthRec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", healthRec.Code)
	}
	if !strings.Contains(healthRec.Body.String(), `"healthy"`) {
		t.Errorf("expected healthy status, got %s", healthRec.Body.String())
	}
}
