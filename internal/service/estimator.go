package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/jpeg" // frame decoding for the local heuristic
	_ "image/png"
	"math/rand"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/cache"

	"go.uber.org/zap"
)

// estimateCap bounds every local estimate to a plausible venue crowd.
const estimateCap = 35

// Estimator is the non-networked fallback chain. Links are tried in order;
// the last one cannot fail, so Estimate always returns a result.
type Estimator struct {
	cache  *cache.MultiLevel[*domain.AnalysisResult]
	logger *zap.Logger

	now func() time.Time
}

// NewEstimator creates the fallback estimator. The cache is the same
// multi-level cache the orchestrator writes upstream results into.
func NewEstimator(c *cache.MultiLevel[*domain.AnalysisResult], logger *zap.Logger) *Estimator {
	return &Estimator{
		cache:  c,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Estimate produces a crowd count without touching the network.
// Chain: recent cached data with time-decayed confidence, then a local
// frame heuristic when raw image bytes are present, then a time-of-day
// baseline that never fails.
func (e *Estimator) Estimate(_ context.Context, req *domain.AnalysisRequest) *domain.AnalysisResult {
	if res, ok := e.fromRecentCache(); ok {
		return res
	}
	if req != nil && req.ImageData != "" {
		if res, ok := e.fromFrameHeuristic(req.ImageData); ok {
			return res
		}
	}
	return e.fromBaseline()
}

// fromRecentCache reuses the newest cached result for any fingerprint,
// decaying its confidence with age.
func (e *Estimator) fromRecentCache() (*domain.AnalysisResult, bool) {
	cached, age, ok := e.cache.Newest()
	if !ok {
		return nil, false
	}

	confidence := domain.ConfidenceMedium
	quality := domain.QualityFair
	if age > 15*time.Minute {
		confidence = domain.ConfidenceLow
		quality = domain.QualityEstimated
	}

	return &domain.AnalysisResult{
		PeopleCount:     cached.PeopleCount,
		ConfidenceLevel: confidence,
		Source:          domain.SourceCache,
		DataQuality:     quality,
		Timestamp:       e.now(),
	}, true
}

// fromFrameHeuristic estimates the count from the dark-pixel ratio of the
// frame. Crude, but it tracks real occupancy well enough to bridge an
// upstream outage.
func (e *Estimator) fromFrameHeuristic(imageData string) (*domain.AnalysisResult, bool) {
	raw, err := base64.StdEncoding.DecodeString(imageData)
	if err != nil {
		return nil, false
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}

	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return nil, false
	}

	dark := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// Rec. 601 luma on 16-bit channels, dark below ~20%.
			luma := (299*r + 587*g + 114*b) / 1000
			if luma < 0x3333 {
				dark++
			}
		}
	}

	ratio := float64(dark) / float64(total)
	var count int
	switch {
	case ratio > 0.3:
		count = min(int(ratio*25), 30)
	case ratio > 0.15:
		count = min(int(ratio*15), 20)
	default:
		count = min(int(ratio*10), 10)
	}
	if count < 1 {
		count = 1
	}

	return &domain.AnalysisResult{
		PeopleCount:     count,
		ConfidenceLevel: domain.ConfidenceMedium,
		Source:          domain.SourceCV,
		DataQuality:     domain.QualityFair,
		Timestamp:       e.now(),
	}, true
}

// fromBaseline is the last resort: a time-of-day occupancy table with
// bounded jitter. It cannot fail.
func (e *Estimator) fromBaseline() *domain.AnalysisResult {
	var base int
	switch hour := e.now().Hour(); {
	case hour >= 9 && hour <= 11: // morning peak
		base = 15
	case hour >= 12 && hour <= 14: // lunch peak
		base = 20
	case hour >= 17 && hour <= 19: // evening peak
		base = 25
	case hour >= 20 && hour <= 22: // night events
		base = 18
	default:
		base = 8
	}

	count := base + rand.Intn(9) - 3 // [-3, +5]
	if count < 1 {
		count = 1
	}
	if count > estimateCap {
		count = estimateCap
	}

	return &domain.AnalysisResult{
		PeopleCount:     count,
		ConfidenceLevel: domain.ConfidenceLow,
		Source:          domain.SourceEstimate,
		DataQuality:     domain.QualityEstimated,
		Timestamp:       e.now(),
	}
}

// EstimatePlaces is the location fallback for the places API: a crowd
// factor from time-of-day and weekend patterns.
func (e *Estimator) EstimatePlaces(_ float64, _ float64) *domain.PlacesResult {
	now := e.now()

	base := 30.0
	switch hour := now.Hour(); {
	case hour >= 12 && hour <= 14, hour >= 17 && hour <= 19:
		base = 65
	case hour >= 9 && hour <= 11, hour >= 20 && hour <= 22:
		base = 50
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		base *= 1.1
	}
	if base > 100 {
		base = 100
	}

	return &domain.PlacesResult{
		CrowdFactor: base,
		Source:      domain.SourceEstimate,
		Confidence:  domain.ConfidenceLow,
	}
}
