// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the service layer
// from concrete upstream clients and fallback implementations.
package port

import (
	"context"

	"github.com/crowdsense/crowdsense-go/internal/domain"
)

// VisionAnalyzer counts people via the upstream vision API. The credential
// is chosen by the key rotator before the call; the implementation only
// performs the wire exchange.
type VisionAnalyzer interface {
	// CountPeople submits one frame with a single prompt.
	CountPeople(ctx context.Context, credential, imageData, prompt string) (int, error)

	// AnalyzeBatch submits several prompts as one multi-part call and
	// returns per-prompt people counts in input order.
	AnalyzeBatch(ctx context.Context, credential string, prompts []string) ([]int, error)
}

// PlacesFetcher derives a crowd factor for a location from the places API.
type PlacesFetcher interface {
	CrowdFactor(ctx context.Context, credential string, lat, lng float64) (*domain.PlacesResult, error)
}

// HistoryArchiver persists analysis results for trend inspection. The
// archive is best-effort: a failed write never affects the caller's result.
type HistoryArchiver interface {
	SaveAnalysis(ctx context.Context, result *domain.AnalysisResult) error
	RecentAnalyses(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}

// Estimator is the non-networked fallback chain. By contract it always
// produces a result and never fails.
type Estimator interface {
	Estimate(ctx context.Context, req *domain.AnalysisRequest) *domain.AnalysisResult

	// EstimatePlaces is the location fallback when the places API is
	// unreachable.
	EstimatePlaces(lat, lng float64) *domain.PlacesResult
}
