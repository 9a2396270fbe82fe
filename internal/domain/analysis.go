package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source identifies which path of the mitigation chain produced a result.
type Source string

const (
	SourceAPI      Source = "api"      // direct or batched upstream call
	SourceCache    Source = "cache"    // served from a cache tier
	SourceCV       Source = "cv"       // local frame heuristic
	SourceEstimate Source = "estimate" // historical/time-based estimate
)

// DataQuality reflects how trustworthy a result is, derived from the
// source and, for cache hits, the tier that served it.
type DataQuality string

const (
	QualityExcellent DataQuality = "excellent"
	QualityGood      DataQuality = "good"
	QualityFair      DataQuality = "fair"
	QualityEstimated DataQuality = "estimated"
)

// Confidence buckets for a result.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// AnalysisRequest is a single crowd-analysis request. ImageData carries the
// base64-encoded frame; Prompt is the question asked of the vision API.
type AnalysisRequest struct {
	ImageData string  `json:"image_data"`
	Prompt    string  `json:"prompt,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lng       float64 `json:"lng,omitempty"`
	Priority  string  `json:"priority,omitempty"` // low | medium | high
}

// Fingerprint derives the deterministic cache key for this request.
// Two requests with the same fingerprint are interchangeable.
func (r *AnalysisRequest) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.ImageData))
	h.Write([]byte{0})
	h.Write([]byte(r.Prompt))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// AnalysisResult is the uniform value returned to every caller, regardless
// of which path of the chain produced it.
type AnalysisResult struct {
	PeopleCount     int           `json:"people_count"`
	ConfidenceLevel string        `json:"confidence_level"`
	Source          Source        `json:"source"`
	DataQuality     DataQuality   `json:"data_quality"`
	ResponseTime    time.Duration `json:"response_time"`
	Timestamp       time.Time     `json:"timestamp"`
}

// PlacesResult is the crowd context derived from the places/traffic API
// (or its location-based fallback).
type PlacesResult struct {
	CrowdFactor  float64 `json:"crowd_factor"` // 0-100
	NearbyPlaces int     `json:"nearby_places"`
	BusyPlaces   int     `json:"busy_places"`
	Source       Source  `json:"source"`
	Confidence   string  `json:"confidence"`
}

// CrowdReport is the combined report returned by the crowd-density surface:
// vision count weighted against the places crowd factor.
type CrowdReport struct {
	CrowdLevel      string         `json:"crowd_level"` // MINIMAL..CRITICAL
	PeopleCount     int            `json:"people_count"`
	DensityScore    float64        `json:"density_score"` // 0-100
	AlertStatus     string         `json:"alert_status"`  // normal|caution|warning|emergency
	ConfidenceLevel string         `json:"confidence_level"`
	DataQuality     DataQuality    `json:"data_quality"`
	AnalysisMethod  string         `json:"analysis_method"`
	Video           *AnalysisResult `json:"video_analysis,omitempty"`
	Places          *PlacesResult   `json:"places_analysis,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// CrowdLevelFor maps a density score to the operator-facing crowd level
// and alert status.
func CrowdLevelFor(score float64) (level, alert string) {
	switch {
	case score >= 80:
		return "CRITICAL", "emergency"
	case score >= 60:
		return "HIGH", "warning"
	case score >= 40:
		return "MEDIUM", "caution"
	case score >= 20:
		return "LOW", "normal"
	default:
		return "MINIMAL", "normal"
	}
}

// ConfidenceWeight returns the trust weight of a source when combining
// vision and places data into a density score.
func ConfidenceWeight(s Source) float64 {
	switch s {
	case SourceAPI:
		return 1.0
	case SourceCache:
		return 0.8
	case SourceCV:
		return 0.7
	case SourceEstimate:
		return 0.5
	default:
		return 0.3
	}
}

// ResilienceStatus is the operator snapshot exposed on the status endpoint.
type ResilienceStatus struct {
	EmergencyMode    bool              `json:"emergency_mode"`
	CircuitStates    map[string]string `json:"circuit_states"`
	BlacklistedKeys  []string          `json:"blacklisted_keys"`
	BatchStats       BatchStats        `json:"batch_stats"`
	ConsecutiveFails int               `json:"consecutive_failures"`
}

// BatchStats counts batching activity since startup.
type BatchStats struct {
	TotalRequests   int64 `json:"total_requests"`
	BatchedRequests int64 `json:"batched_requests"`
	CallsSaved      int64 `json:"calls_saved"`
	FailedWindows   int64 `json:"failed_windows"`
}
