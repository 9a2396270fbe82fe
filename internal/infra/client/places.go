package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

// searchRadiusMeters bounds the nearby-place query around the venue.
const searchRadiusMeters = 500

type placesResponse struct {
	Results []struct {
		Rating float64 `json:"rating"`
	} `json:"results"`
}

// PlacesClient derives a crowd factor for a location from the places API:
// the share of nearby places rated above 4.0, scaled to 0-100.
// It has its own circuit breaker and quota counters, independent from the
// vision API.
type PlacesClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewPlacesClient creates a new PlacesClient.
func NewPlacesClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *PlacesClient {
	return &PlacesClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
}

// CrowdFactor queries nearby places and converts them into crowd context.
func (c *PlacesClient) CrowdFactor(ctx context.Context, credential string, lat, lng float64) (*domain.PlacesResult, error) {
	ctx, span := tracer.Start(ctx, "PlacesClient.CrowdFactor")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("crowd.lat", lat),
		attribute.Float64("crowd.lng", lng),
	)

	var placesResp placesResponse

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			url := fmt.Sprintf("%s?location=%f,%f&radius=%d&key=%s",
				c.baseURL, lat, lng, searchRadiusMeters, credential)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests {
				return &domain.ErrRateLimited{Service: "places"}
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("places API returned status %d", resp.StatusCode)
			}

			return json.NewDecoder(resp.Body).Decode(&placesResp)
		})
	})
	if err != nil {
		return nil, err
	}

	total := len(placesResp.Results)
	busy := 0
	for _, p := range placesResp.Results {
		if p.Rating > 4.0 {
			busy++
		}
	}

	factor := 0.0
	if total > 0 {
		factor = float64(busy) / float64(total) * 100
		if factor > 100 {
			factor = 100
		}
	}

	return &domain.PlacesResult{
		CrowdFactor:  factor,
		NearbyPlaces: total,
		BusyPlaces:   busy,
		Source:       domain.SourceAPI,
		Confidence:   domain.ConfidenceHigh,
	}, nil
}
