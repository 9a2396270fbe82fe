package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/resilience"

	"go.opentelemetry.io/otel/attribute"
)

const historyTable = "crowd_analyses"

// crowdAnalysisRow maps the Supabase table columns to our domain.
type crowdAnalysisRow struct {
	ID              string `json:"id,omitempty"`
	PeopleCount     int    `json:"people_count"`
	Source          string `json:"source"`
	ConfidenceLevel string `json:"confidence_level"`
	DataQuality     string `json:"data_quality"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// SaveAnalysis archives one analysis result (implements port.HistoryArchiver).
func (c *Client) SaveAnalysis(ctx context.Context, result *domain.AnalysisResult) error {
	ctx, span := tracer.Start(ctx, "Supabase.SaveAnalysis")
	defer span.End()
	span.SetAttributes(attribute.String("crowd.source", string(result.Source)))

	row := crowdAnalysisRow{
		PeopleCount:     result.PeopleCount,
		Source:          string(result.Source),
		ConfidenceLevel: result.ConfidenceLevel,
		DataQuality:     string(result.DataQuality),
		CreatedAt:       result.Timestamp.UTC().Format(time.RFC3339),
	}

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			_, err := c.doRequest(ctx, http.MethodPost, historyTable, []crowdAnalysisRow{row})
			return err
		})
	})
	return err
}

// RecentAnalyses returns the newest archived results, most recent first.
func (c *Client) RecentAnalyses(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "Supabase.RecentAnalyses")
	defer span.End()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var entries []domain.HistoryEntry

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			path := fmt.Sprintf("%s?order=created_at.desc&limit=%d", historyTable, limit)
			body, err := c.doRequest(ctx, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if body == nil {
				entries = nil
				return nil
			}

			var rows []crowdAnalysisRow
			if err := json.Unmarshal(body, &rows); err != nil {
				return fmt.Errorf("decode history rows: %w", err)
			}

			entries = make([]domain.HistoryEntry, 0, len(rows))
			for _, r := range rows {
				createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
				entries = append(entries, domain.HistoryEntry{
					ID:              r.ID,
					PeopleCount:     r.PeopleCount,
					Source:          domain.Source(r.Source),
					ConfidenceLevel: r.ConfidenceLevel,
					DataQuality:     r.DataQuality,
					CreatedAt:       createdAt,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
