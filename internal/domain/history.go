package domain

import "time"

// HistoryEntry is one archived analysis result. The archive backs the
// history endpoint and gives operators a trail of how often the service
// ran degraded.
type HistoryEntry struct {
	ID              string    `json:"id,omitempty"`
	PeopleCount     int       `json:"people_count"`
	Source          Source    `json:"source"`
	ConfidenceLevel string    `json:"confidence_level"`
	DataQuality     string    `json:"data_quality"`
	CreatedAt       time.Time `json:"created_at"`
}
