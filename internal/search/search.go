// Package search finds requests by free text. Meilisearch serves queries
// while it is healthy; otherwise the request table is scanned directly.
package search

import (
	"context"
	"time"

	"reliefhub/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	LocationText string `json:"locationText"`
	Region       string `json:"region,omitempty"`
	Category     string `json:"category"`
	Urgency      string `json:"urgency"`
	Status       string `json:"status"`
	Snippet      string `json:"snippet"`
}

// Query describes a search request. Empty filters match everything.
type Query struct {
	Text     string
	Status   store.RequestStatus
	Category store.Category
	Urgency  store.Urgency
	// Since keeps requests created at or after this instant.
	Since    time.Time
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RequestRecord is the data we index for a request.
type RequestRecord struct {
	ID             string `json:"id"`
	RequesterName  string `json:"requesterName"`
	LocationText   string `json:"locationText"`
	Region         string `json:"region"`
	Category       string `json:"category"`
	Urgency        string `json:"urgency"`
	UrgencyRank    int    `json:"urgencyRank"`
	Status         string `json:"status"`
	Description    string `json:"description"`
	PeopleAffected int    `json:"peopleAffected"`
	CreatedAt      int64  `json:"createdAt"`
}

func NewRequestRecord(r store.Request) RequestRecord {
	return RequestRecord{
		ID:             r.ID,
		RequesterName:  r.RequesterName,
		LocationText:   r.LocationText,
		Region:         r.Region,
		Category:       string(r.Category),
		Urgency:        r.Urgency.String(),
		UrgencyRank:    int(r.Urgency),
		Status:         string(r.Status),
		Description:    r.Description,
		PeopleAffected: r.PeopleAffected,
		CreatedAt:      r.CreatedAt.Unix(),
	}
}

func resultFromRequest(r store.Request) Result {
	return Result{
		ID:           r.ID,
		LocationText: r.LocationText,
		Region:       r.Region,
		Category:     string(r.Category),
		Urgency:      r.Urgency.String(),
		Status:       string(r.Status),
		Snippet:      snippet(r.Description),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
