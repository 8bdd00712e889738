package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reliefhub/api/internal/coordinator"
	"reliefhub/api/internal/search"
	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
)

// Service is what the HTTP layer talks to: the coordinator's commands and
// reads plus search and startup housekeeping.
type Service struct {
	*coordinator.Coordinator
	search *search.Service
}

func New(coord *coordinator.Coordinator, searchService *search.Service) *Service {
	if searchService == nil {
		searchService = search.NewService(nil, search.NewScan(coord.Store()))
	}
	return &Service{Coordinator: coord, search: searchService}
}

// Bootstrap rebuilds derived state from the store: the statistics and the
// search index. A failure leaves the service usable with stale statistics.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.RebuildStats(ctx); err != nil {
		return err
	}
	s.search.ReindexAll(ctx, s.Store())
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.Store().Ping(ctx)
}

// RebuildStats replaces the running aggregates with a replay of the store.
func (s *Service) RebuildStats(ctx context.Context) (stats.Snapshot, error) {
	if err := s.Stats().Rebuild(ctx, s.Store()); err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return stats.Snapshot{}, fmt.Errorf("%w: rebuild stats: %w", coordinator.ErrServiceDegraded, err)
		}
		return stats.Snapshot{}, err
	}
	snapshot := s.Stats().Snapshot()
	log.Printf("stats: rebuilt from %d records", snapshot.Applied)
	return snapshot, nil
}

type SearchInput struct {
	Text     string
	Status   string
	Category string
	Urgency  string
	// Since is a window such as "6h" or "7d", or an RFC 3339 timestamp.
	Since    string
	Limit    int
	Offset   int
}

func (s *Service) SearchRequests(ctx context.Context, input SearchInput) (search.Response, error) {
	query, err := buildQuery(input, time.Now())
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, query), nil
}

// ExportRequests returns every request matching the filters of input, in
// search order and without paging.
func (s *Service) ExportRequests(ctx context.Context, input SearchInput) ([]store.Request, error) {
	query, err := buildQuery(input, time.Now())
	if err != nil {
		return nil, err
	}
	requests, err := s.ListRequests(ctx, "")
	if err != nil {
		return nil, err
	}
	return search.Select(requests, query), nil
}

func buildQuery(input SearchInput, now time.Time) (search.Query, error) {
	query := search.Query{Text: strings.TrimSpace(input.Text), Limit: input.Limit, Offset: input.Offset}
	if input.Status != "" {
		status := store.RequestStatus(strings.ToLower(strings.TrimSpace(input.Status)))
		if !status.Valid() {
			return search.Query{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", map[string]any{"status": input.Status})
		}
		query.Status = status
	}
	if input.Category != "" {
		category, ok := store.ParseCategory(input.Category)
		if !ok {
			return search.Query{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown category", map[string]any{"category": input.Category})
		}
		query.Category = category
	}
	if input.Urgency != "" {
		urgency, err := store.ParseUrgency(input.Urgency)
		if err != nil {
			return search.Query{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown urgency", map[string]any{"urgency": input.Urgency})
		}
		query.Urgency = urgency
	}
	if input.Since != "" {
		since, err := parseSince(input.Since, now)
		if err != nil {
			return search.Query{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"since": input.Since})
		}
		query.Since = since
	}
	return query, nil
}

// parseSince accepts a look-back window ("30m", "24h", "7d") or an RFC 3339
// timestamp.
func parseSince(value string, now time.Time) (time.Time, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if ts, err := time.Parse(time.RFC3339, strings.ToUpper(value)); err == nil {
		return ts, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return time.Time{}, errors.New("since must be a positive window like 7d")
		}
		return now.AddDate(0, 0, -n), nil
	}
	window, err := time.ParseDuration(value)
	if err != nil || window <= 0 {
		return time.Time{}, errors.New("since must be a window like 6h or 7d, or an RFC 3339 time")
	}
	return now.Add(-window), nil
}
