package search

import (
	"context"
	"sort"
	"strings"

	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

// Scan implements Searcher by reading every request from the store and
// matching normalized text in memory.
type Scan struct {
	store *store.Client
}

func NewScan(client *store.Client) *Scan {
	return &Scan{store: client}
}

// Healthy always returns true; a store outage surfaces as a Search error.
func (s *Scan) Healthy() bool {
	return true
}

// Search keeps requests whose text contains every query term, most urgent
// first and oldest first within an urgency.
func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	requests, err := s.store.ListRequests(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := Select(requests, q)

	total := len(matched)
	offset := q.Offset
	if offset < 0 || offset > total {
		offset = total
	}
	end := offset + clampLimit(q.Limit)
	if end > total {
		end = total
	}
	results := make([]Result, 0, end-offset)
	for _, request := range matched[offset:end] {
		results = append(results, resultFromRequest(request))
	}
	return results, total, nil
}

// Select applies the filters and text terms of q to requests, ignoring
// paging, in search order.
func Select(requests []store.Request, q Query) []store.Request {
	terms := strings.Fields(util.NormalizeText(q.Text))

	matched := make([]store.Request, 0)
	for _, request := range requests {
		if q.Status != "" && request.Status != q.Status {
			continue
		}
		if q.Category != "" && request.Category != q.Category {
			continue
		}
		if q.Urgency != store.UrgencyUnknown && request.Urgency != q.Urgency {
			continue
		}
		if !q.Since.IsZero() && request.CreatedAt.Before(q.Since) {
			continue
		}
		if !containsAll(haystack(request), terms) {
			continue
		}
		matched = append(matched, request)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Urgency != matched[j].Urgency {
			return matched[i].Urgency > matched[j].Urgency
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched
}

func haystack(r store.Request) string {
	return util.NormalizeText(strings.Join([]string{
		r.LocationText,
		r.Region,
		r.Description,
		r.RequesterName,
		string(r.Category),
	}, " "))
}

func containsAll(text string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}

func snippet(description string) string {
	const width = 160
	runes := []rune(strings.TrimSpace(description))
	if len(runes) <= width {
		return string(runes)
	}
	return string(runes[:width]) + "…"
}
