package coordinator

import (
	"context"
	"strings"

	"reliefhub/api/internal/match"
	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

type SubmitRequestInput struct {
	RequesterName        string             `json:"requesterName"`
	Phone                string             `json:"phone"`
	LocationText         string             `json:"locationText"`
	Location             *store.Coordinates `json:"location"`
	Region               string             `json:"region"`
	Category             string             `json:"category"`
	RequiredCapabilities []string           `json:"requiredCapabilities"`
	Urgency              string             `json:"urgency"`
	PeopleAffected       int                `json:"peopleAffected"`
	Description          string             `json:"description"`
}

// SubmitRequest stores a new open request. A location that cannot be
// geocoded leaves the request unresolved; submission still succeeds.
func (c *Coordinator) SubmitRequest(ctx context.Context, input SubmitRequestInput) (store.Request, error) {
	if strings.TrimSpace(input.RequesterName) == "" {
		return store.Request{}, invalid("requesterName", "full name is required")
	}
	if !validPhone(input.Phone) {
		return store.Request{}, invalid("phone", "must contain at least 10 digits")
	}
	locationText := strings.TrimSpace(input.LocationText)
	if locationText == "" && input.Location == nil {
		return store.Request{}, invalid("locationText", "a location description or coordinates are required")
	}
	if input.Location != nil && !input.Location.Valid() {
		return store.Request{}, invalid("location", "coordinates out of range")
	}
	urgency, err := store.ParseUrgency(input.Urgency)
	if err != nil {
		return store.Request{}, invalid("urgency", "must be one of critical, high, medium, low")
	}
	category, ok := store.ParseCategory(input.Category)
	if !ok {
		return store.Request{}, invalid("category", "unknown category %q", input.Category)
	}
	if input.PeopleAffected < 0 {
		return store.Request{}, invalid("peopleAffected", "must not be negative")
	}
	capabilities := util.NormalizeTags(input.RequiredCapabilities)
	if len(capabilities) == 0 {
		capabilities = category.DefaultCapabilities()
	}

	location := input.Location
	if location == nil && c.geocoder != nil {
		location = c.geocoder.Resolve(ctx, locationText).Location()
	}

	now := c.now()
	request := store.Request{
		ID:                   util.NewID("req"),
		RequesterName:        strings.TrimSpace(input.RequesterName),
		Phone:                strings.TrimSpace(input.Phone),
		LocationText:         locationText,
		Location:             location,
		Region:               util.NormalizeText(input.Region),
		Category:             category,
		RequiredCapabilities: capabilities,
		Urgency:              urgency,
		PeopleAffected:       input.PeopleAffected,
		Description:          strings.TrimSpace(input.Description),
		Status:               store.RequestOpen,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	return execute(ctx, c, "submit request", func(ctx context.Context) (plan[store.Request], error) {
		batch := &store.Batch{}
		batch.PutRequest(request)
		stored := committedRequest(request)
		return plan[store.Request]{
			batch:  batch,
			delta:  stats.Delta{Kind: stats.KindRequestSubmitted, Request: &stats.Change[store.Request]{After: stored}},
			result: *stored,
			anchor: requestAnchor(*stored),
		}, nil
	})
}

// RelocateRequest asks the geocoder again for an unresolved or misplaced
// request, bypassing the cache. It never moves a request to unresolved.
func (c *Coordinator) RelocateRequest(ctx context.Context, requestID string) (store.Request, error) {
	if c.geocoder == nil {
		return store.Request{}, invalid("location", "geocoding is not configured")
	}
	current, err := c.GetRequest(ctx, requestID)
	if err != nil {
		return store.Request{}, err
	}
	if current.LocationText == "" {
		return current, nil
	}
	location := c.geocoder.Refresh(ctx, current.LocationText).Location()
	if location == nil {
		return current, nil
	}

	return execute(ctx, c, "relocate request", func(ctx context.Context) (plan[store.Request], error) {
		request, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return plan[store.Request]{}, err
		}
		if request.Location != nil && *request.Location == *location {
			return noop(request), nil
		}
		next := request
		next.Location = location
		next.UpdatedAt = c.now()

		batch := &store.Batch{}
		batch.PutRequest(next)
		stored := committedRequest(next)
		return plan[store.Request]{
			batch:  batch,
			delta:  stats.Delta{Kind: stats.KindRequestRelocated, Request: &stats.Change[store.Request]{Before: &request, After: stored}},
			result: *stored,
			anchor: requestAnchor(*stored),
		}, nil
	})
}

// CancelRequest is terminal. An active assignment is declined and its
// volunteer's capacity slot released in the same commit.
func (c *Coordinator) CancelRequest(ctx context.Context, requestID string) (store.Request, error) {
	return execute(ctx, c, "cancel request", func(ctx context.Context) (plan[store.Request], error) {
		request, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return plan[store.Request]{}, err
		}
		if request.Status == store.RequestCancelled {
			return noop(request), nil
		}
		if !request.Status.CanTransition(store.RequestCancelled) {
			return plan[store.Request]{}, invalid("request", "a %s request cannot be cancelled", request.Status)
		}

		now := c.now()
		next := request
		next.Status = store.RequestCancelled
		next.ActiveAssignmentID = ""
		next.UpdatedAt = now

		batch := &store.Batch{}
		batch.PutRequest(next)
		stored := committedRequest(next)
		delta := stats.Delta{Kind: stats.KindRequestCancelled, Request: &stats.Change[store.Request]{Before: &request, After: stored}}

		if request.ActiveAssignmentID != "" {
			assignment, err := c.store.GetAssignment(ctx, request.ActiveAssignmentID)
			if err != nil {
				return plan[store.Request]{}, err
			}
			if assignment.Status.Active() {
				volunteer, err := c.store.GetVolunteer(ctx, assignment.VolunteerID)
				if err != nil {
					return plan[store.Request]{}, err
				}
				nextAssignment := assignment
				nextAssignment.Status = store.AssignmentDeclined
				nextAssignment.ResolvedAt = &now
				nextVolunteer := releaseSlot(volunteer, now)

				batch.PutAssignment(nextAssignment)
				batch.PutVolunteer(nextVolunteer)
				delta.Assignment = &stats.Change[store.Assignment]{Before: &assignment, After: committedAssignment(nextAssignment)}
				delta.Volunteers = []stats.Change[store.Volunteer]{{Before: &volunteer, After: committedVolunteer(nextVolunteer)}}
			}
		}

		return plan[store.Request]{batch: batch, delta: delta, result: *stored, anchor: requestAnchor(*stored)}, nil
	})
}

func (c *Coordinator) GetRequest(ctx context.Context, requestID string) (store.Request, error) {
	return read(ctx, c, "get request", func(ctx context.Context) (store.Request, error) {
		return c.store.GetRequest(ctx, requestID)
	})
}

// ListRequests returns requests in creation order, optionally only those in
// status.
func (c *Coordinator) ListRequests(ctx context.Context, status store.RequestStatus) ([]store.Request, error) {
	if status != "" && !status.Valid() {
		return nil, invalid("status", "unknown status %q", status)
	}
	requests, err := read(ctx, c, "list requests", c.store.ListRequests)
	if err != nil || status == "" {
		return requests, err
	}
	filtered := make([]store.Request, 0, len(requests))
	for _, request := range requests {
		if request.Status == status {
			filtered = append(filtered, request)
		}
	}
	return filtered, nil
}

// Queue is the dispatch order of open requests.
func (c *Coordinator) Queue(ctx context.Context) ([]store.Request, error) {
	requests, err := read(ctx, c, "queue", c.store.ListRequests)
	if err != nil {
		return nil, err
	}
	return c.engine.Queue(requests), nil
}

// Propose ranks volunteers for an open request without committing anything.
func (c *Coordinator) Propose(ctx context.Context, requestID string, opts match.Options) ([]match.Candidate, error) {
	request, err := c.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != store.RequestOpen {
		return nil, invalid("request", "only open requests take proposals, this one is %s", request.Status)
	}
	volunteers, err := c.ListVolunteers(ctx)
	if err != nil {
		return nil, err
	}
	return c.engine.Propose(request, volunteers, opts), nil
}

// validPhone accepts an optional leading '+' followed by at least ten digits.
// Spaces, dashes, dots and parentheses are allowed as separators.
func validPhone(raw string) bool {
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	digits := 0
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 10
}
