package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"reliefhub/api/internal/match"
	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

// Assign proposes volunteerID for requestID. The new assignment, the request
// and the volunteer's load are committed together or not at all, so two
// callers racing for a volunteer's last slot cannot both win.
//
// Repeating Assign for a pair that is already proposed returns the existing
// assignment.
func (c *Coordinator) Assign(ctx context.Context, requestID, volunteerID string) (store.Assignment, error) {
	return execute(ctx, c, "assign", func(ctx context.Context) (plan[store.Assignment], error) {
		request, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return plan[store.Assignment]{}, err
		}
		volunteer, err := c.store.GetVolunteer(ctx, volunteerID)
		if err != nil {
			return plan[store.Assignment]{}, err
		}

		if request.Status == store.RequestAssigned && request.ActiveAssignmentID != "" {
			current, err := c.store.GetAssignment(ctx, request.ActiveAssignmentID)
			if err != nil {
				return plan[store.Assignment]{}, err
			}
			if current.VolunteerID == volunteerID && current.Status == store.AssignmentProposed {
				return noop(current), nil
			}
		}
		if err := checkAssignable(request, volunteer); err != nil {
			return plan[store.Assignment]{}, err
		}

		now := c.now()
		assignment := store.Assignment{
			ID:          util.NewID("asg"),
			RequestID:   request.ID,
			VolunteerID: volunteer.ID,
			Status:      store.AssignmentProposed,
			CreatedAt:   now,
		}
		nextRequest := request
		nextRequest.Status = store.RequestAssigned
		nextRequest.ActiveAssignmentID = assignment.ID
		nextRequest.UpdatedAt = now
		nextVolunteer := volunteer
		nextVolunteer.CurrentLoad++
		nextVolunteer.UpdatedAt = now

		batch := &store.Batch{}
		batch.PutAssignment(assignment)
		batch.PutRequest(nextRequest)
		batch.PutVolunteer(nextVolunteer)
		stored := committedAssignment(assignment)
		storedRequest := committedRequest(nextRequest)
		return plan[store.Assignment]{
			batch: batch,
			delta: stats.Delta{
				Kind:       stats.KindAssignmentProposed,
				Request:    &stats.Change[store.Request]{Before: &request, After: storedRequest},
				Volunteers: []stats.Change[store.Volunteer]{{Before: &volunteer, After: committedVolunteer(nextVolunteer)}},
				Assignment: &stats.Change[store.Assignment]{After: stored},
			},
			result: *stored,
			anchor: requestAnchor(*storedRequest),
		}, nil
	})
}

func checkAssignable(request store.Request, volunteer store.Volunteer) error {
	if request.Status != store.RequestOpen {
		return invalid("request", "request is %s", request.Status)
	}
	if !volunteer.Available {
		return invalid("volunteer", "volunteer is unavailable")
	}
	if volunteer.CurrentLoad >= volunteer.Capacity {
		return invalid("volunteer", "volunteer is at capacity (%d/%d)", volunteer.CurrentLoad, volunteer.Capacity)
	}
	if request.DeclinedByVolunteer(volunteer.ID) {
		return invalid("volunteer", "volunteer already declined this request")
	}
	for _, required := range request.RequiredCapabilities {
		if !volunteer.HasCapability(required) {
			return invalid("volunteer", "volunteer lacks capability %q", required)
		}
	}
	if !match.Eligible(request, volunteer) {
		return invalid("volunteer", "request is outside the volunteer's service area")
	}
	return nil
}

// AutoAssign walks the ranked candidates and commits the first one that
// still fits. Losing a race for one volunteer moves on to the next.
func (c *Coordinator) AutoAssign(ctx context.Context, requestID string) (store.Assignment, error) {
	candidates, err := c.Propose(ctx, requestID, match.Options{})
	if err != nil {
		return store.Assignment{}, err
	}
	if len(candidates) == 0 {
		return store.Assignment{}, invalid("request", "no eligible volunteer")
	}

	var lastErr error
	for _, candidate := range candidates {
		assignment, err := c.Assign(ctx, requestID, candidate.Volunteer.ID)
		if err == nil {
			return assignment, nil
		}
		var verr *ValidationError
		switch {
		case errors.As(err, &verr) && verr.Field == "request":
			return store.Assignment{}, err
		case errors.As(err, &verr), errors.Is(err, ErrConcurrentModification):
			log.Printf("coordinator: auto-assign %s: skipping %s: %v", requestID, candidate.Volunteer.ID, err)
			lastErr = err
		default:
			return store.Assignment{}, err
		}
	}
	return store.Assignment{}, lastErr
}

// Accept moves a proposed assignment to accepted and its request to
// in_progress.
func (c *Coordinator) Accept(ctx context.Context, assignmentID string) (store.Assignment, error) {
	return c.advance(ctx, "accept", assignmentID, transition{
		from:        store.AssignmentProposed,
		to:          store.AssignmentAccepted,
		requestFrom: store.RequestAssigned,
		requestTo:   store.RequestInProgress,
		kind:        stats.KindAssignmentAccepted,
	})
}

// Decline returns the request to open, releases the volunteer's slot, and
// keeps the volunteer out of future proposals for this request.
func (c *Coordinator) Decline(ctx context.Context, assignmentID string) (store.Assignment, error) {
	return c.advance(ctx, "decline", assignmentID, transition{
		from:        store.AssignmentProposed,
		to:          store.AssignmentDeclined,
		requestFrom: store.RequestAssigned,
		requestTo:   store.RequestOpen,
		kind:        stats.KindAssignmentDeclined,
		release:     true,
	})
}

// Resolve completes an accepted assignment and resolves its request.
func (c *Coordinator) Resolve(ctx context.Context, assignmentID string) (store.Assignment, error) {
	return c.advance(ctx, "resolve", assignmentID, transition{
		from:        store.AssignmentAccepted,
		to:          store.AssignmentCompleted,
		requestFrom: store.RequestInProgress,
		requestTo:   store.RequestResolved,
		kind:        stats.KindAssignmentCompleted,
		release:     true,
	})
}

type transition struct {
	from        store.AssignmentStatus
	to          store.AssignmentStatus
	requestFrom store.RequestStatus
	requestTo   store.RequestStatus
	kind        string
	// release frees the volunteer's capacity slot.
	release bool
}

func (c *Coordinator) advance(ctx context.Context, op, assignmentID string, t transition) (store.Assignment, error) {
	return execute(ctx, c, op, func(ctx context.Context) (plan[store.Assignment], error) {
		assignment, err := c.store.GetAssignment(ctx, assignmentID)
		if err != nil {
			return plan[store.Assignment]{}, err
		}
		if assignment.Status == t.to {
			return noop(assignment), nil
		}
		if assignment.Status != t.from {
			return plan[store.Assignment]{}, invalid("assignment", "cannot %s a %s assignment", op, assignment.Status)
		}
		request, err := c.store.GetRequest(ctx, assignment.RequestID)
		if err != nil {
			return plan[store.Assignment]{}, err
		}
		if request.Status != t.requestFrom || request.ActiveAssignmentID != assignment.ID {
			return plan[store.Assignment]{}, invalid("request", "request %s is %s and no longer held by this assignment", request.ID, request.Status)
		}

		now := c.now()
		nextAssignment := assignment
		nextAssignment.Status = t.to
		switch t.to {
		case store.AssignmentAccepted:
			nextAssignment.AcceptedAt = &now
		default:
			nextAssignment.ResolvedAt = &now
		}
		nextRequest := request
		nextRequest.Status = t.requestTo
		nextRequest.UpdatedAt = now
		if t.requestTo == store.RequestOpen {
			nextRequest.ActiveAssignmentID = ""
			nextRequest.DeclinedBy = append(append([]string(nil), request.DeclinedBy...), assignment.VolunteerID)
		}

		batch := &store.Batch{}
		batch.PutAssignment(nextAssignment)
		batch.PutRequest(nextRequest)
		storedRequest := committedRequest(nextRequest)
		stored := committedAssignment(nextAssignment)
		delta := stats.Delta{
			Kind:       t.kind,
			Request:    &stats.Change[store.Request]{Before: &request, After: storedRequest},
			Assignment: &stats.Change[store.Assignment]{Before: &assignment, After: stored},
		}

		if t.release {
			volunteer, err := c.store.GetVolunteer(ctx, assignment.VolunteerID)
			if err != nil {
				return plan[store.Assignment]{}, err
			}
			nextVolunteer := releaseSlot(volunteer, now)
			batch.PutVolunteer(nextVolunteer)
			delta.Volunteers = []stats.Change[store.Volunteer]{{Before: &volunteer, After: committedVolunteer(nextVolunteer)}}
		}

		return plan[store.Assignment]{batch: batch, delta: delta, result: *stored, anchor: requestAnchor(*storedRequest)}, nil
	})
}

func releaseSlot(volunteer store.Volunteer, now time.Time) store.Volunteer {
	if volunteer.CurrentLoad > 0 {
		volunteer.CurrentLoad--
	}
	volunteer.UpdatedAt = now
	return volunteer
}

func (c *Coordinator) GetAssignment(ctx context.Context, assignmentID string) (store.Assignment, error) {
	return read(ctx, c, "get assignment", func(ctx context.Context) (store.Assignment, error) {
		return c.store.GetAssignment(ctx, assignmentID)
	})
}

// ListAssignments returns the assignments for one request, or all of them
// when requestID is empty.
func (c *Coordinator) ListAssignments(ctx context.Context, requestID string) ([]store.Assignment, error) {
	assignments, err := read(ctx, c, "list assignments", c.store.ListAssignments)
	if err != nil || requestID == "" {
		return assignments, err
	}
	filtered := make([]store.Assignment, 0)
	for _, assignment := range assignments {
		if assignment.RequestID == requestID {
			filtered = append(filtered, assignment)
		}
	}
	return filtered, nil
}
