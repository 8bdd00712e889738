package coordinator

import (
	"context"
	"strings"

	"reliefhub/api/internal/match"
	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

type RegisterVolunteerInput struct {
	Name         string             `json:"name"`
	Email        string             `json:"email"`
	Phone        string             `json:"phone"`
	LocationText string             `json:"locationText"`
	Location     *store.Coordinates `json:"location"`
	ServiceArea  store.ServiceArea  `json:"serviceArea"`
	Region       string             `json:"region"`
	Capabilities []string           `json:"capabilities"`
	Capacity     int                `json:"capacity"`
	Available    *bool              `json:"available"`
}

func (c *Coordinator) RegisterVolunteer(ctx context.Context, input RegisterVolunteerInput) (store.Volunteer, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Volunteer{}, invalid("name", "is required")
	}
	if input.Location != nil && !input.Location.Valid() {
		return store.Volunteer{}, invalid("location", "coordinates out of range")
	}
	if input.ServiceArea.RadiusKm < 0 {
		return store.Volunteer{}, invalid("serviceArea.radiusKm", "must not be negative")
	}
	if n := len(input.ServiceArea.Polygon); n > 0 && n < 3 {
		return store.Volunteer{}, invalid("serviceArea.polygon", "needs at least 3 points")
	}
	for _, point := range input.ServiceArea.Polygon {
		if !point.Valid() {
			return store.Volunteer{}, invalid("serviceArea.polygon", "point %s out of range", point)
		}
	}
	capacity := input.Capacity
	if capacity == 0 {
		capacity = 1
	}
	if capacity < 0 {
		return store.Volunteer{}, invalid("capacity", "must be positive")
	}
	available := true
	if input.Available != nil {
		available = *input.Available
	}

	location := input.Location
	if location == nil && c.geocoder != nil && strings.TrimSpace(input.LocationText) != "" {
		location = c.geocoder.Resolve(ctx, input.LocationText).Location()
	}

	now := c.now()
	volunteer := store.Volunteer{
		ID:           util.NewID("vol"),
		Name:         name,
		Email:        strings.TrimSpace(input.Email),
		Phone:        strings.TrimSpace(input.Phone),
		Location:     location,
		ServiceArea:  input.ServiceArea,
		Region:       util.NormalizeText(input.Region),
		Capabilities: util.NormalizeTags(input.Capabilities),
		Capacity:     capacity,
		Available:    available,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return execute(ctx, c, "register volunteer", func(ctx context.Context) (plan[store.Volunteer], error) {
		batch := &store.Batch{}
		batch.PutVolunteer(volunteer)
		stored := committedVolunteer(volunteer)
		return plan[store.Volunteer]{
			batch:  batch,
			delta:  stats.Delta{Kind: stats.KindVolunteerRegistered, Volunteers: []stats.Change[store.Volunteer]{{After: stored}}},
			result: *stored,
			anchor: volunteerAnchor(*stored),
		}, nil
	})
}

// SetAvailability toggles whether the volunteer receives new proposals.
// Assignments already held are unaffected.
func (c *Coordinator) SetAvailability(ctx context.Context, volunteerID string, available bool) (store.Volunteer, error) {
	return c.updateVolunteer(ctx, "set availability", volunteerID, func(v *store.Volunteer) (bool, error) {
		if v.Available == available {
			return false, nil
		}
		v.Available = available
		return true, nil
	})
}

// UpdateCapacity changes the concurrent assignment limit. It cannot drop
// below the assignments the volunteer already holds.
func (c *Coordinator) UpdateCapacity(ctx context.Context, volunteerID string, capacity int) (store.Volunteer, error) {
	if capacity < 1 {
		return store.Volunteer{}, invalid("capacity", "must be at least 1")
	}
	return c.updateVolunteer(ctx, "update capacity", volunteerID, func(v *store.Volunteer) (bool, error) {
		if capacity < v.CurrentLoad {
			return false, invalid("capacity", "volunteer holds %d active assignments", v.CurrentLoad)
		}
		if v.Capacity == capacity {
			return false, nil
		}
		v.Capacity = capacity
		return true, nil
	})
}

func (c *Coordinator) updateVolunteer(ctx context.Context, op, volunteerID string, mutate func(*store.Volunteer) (bool, error)) (store.Volunteer, error) {
	return execute(ctx, c, op, func(ctx context.Context) (plan[store.Volunteer], error) {
		volunteer, err := c.store.GetVolunteer(ctx, volunteerID)
		if err != nil {
			return plan[store.Volunteer]{}, err
		}
		next := volunteer
		changed, err := mutate(&next)
		if err != nil {
			return plan[store.Volunteer]{}, err
		}
		if !changed {
			return noop(volunteer), nil
		}
		next.UpdatedAt = c.now()

		batch := &store.Batch{}
		batch.PutVolunteer(next)
		stored := committedVolunteer(next)
		return plan[store.Volunteer]{
			batch:  batch,
			delta:  stats.Delta{Kind: stats.KindVolunteerUpdated, Volunteers: []stats.Change[store.Volunteer]{{Before: &volunteer, After: stored}}},
			result: *stored,
			anchor: volunteerAnchor(*stored),
		}, nil
	})
}

func (c *Coordinator) GetVolunteer(ctx context.Context, volunteerID string) (store.Volunteer, error) {
	return read(ctx, c, "get volunteer", func(ctx context.Context) (store.Volunteer, error) {
		return c.store.GetVolunteer(ctx, volunteerID)
	})
}

func (c *Coordinator) ListVolunteers(ctx context.Context) ([]store.Volunteer, error) {
	return read(ctx, c, "list volunteers", c.store.ListVolunteers)
}

// VolunteerQueue lists the open requests the volunteer could be assigned now.
func (c *Coordinator) VolunteerQueue(ctx context.Context, volunteerID string, opts match.Options) ([]match.Opportunity, error) {
	volunteer, err := c.GetVolunteer(ctx, volunteerID)
	if err != nil {
		return nil, err
	}
	requests, err := read(ctx, c, "volunteer queue", c.store.ListRequests)
	if err != nil {
		return nil, err
	}
	return c.engine.ForVolunteer(volunteer, requests, opts), nil
}
