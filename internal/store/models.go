package store

import (
	"fmt"
	"strings"
	"time"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Urgency is ordered: a larger value is more urgent.
type Urgency int

const (
	UrgencyUnknown Urgency = iota
	UrgencyLow
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = map[Urgency]string{
	UrgencyLow:      "low",
	UrgencyMedium:   "medium",
	UrgencyHigh:     "high",
	UrgencyCritical: "critical",
}

func (u Urgency) String() string {
	if name, ok := urgencyNames[u]; ok {
		return name
	}
	return "unknown"
}

// ParseUrgency accepts the bare level names as well as the intake form labels
// such as "High - Life threatening".
func ParseUrgency(value string) (Urgency, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.IndexAny(normalized, " -"); idx > 0 {
		normalized = normalized[:idx]
	}
	switch normalized {
	case "critical":
		return UrgencyCritical, nil
	case "high":
		return UrgencyHigh, nil
	case "medium":
		return UrgencyMedium, nil
	case "low":
		return UrgencyLow, nil
	}
	return UrgencyUnknown, fmt.Errorf("unknown urgency %q", value)
}

func (u Urgency) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Urgency) UnmarshalText(text []byte) error {
	if value := string(text); value == "" || value == "unknown" {
		*u = UrgencyUnknown
		return nil
	}
	parsed, err := ParseUrgency(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Urgencies lists every level from most to least urgent.
func Urgencies() []Urgency {
	return []Urgency{UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow}
}

type Category string

const (
	CategoryWater      Category = "water"
	CategoryFood       Category = "food"
	CategoryMedical    Category = "medical"
	CategoryShelter    Category = "shelter"
	CategoryEvacuation Category = "evacuation"
	CategoryOther      Category = "other"
)

var allowedCategories = map[Category]struct{}{
	CategoryWater:      {},
	CategoryFood:       {},
	CategoryMedical:    {},
	CategoryShelter:    {},
	CategoryEvacuation: {},
	CategoryOther:      {},
}

func ParseCategory(value string) (Category, bool) {
	category := Category(strings.ToLower(strings.TrimSpace(value)))
	if category == "" {
		return CategoryOther, true
	}
	_, ok := allowedCategories[category]
	return category, ok
}

// DefaultCapabilities returns the capability tags a responder needs for a
// category when the submitter did not list any.
func (c Category) DefaultCapabilities() []string {
	switch c {
	case CategoryMedical:
		return []string{"medical"}
	case CategoryEvacuation:
		return []string{"transport"}
	default:
		return nil
	}
}

type RequestStatus string

const (
	RequestOpen       RequestStatus = "open"
	RequestAssigned   RequestStatus = "assigned"
	RequestInProgress RequestStatus = "in_progress"
	RequestResolved   RequestStatus = "resolved"
	RequestCancelled  RequestStatus = "cancelled"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestOpen:       {RequestAssigned, RequestCancelled},
	RequestAssigned:   {RequestInProgress, RequestOpen, RequestCancelled},
	RequestInProgress: {RequestResolved, RequestCancelled},
}

func RequestStatuses() []RequestStatus {
	return []RequestStatus{RequestOpen, RequestAssigned, RequestInProgress, RequestResolved, RequestCancelled}
}

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestOpen, RequestAssigned, RequestInProgress, RequestResolved, RequestCancelled:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == RequestResolved || s == RequestCancelled
}

func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, next := range requestTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type AssignmentStatus string

const (
	AssignmentProposed  AssignmentStatus = "proposed"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentDeclined  AssignmentStatus = "declined"
	AssignmentCompleted AssignmentStatus = "completed"
)

// Active assignments hold a volunteer capacity slot.
func (s AssignmentStatus) Active() bool {
	return s == AssignmentProposed || s == AssignmentAccepted
}

type Request struct {
	ID                   string        `json:"id"`
	RequesterName        string        `json:"requesterName"`
	Phone                string        `json:"phone"`
	LocationText         string        `json:"locationText"`
	Location             *Coordinates  `json:"location,omitempty"`
	Region               string        `json:"region"`
	Category             Category      `json:"category"`
	RequiredCapabilities []string      `json:"requiredCapabilities"`
	Urgency              Urgency       `json:"urgency"`
	PeopleAffected       int           `json:"peopleAffected"`
	Description          string        `json:"description"`
	Status               RequestStatus `json:"status"`
	ActiveAssignmentID   string        `json:"activeAssignmentId,omitempty"`
	DeclinedBy           []string      `json:"declinedBy,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	Version              int64         `json:"version"`
}

func (r Request) Resolved() bool {
	return r.Location != nil
}

func (r Request) DeclinedByVolunteer(volunteerID string) bool {
	for _, id := range r.DeclinedBy {
		if id == volunteerID {
			return true
		}
	}
	return false
}

// ServiceArea limits where a volunteer operates. A zero value means anywhere.
type ServiceArea struct {
	RadiusKm float64       `json:"radiusKm,omitempty"`
	Polygon  []Coordinates `json:"polygon,omitempty"`
}

func (a ServiceArea) Unbounded() bool {
	return a.RadiusKm <= 0 && len(a.Polygon) < 3
}

type Volunteer struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Email        string       `json:"email,omitempty"`
	Phone        string       `json:"phone,omitempty"`
	Location     *Coordinates `json:"location,omitempty"`
	ServiceArea  ServiceArea  `json:"serviceArea"`
	Region       string       `json:"region"`
	Capabilities []string     `json:"capabilities"`
	Capacity     int          `json:"capacity"`
	CurrentLoad  int          `json:"currentLoad"`
	Available    bool         `json:"available"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Version      int64        `json:"version"`
}

func (v Volunteer) HasCapability(tag string) bool {
	for _, capability := range v.Capabilities {
		if capability == tag {
			return true
		}
	}
	return false
}

func (v Volunteer) RemainingCapacity() int {
	return v.Capacity - v.CurrentLoad
}

// CanTakeAssignment reports whether a new proposal may claim a capacity slot.
func (v Volunteer) CanTakeAssignment() bool {
	return v.Available && v.CurrentLoad < v.Capacity
}

type Assignment struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"requestId"`
	VolunteerID string           `json:"volunteerId"`
	Status      AssignmentStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	AcceptedAt  *time.Time       `json:"acceptedAt,omitempty"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
	Version     int64            `json:"version"`
}
