// Package stats keeps the dashboard aggregates current by folding in each
// committed change instead of rescanning the store.
package stats

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

// Delta kinds.
const (
	KindRequestSubmitted    = "request.submitted"
	KindRequestRelocated    = "request.relocated"
	KindRequestCancelled    = "request.cancelled"
	KindVolunteerRegistered = "volunteer.registered"
	KindVolunteerUpdated    = "volunteer.updated"
	KindAssignmentProposed  = "assignment.proposed"
	KindAssignmentAccepted  = "assignment.accepted"
	KindAssignmentDeclined  = "assignment.declined"
	KindAssignmentCompleted = "assignment.completed"
)

// Delta is one committed state transition. Before is nil for a created
// entity; After is nil only for removals, which the coordinator never does.
type Delta struct {
	Kind       string                    `json:"kind"`
	At         time.Time                 `json:"at"`
	Request    *Change[store.Request]    `json:"request,omitempty"`
	Volunteers []Change[store.Volunteer] `json:"volunteers,omitempty"`
	Assignment *Change[store.Assignment] `json:"assignment,omitempty"`
}

type Change[T any] struct {
	Before *T `json:"before,omitempty"`
	After  *T `json:"after,omitempty"`
}

type LatencyStats struct {
	Count         int     `json:"count"`
	MeanSeconds   float64 `json:"meanSeconds"`
	MedianSeconds float64 `json:"medianSeconds"`
}

type VolunteerStats struct {
	Total       int     `json:"total"`
	Available   int     `json:"available"`
	Capacity    int     `json:"capacity"`
	Load        int     `json:"load"`
	Utilization float64 `json:"utilization"`
}

// Snapshot is a point-in-time copy. Applied counts the deltas it reflects.
type Snapshot struct {
	Requests       int                            `json:"requests"`
	ByStatus       map[store.RequestStatus]int    `json:"byStatus"`
	OpenByUrgency  map[string]int                 `json:"openByUrgency"`
	OpenUnresolved int                            `json:"openUnresolved"`
	ByRegion       map[string]int                 `json:"byRegion"`
	ByCategory     map[store.Category]int         `json:"byCategory"`
	Assignments    map[store.AssignmentStatus]int `json:"assignments"`
	Latency        LatencyStats                   `json:"responseLatency"`
	Volunteers     VolunteerStats                 `json:"volunteers"`
	Applied        uint64                         `json:"applied"`
}

const unknownRegion = "unknown"

type Aggregator struct {
	mu    sync.RWMutex
	state *state
}

func NewAggregator() *Aggregator {
	return &Aggregator{state: newState()}
}

// Apply folds one delta in. It never blocks on I/O.
func (a *Aggregator) Apply(delta Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.apply(delta)
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.snapshot()
}

// Rebuild replaces the aggregates with a replay of every stored record in
// creation order. Deltas applied while the replay reads the store are lost,
// so callers run it at startup or from an admin action.
func (a *Aggregator) Rebuild(ctx context.Context, client *store.Client) error {
	requests, err := client.ListRequests(ctx)
	if err != nil {
		return fmt.Errorf("rebuild stats: %w", err)
	}
	volunteers, err := client.ListVolunteers(ctx)
	if err != nil {
		return fmt.Errorf("rebuild stats: %w", err)
	}
	assignments, err := client.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("rebuild stats: %w", err)
	}

	fresh := newState()
	created := make(map[string]time.Time, len(requests))
	for i := range requests {
		created[requests[i].ID] = requests[i].CreatedAt
		fresh.applyRequest(nil, &requests[i])
		fresh.applied++
	}
	for i := range volunteers {
		fresh.applyVolunteer(nil, &volunteers[i])
		fresh.applied++
	}
	for i := range assignments {
		fresh.applyAssignment(nil, &assignments[i], created[assignments[i].RequestID])
		fresh.applied++
	}

	a.mu.Lock()
	a.state = fresh
	a.mu.Unlock()
	return nil
}

type state struct {
	requests       int
	byStatus       map[store.RequestStatus]int
	openByUrgency  map[string]int
	openUnresolved int
	byRegion       map[string]int
	byCategory     map[store.Category]int
	assignments    map[store.AssignmentStatus]int
	latency        *median
	latencySum     float64
	volunteers     VolunteerStats
	applied        uint64
}

func newState() *state {
	return &state{
		byStatus:      make(map[store.RequestStatus]int),
		openByUrgency: make(map[string]int),
		byRegion:      make(map[string]int),
		byCategory:    make(map[store.Category]int),
		assignments:   make(map[store.AssignmentStatus]int),
		latency:       newMedian(),
	}
}

func (s *state) apply(delta Delta) {
	var requestCreated time.Time
	if delta.Request != nil {
		s.applyRequest(delta.Request.Before, delta.Request.After)
		if delta.Request.After != nil {
			requestCreated = delta.Request.After.CreatedAt
		} else if delta.Request.Before != nil {
			requestCreated = delta.Request.Before.CreatedAt
		}
	}
	for _, change := range delta.Volunteers {
		s.applyVolunteer(change.Before, change.After)
	}
	if delta.Assignment != nil {
		s.applyAssignment(delta.Assignment.Before, delta.Assignment.After, requestCreated)
	}
	s.applied++
}

func (s *state) applyRequest(before, after *store.Request) {
	if before != nil {
		s.countRequest(before, -1)
	}
	if after != nil {
		s.countRequest(after, 1)
	}
}

func (s *state) countRequest(r *store.Request, sign int) {
	s.requests += sign
	bump(s.byStatus, r.Status, sign)
	bump(s.byRegion, regionKey(r.Region), sign)
	bump(s.byCategory, r.Category, sign)
	if r.Status == store.RequestOpen {
		bump(s.openByUrgency, r.Urgency.String(), sign)
		if !r.Resolved() {
			s.openUnresolved += sign
		}
	}
}

func (s *state) applyVolunteer(before, after *store.Volunteer) {
	if before != nil {
		s.countVolunteer(before, -1)
	}
	if after != nil {
		s.countVolunteer(after, 1)
	}
}

func (s *state) countVolunteer(v *store.Volunteer, sign int) {
	s.volunteers.Total += sign
	s.volunteers.Capacity += sign * v.Capacity
	s.volunteers.Load += sign * v.CurrentLoad
	if v.Available {
		s.volunteers.Available += sign
	}
}

// applyAssignment records a response latency the first time an assignment is
// seen in an accepted-or-later state with an acceptance time.
func (s *state) applyAssignment(before, after *store.Assignment, requestCreated time.Time) {
	if before != nil {
		bump(s.assignments, before.Status, -1)
	}
	if after == nil {
		return
	}
	bump(s.assignments, after.Status, 1)

	wasAccepted := before != nil && before.AcceptedAt != nil
	if after.AcceptedAt == nil || wasAccepted || requestCreated.IsZero() {
		return
	}
	latency := after.AcceptedAt.Sub(requestCreated).Seconds()
	if latency < 0 {
		latency = 0
	}
	s.latency.add(latency)
	s.latencySum += latency
}

func (s *state) snapshot() Snapshot {
	snap := Snapshot{
		Requests:       s.requests,
		ByStatus:       copyMap(s.byStatus),
		OpenByUrgency:  copyMap(s.openByUrgency),
		OpenUnresolved: s.openUnresolved,
		ByRegion:       copyMap(s.byRegion),
		ByCategory:     copyMap(s.byCategory),
		Assignments:    copyMap(s.assignments),
		Volunteers:     s.volunteers,
		Applied:        s.applied,
	}
	if n := s.latency.len(); n > 0 {
		snap.Latency = LatencyStats{
			Count:         n,
			MeanSeconds:   s.latencySum / float64(n),
			MedianSeconds: s.latency.value(),
		}
	}
	if s.volunteers.Capacity > 0 {
		snap.Volunteers.Utilization = float64(s.volunteers.Load) / float64(s.volunteers.Capacity)
	}
	return snap
}

func regionKey(region string) string {
	if key := util.NormalizeText(region); key != "" {
		return key
	}
	return unknownRegion
}

// bump drops keys that fall to zero so snapshots only list live buckets.
func bump[K comparable](m map[K]int, key K, delta int) {
	m[key] += delta
	if m[key] == 0 {
		delete(m, key)
	}
}

func copyMap[K comparable](m map[K]int) map[K]int {
	out := make(map[K]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// median keeps the lower half in a max-heap and the upper half in a min-heap.
type median struct {
	low  *floatHeap
	high *floatHeap
}

func newMedian() *median {
	return &median{
		low:  &floatHeap{less: func(a, b float64) bool { return a > b }},
		high: &floatHeap{less: func(a, b float64) bool { return a < b }},
	}
}

func (m *median) add(value float64) {
	if m.low.Len() == 0 || value <= m.low.peek() {
		heap.Push(m.low, value)
	} else {
		heap.Push(m.high, value)
	}
	if m.low.Len() > m.high.Len()+1 {
		heap.Push(m.high, heap.Pop(m.low))
	} else if m.high.Len() > m.low.Len() {
		heap.Push(m.low, heap.Pop(m.high))
	}
}

func (m *median) len() int {
	return m.low.Len() + m.high.Len()
}

func (m *median) value() float64 {
	if m.len() == 0 {
		return 0
	}
	if m.low.Len() > m.high.Len() {
		return m.low.peek()
	}
	return (m.low.peek() + m.high.peek()) / 2
}

type floatHeap struct {
	values []float64
	less   func(a, b float64) bool
}

func (h *floatHeap) Len() int           { return len(h.values) }
func (h *floatHeap) Less(i, j int) bool { return h.less(h.values[i], h.values[j]) }
func (h *floatHeap) Swap(i, j int)      { h.values[i], h.values[j] = h.values[j], h.values[i] }
func (h *floatHeap) Push(x any)         { h.values = append(h.values, x.(float64)) }
func (h *floatHeap) peek() float64      { return h.values[0] }

func (h *floatHeap) Pop() any {
	last := h.values[len(h.values)-1]
	h.values = h.values[:len(h.values)-1]
	return last
}
