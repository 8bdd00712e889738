// Package match ranks volunteers for a request and requests for a volunteer.
// Everything here is a pure function of its inputs: no I/O, no clocks, no
// hidden state, so results can be computed speculatively and compared.
package match

import (
	"sort"
	"strings"
	"time"

	"reliefhub/api/internal/store"
	"reliefhub/api/internal/util"
)

// Tier says how proximity was judged for a candidate.
type Tier int

const (
	TierGeo Tier = iota
	TierRegion
	TierNone
)

func (t Tier) String() string {
	switch t {
	case TierGeo:
		return "geo"
	case TierRegion:
		return "region"
	default:
		return "none"
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Score offsets. Half the earth's circumference is about 20,038 km, so every
// geo-resolved candidate scores below every region candidate, and those below
// candidates with no location signal. One urgency level outweighs them all.
const (
	RegionPenaltyKm     = 30000.0
	UnresolvedPenaltyKm = 40000.0
	UrgencyWeight       = 100000.0
)

type Options struct {
	// Limit truncates the result; zero returns everything.
	Limit int
}

// Candidate is one ranked volunteer for a request. Lower scores rank first.
type Candidate struct {
	Volunteer  store.Volunteer `json:"volunteer"`
	Score      float64         `json:"score"`
	DistanceKm float64         `json:"distanceKm"`
	Tier       Tier            `json:"tier"`
}

// Opportunity is one ranked request for a volunteer.
type Opportunity struct {
	Request    store.Request `json:"request"`
	Score      float64       `json:"score"`
	DistanceKm float64       `json:"distanceKm"`
	Tier       Tier          `json:"tier"`
}

type Engine struct{}

func NewEngine() Engine {
	return Engine{}
}

// Propose ranks the volunteers that could take request. Volunteers that are
// unavailable, full, missing a required capability, previously declined the
// request, or whose service area excludes it are left out entirely.
func (Engine) Propose(request store.Request, pool []store.Volunteer, opts Options) []Candidate {
	candidates := make([]Candidate, 0, len(pool))
	for _, volunteer := range pool {
		tier, distance, ok := fit(request, volunteer)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			Volunteer:  volunteer,
			Score:      score(request.Urgency, tier, distance),
			DistanceKm: distance,
			Tier:       tier,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Volunteer.ID < b.Volunteer.ID
	})
	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return candidates
}

// Queue orders the open requests in requests for dispatch: most urgent first,
// located requests ahead of unresolved ones, then oldest first.
func (Engine) Queue(requests []store.Request) []store.Request {
	open := make([]store.Request, 0, len(requests))
	for _, request := range requests {
		if request.Status == store.RequestOpen {
			open = append(open, request)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if a.Urgency != b.Urgency {
			return a.Urgency > b.Urgency
		}
		if a.Resolved() != b.Resolved() {
			return a.Resolved()
		}
		return olderFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return open
}

// ForVolunteer lists the open requests volunteer could be assigned to right
// now, ranked by urgency and then proximity.
func (Engine) ForVolunteer(volunteer store.Volunteer, requests []store.Request, opts Options) []Opportunity {
	result := make([]Opportunity, 0)
	for _, request := range requests {
		if request.Status != store.RequestOpen {
			continue
		}
		tier, distance, ok := fit(request, volunteer)
		if !ok {
			continue
		}
		result = append(result, Opportunity{
			Request:    request,
			Score:      score(request.Urgency, tier, distance),
			DistanceKm: distance,
			Tier:       tier,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Request.Urgency != b.Request.Urgency {
			return a.Request.Urgency > b.Request.Urgency
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return olderFirst(a.Request.CreatedAt, b.Request.CreatedAt, a.Request.ID, b.Request.ID)
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result
}

// Eligible reports whether volunteer may be offered request at all.
func Eligible(request store.Request, volunteer store.Volunteer) bool {
	_, _, ok := fit(request, volunteer)
	return ok
}

func fit(request store.Request, volunteer store.Volunteer) (Tier, float64, bool) {
	if !volunteer.CanTakeAssignment() {
		return TierNone, 0, false
	}
	if request.DeclinedByVolunteer(volunteer.ID) {
		return TierNone, 0, false
	}
	for _, required := range request.RequiredCapabilities {
		if !volunteer.HasCapability(required) {
			return TierNone, 0, false
		}
	}

	if request.Location != nil && volunteer.Location != nil {
		if !Covers(volunteer, *request.Location) {
			return TierNone, 0, false
		}
		return TierGeo, HaversineKm(*volunteer.Location, *request.Location), true
	}
	if request.Location != nil && len(volunteer.ServiceArea.Polygon) >= 3 && !Covers(volunteer, *request.Location) {
		return TierNone, 0, false
	}
	if regionMatches(request, volunteer) {
		return TierRegion, 0, true
	}
	return TierNone, 0, true
}

// regionMatches is the text fallback used when either side has no
// coordinates.
func regionMatches(request store.Request, volunteer store.Volunteer) bool {
	region := util.NormalizeText(volunteer.Region)
	if region == "" {
		return false
	}
	if util.NormalizeText(request.Region) == region {
		return true
	}
	return strings.Contains(util.NormalizeText(request.LocationText), region)
}

func score(urgency store.Urgency, tier Tier, distance float64) float64 {
	base := float64(store.UrgencyCritical-urgency) * UrgencyWeight
	switch tier {
	case TierGeo:
		return base + distance
	case TierRegion:
		return base + RegionPenaltyKm
	default:
		return base + UnresolvedPenaltyKm
	}
}

func olderFirst(a, b time.Time, idA, idB string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return idA < idB
}
