package match

import (
	"math"

	"reliefhub/api/internal/store"
)

const earthRadiusKm = 6371.0088

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(a, b store.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Covers reports whether point lies inside the volunteer's service area. An
// area with both a polygon and a radius covers the union of the two. A radius
// without a home location cannot be evaluated and covers everything.
func Covers(v store.Volunteer, point store.Coordinates) bool {
	area := v.ServiceArea
	if area.Unbounded() {
		return true
	}
	if len(area.Polygon) >= 3 && insidePolygon(area.Polygon, point) {
		return true
	}
	if area.RadiusKm > 0 {
		if v.Location == nil {
			return true
		}
		return HaversineKm(*v.Location, point) <= area.RadiusKm
	}
	return false
}

// insidePolygon is an even-odd ray cast in lon/lat space. Service areas are
// city-sized so the planar approximation holds.
func insidePolygon(polygon []store.Coordinates, point store.Coordinates) bool {
	inside := false
	j := len(polygon) - 1
	for i := range polygon {
		pi, pj := polygon[i], polygon[j]
		if (pi.Lat > point.Lat) != (pj.Lat > point.Lat) {
			crossLon := pi.Lon + (point.Lat-pi.Lat)*(pj.Lon-pi.Lon)/(pj.Lat-pi.Lat)
			if point.Lon < crossLon {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
