// Package geo holds the spherical math used by queries and tile prefetching.
package geo

import "math"

// EarthRadiusMiles is the sphere radius used for all distance calculations.
const EarthRadiusMiles = 3959.0

// CoordPrecision is the number of decimal digits kept when bucketing query
// centers (~111 m at 3 digits).
const CoordPrecision = 3

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance in miles.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push a slightly past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMiles * c
}

// Round rounds v to the given number of decimal digits and normalizes
// negative zero so that keys never differ by sign alone.
func Round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	r := math.Round(v*p) / p
	if r == 0 {
		return 0
	}
	return r
}

// BoundingBox returns a lat/lon box that contains every point closer than
// radiusMiles to the center. Used only as a pre-filter.
func BoundingBox(lat, lon, radiusMiles float64) (minLat, minLon, maxLat, maxLon float64) {
	// one degree of latitude is ~69.17 miles on this sphere; pad slightly
	dLat := radiusMiles / (EarthRadiusMiles * math.Pi / 180) * 1.01
	minLat = math.Max(-90, lat-dLat)
	maxLat = math.Min(90, lat+dLat)

	// widest longitude span is at the pole-ward edge of the box
	edge := math.Max(math.Abs(minLat), math.Abs(maxLat))
	cosEdge := math.Cos(toRad(edge))
	if cosEdge < 1e-6 || minLat <= -90 || maxLat >= 90 {
		return minLat, -180, maxLat, 180
	}
	dLon := dLat / cosEdge
	if dLon >= 180 {
		return minLat, -180, maxLat, 180
	}
	return minLat, lon - dLon, maxLat, lon + dLon
}
