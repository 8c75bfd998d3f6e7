// Package geo provides great-circle distance helpers for geofence checks.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceMeters returns the haversine distance between two coordinates.
// Callers validate ranges first; this function does not.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	sLat := math.Sin(dLat / 2)
	sLng := math.Sin(dLng / 2)
	a := sLat*sLat + math.Cos(p1)*math.Cos(p2)*sLng*sLng
	// rounding can push a past 1 for near-antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Distance is DistanceMeters for two Points.
func Distance(a, b Point) float64 {
	return DistanceMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ValidLatitude reports whether lat is a finite value in [-90, 90].
func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

// ValidLongitude reports whether lng is a finite value in [-180, 180].
func ValidLongitude(lng float64) bool {
	return !math.IsNaN(lng) && lng >= -180 && lng <= 180
}

// Valid reports whether p lies within coordinate ranges.
func (p Point) Valid() bool {
	return ValidLatitude(p.Lat) && ValidLongitude(p.Lng)
}

// NorthOf returns the point meters due north of p along its meridian.
func NorthOf(p Point, meters float64) Point {
	return Point{
		Lat: p.Lat + (meters/EarthRadiusMeters)*180/math.Pi,
		Lng: p.Lng,
	}
}
