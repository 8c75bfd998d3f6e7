package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	delhi  = Point{Lat: 28.6139, Lng: 77.2090}
	mumbai = Point{Lat: 19.0760, Lng: 72.8777}
)

func TestDistance_ZeroForIdenticalPoints(t *testing.T) {
	for _, p := range []Point{delhi, mumbai, {0, 0}, {-89.9, 179.9}, {90, -180}} {
		assert.Equal(t, 0.0, Distance(p, p), "point %v", p)
	}
}

func TestDistance_Symmetric(t *testing.T) {
	pairs := [][2]Point{
		{delhi, mumbai},
		{{0, 0}, {0, 180}},
		{{51.5007, -0.1246}, {40.6892, -74.0445}},
		{{-33.8568, 151.2153}, {35.6586, 139.7454}},
		{{12.9716, 77.5946}, {12.9717, 77.5947}},
	}
	for _, p := range pairs {
		assert.Equal(t, Distance(p[0], p[1]), Distance(p[1], p[0]))
	}
}

func TestDistance_KnownValues(t *testing.T) {
	// Delhi to Mumbai is roughly 1150 km great-circle.
	d := Distance(delhi, mumbai)
	assert.InDelta(t, 1150_000, d, 15_000)

	// A quarter of the equator.
	q := DistanceMeters(0, 0, 0, 90)
	assert.InDelta(t, math.Pi*EarthRadiusMeters/2, q, 1e-6)
}

func TestDistance_AntipodesFinite(t *testing.T) {
	half := math.Pi * EarthRadiusMeters
	pairs := [][2]Point{
		{{-89.937, 0}, {89.937, -180}},
		{{0, 0}, {0, 180}},
		{{90, 0}, {-90, 0}},
		{delhi, {-delhi.Lat, delhi.Lng - 180}},
	}
	for lat := -89.999; lat < 90; lat += 0.173 {
		pairs = append(pairs, [2]Point{{lat, 0}, {-lat, -180}})
	}
	for _, p := range pairs {
		d := Distance(p[0], p[1])
		assert.False(t, math.IsNaN(d), "pair %v", p)
		assert.InDelta(t, half, d, 1, "pair %v", p)
	}
}

func TestNorthOf(t *testing.T) {
	for _, m := range []float64{1, 500, 600, 10_000} {
		p := NorthOf(delhi, m)
		assert.InDelta(t, m, Distance(delhi, p), 1e-6)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"delhi", delhi, true},
		{"poles", Point{90, 180}, true},
		{"lat too high", Point{90.0001, 0}, false},
		{"lng too low", Point{0, -180.5}, false},
		{"nan", Point{math.NaN(), 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Valid())
		})
	}
}
