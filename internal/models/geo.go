package models

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
)

const earthRadiusKm = 6371

// GeoPoint is a latitude/longitude pair in degrees
type GeoPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate checks the coordinate ranges
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Latitude)
	}
	if math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Longitude)
	}
	return nil
}

// IsZero reports a (0,0) fix, which trackers emit when they have no lock
func (p GeoPoint) IsZero() bool {
	return p.Latitude == 0 && p.Longitude == 0
}

// DistanceTo returns the great-circle distance to other in kilometers (haversine)
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	lat1Rad := p.Latitude * math.Pi / 180
	lat2Rad := other.Latitude * math.Pi / 180
	deltaLat := (other.Latitude - p.Latitude) * math.Pi / 180
	deltaLon := (other.Longitude - p.Longitude) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Geohash returns the geohash cell of the point at the given precision
func (p GeoPoint) Geohash(precision int) string {
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, uint(precision))
}

// DistanceKm is the package-level form of GeoPoint.DistanceTo.
func DistanceKm(a, b GeoPoint) float64 {
	return a.DistanceTo(b)
}

// RoundKm rounds a distance to meters for display. Stored values keep full precision.
func RoundKm(km float64) float64 {
	return math.Round(km*1000) / 1000
}
