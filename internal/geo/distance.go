package geo

import (
	"math"
	"time"
)

const (
	// Earth radius in kilometers
	earthRadiusKm = 6371

	// DefaultMinutesPerKm is the travel-time heuristic used for ETA
	DefaultMinutesPerKm = 5
)

// Position is one geographic coordinate pair
type Position struct {
	Latitude  float64
	Longitude float64
}

// Haversine calculates the great-circle distance in km between two points
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180)
	dLon := (lon2 - lon1) * (math.Pi / 180)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*(math.Pi/180))*math.Cos(lat2*(math.Pi/180))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// DistanceAndETA returns the great-circle distance between the two positions
// and the estimated arrival time, computed from now at minutesPerKm minutes
// of travel per kilometer. A non-positive minutesPerKm falls back to the
// default ratio.
func DistanceAndETA(from, to Position, minutesPerKm float64, now time.Time) (float64, time.Time) {
	if minutesPerKm <= 0 {
		minutesPerKm = DefaultMinutesPerKm
	}

	distanceKm := Haversine(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	travel := time.Duration(distanceKm * minutesPerKm * float64(time.Minute))

	return distanceKm, now.Add(travel)
}

// MetersBetween returns the distance between two positions in meters.
// Used for movement detection against the jitter epsilon.
func MetersBetween(a, b Position) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude) * 1000
}
