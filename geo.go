package main

import (
	"math"
)

// EarthRadiusMeters is the WGS84 equatorial radius. Every distance and offset
// computation in this package uses it.
const EarthRadiusMeters = 6378137.0

// LatLon is a WGS84 coordinate in degrees
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is a finite, in-range position
func (p LatLon) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// DistanceMeters returns the great-circle distance between a and b using the
// haversine formula in its atan2 form, which stays stable for both coincident
// and antipodal points.
func DistanceMeters(a, b LatLon) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLon := toRadians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon

	// Rounding can push h a hair outside [0, 1]
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// pathDistanceMeters sums the distances between consecutive coordinates
func pathDistanceMeters(coords []LatLon) float64 {
	var total float64
	for i := 1; i < len(coords); i++ {
		total += DistanceMeters(coords[i-1], coords[i])
	}
	return total
}

// offsetDegrees converts a linear offset in meters into the latitude and
// longitude deltas it spans at the given latitude.
func offsetDegrees(meters, lat float64) (dLat, dLon float64) {
	dLat = meters / EarthRadiusMeters * (180 / math.Pi)

	cosLat := math.Cos(toRadians(lat))
	if math.Abs(cosLat) < 1e-12 {
		// At the poles every longitude is the same point
		return dLat, 0
	}
	dLon = meters / (EarthRadiusMeters * cosLat) * (180 / math.Pi)
	return dLat, dLon
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// roundTo rounds v to the given number of decimal places
func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
