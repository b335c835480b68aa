package main

import (
	"math"
	"time"
)

// DisplayPoint is a DSE's latest position prepared for the map. DispLat and
// DispLon equal Lat and Lon unless the marker had to be moved off a shared spot.
type DisplayPoint struct {
	ID       string    `json:"_id"`
	OwnerID  string    `json:"user"`
	Name     string    `json:"dseName"`
	Phone    string    `json:"dsePhone"`
	PhotoURL string    `json:"dsePhotoUrl,omitempty"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	TS       time.Time `json:"ts"`
	Accuracy *float64  `json:"acc,omitempty"`
	Speed    *float64  `json:"speed,omitempty"`
	DispLat  float64   `json:"dispLat"`
	DispLon  float64   `json:"dispLon"`
	Status   Status    `json:"status,omitempty"`
	Since    string    `json:"since,omitempty"`
}

// SpreadOptions controls marker de-overlap
type SpreadOptions struct {
	// Decimals is the rounding applied before deciding two markers collide.
	// Four decimals is roughly 11 m.
	Decimals     int     `yaml:"decimals"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

// DefaultSpreadOptions rounds to 4 decimals and spreads on a 30 m ring
func DefaultSpreadOptions() SpreadOptions {
	return SpreadOptions{Decimals: 4, RadiusMeters: 30}
}

type spreadKey struct {
	lat, lon float64
}

// Spread returns a copy of points with display coordinates assigned. Points
// that share a rounded coordinate with others are placed on a regular polygon
// of opts.RadiusMeters around their own position; lone points are untouched.
// Output order matches input order.
func Spread(points []DisplayPoint, opts SpreadOptions) []DisplayPoint {
	out := make([]DisplayPoint, len(points))
	copy(out, points)

	buckets := make(map[spreadKey][]int)
	var order []spreadKey
	for i := range out {
		out[i].DispLat = out[i].Lat
		out[i].DispLon = out[i].Lon

		if !(LatLon{Lat: out[i].Lat, Lon: out[i].Lon}).Valid() {
			continue
		}

		key := spreadKey{lat: roundTo(out[i].Lat, opts.Decimals), lon: roundTo(out[i].Lon, opts.Decimals)}
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], i)
	}

	for _, key := range order {
		members := buckets[key]
		k := len(members)
		if k < 2 {
			continue
		}

		var sumLat float64
		for _, idx := range members {
			sumLat += out[idx].Lat
		}
		dLat, dLon := offsetDegrees(opts.RadiusMeters, sumLat/float64(k))

		for n, idx := range members {
			angle := 2 * math.Pi * float64(n) / float64(k)
			out[idx].DispLat = out[idx].Lat + dLat*math.Sin(angle)
			out[idx].DispLon = out[idx].Lon + dLon*math.Cos(angle)
		}
	}

	return out
}
