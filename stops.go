package main

import (
	"time"
)

// Stop is an interval during which a DSE stayed within a small radius
type Stop struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	DurationMin int       `json:"durationMin"`
	PointCount  int       `json:"pointCount"`
	Address     string    `json:"address,omitempty"`
}

// StopOptions tunes stop detection. Neither value is authoritative; both come
// from configuration.
type StopOptions struct {
	RadiusMeters float64       `yaml:"stop_radius_meters"`
	MinDuration  time.Duration `yaml:"stop_min_duration"`
}

// DefaultStopOptions returns a 100 m radius and a 10 minute minimum duration
func DefaultStopOptions() StopOptions {
	return StopOptions{
		RadiusMeters: 100,
		MinDuration:  10 * time.Minute,
	}
}

// DetectStops scans one DSE's time-ordered pings for a single day and returns
// the stationary intervals longer than opts.MinDuration.
//
// A window is anchored at a ping and grows while each following ping stays
// within opts.RadiusMeters of the anchor. When the window breaks (or the pings
// run out) it becomes a stop if it spans at least MinDuration, and scanning
// resumes at the breaking ping. Otherwise the anchor moves forward by one.
// Pings with unusable coordinates are ignored.
func DetectStops(points []Ping, opts StopOptions) []Stop {
	valid := make([]Ping, 0, len(points))
	for _, p := range points {
		if p.Coord().Valid() {
			valid = append(valid, p)
		}
	}
	if len(valid) < 2 {
		return nil
	}

	var stops []Stop
	i := 0
	for i < len(valid) {
		anchor := valid[i].Coord()

		j := i + 1
		for j < len(valid) && DistanceMeters(anchor, valid[j].Coord()) < opts.RadiusMeters {
			j++
		}

		span := valid[j-1].TS.Sub(valid[i].TS)
		if j-i >= 2 && span >= opts.MinDuration {
			stops = append(stops, newStop(valid[i:j]))
			i = j
			continue
		}
		i++
	}

	return stops
}

// newStop summarises a window of pings; the coordinate is the window centroid
func newStop(window []Ping) Stop {
	var sumLat, sumLon float64
	for _, p := range window {
		sumLat += p.Lat
		sumLon += p.Lon
	}
	n := float64(len(window))

	start := window[0].TS
	end := window[len(window)-1].TS

	return Stop{
		Lat:         sumLat / n,
		Lon:         sumLon / n,
		Start:       start,
		End:         end,
		DurationMin: int(end.Sub(start) / time.Minute),
		PointCount:  len(window),
	}
}
