package main

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// TrackOptions controls how a day's raw pings are turned into a track
type TrackOptions struct {
	// MaxAccuracy drops pings whose reported horizontal error (meters) is worse.
	// Zero or negative disables the filter. Pings without an accuracy are kept.
	MaxAccuracy float64 `yaml:"max_accuracy"`
	// SampleSeconds keeps a ping only if it is at least this far after the
	// previously kept one.
	SampleSeconds int `yaml:"sample_seconds"`

	Stop StopOptions `yaml:",inline"`
}

// DefaultTrackOptions mirrors the console defaults
func DefaultTrackOptions() TrackOptions {
	return TrackOptions{
		MaxAccuracy:   100,
		SampleSeconds: 30,
		Stop:          DefaultStopOptions(),
	}
}

// TrackPoint is a retained ping in a day track
type TrackPoint struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	TS  time.Time `json:"ts"`
	Acc *float64  `json:"acc,omitempty"`
}

// TrackStats summarises one day. Pings counts raw pings before filtering.
type TrackStats struct {
	First      *time.Time `json:"first"`
	Last       *time.Time `json:"last"`
	Pings      int        `json:"pings"`
	DistanceKm float64    `json:"distanceKm"`
}

// TrackDay is one DSE's movement over one calendar day
type TrackDay struct {
	Date         string       `json:"date"`
	Coords       [][2]float64 `json:"coords"`
	Points       []TrackPoint `json:"points"`
	Stats        TrackStats   `json:"stats"`
	Stops        []Stop       `json:"stops"`
	StartAddress string       `json:"startAddress,omitempty"`
	EndAddress   string       `json:"endAddress,omitempty"`
}

// RangeTrack holds consecutive TrackDays for a date range
type RangeTrack struct {
	From            string     `json:"from"`
	To              string     `json:"to"`
	Days            []TrackDay `json:"days"`
	TotalDistanceKm float64    `json:"totalDistanceKm"`
}

// DateRange is a half-open interval [From, To) of calendar days
type DateRange struct {
	From time.Time
	To   time.Time
}

// Days returns the start of every calendar day in the range
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := r.From; d.Before(r.To); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether ts falls inside the range
func (r DateRange) Contains(ts time.Time) bool {
	return !ts.Before(r.From) && ts.Before(r.To)
}

// LastDay returns the final day covered by the range, for display
func (r DateRange) LastDay() time.Time {
	return r.To.AddDate(0, 0, -1)
}

// startOfDay truncates t to midnight in loc
func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// GroupByDay splits pings into calendar days in loc. Each day's pings are
// sorted by timestamp.
func GroupByDay(pings []Ping, loc *time.Location) map[string][]Ping {
	days := make(map[string][]Ping)
	for _, p := range pings {
		key := p.TS.In(loc).Format(dateLayout)
		days[key] = append(days[key], p)
	}
	for _, day := range days {
		sortPings(day)
	}
	return days
}

func sortPings(pings []Ping) {
	sort.SliceStable(pings, func(i, j int) bool {
		return pings[i].TS.Before(pings[j].TS)
	})
}

// FilterPings applies the accuracy filter and time down-sampling to pings
// already sorted by time. Pings with unusable coordinates are dropped.
func FilterPings(pings []Ping, opts TrackOptions) []Ping {
	out := make([]Ping, 0, len(pings))
	gap := time.Duration(opts.SampleSeconds) * time.Second

	var lastKept time.Time
	for _, p := range pings {
		if !p.Coord().Valid() {
			continue
		}
		if opts.MaxAccuracy > 0 && p.Accuracy != nil && *p.Accuracy > opts.MaxAccuracy {
			continue
		}
		if len(out) > 0 && p.TS.Sub(lastKept) < gap {
			continue
		}
		out = append(out, p)
		lastKept = p.TS
	}
	return out
}

// BuildTrackDay derives the track for one DSE-day from its raw pings
func BuildTrackDay(date string, pings []Ping, opts TrackOptions) TrackDay {
	raw := make([]Ping, len(pings))
	copy(raw, pings)
	sortPings(raw)

	day := TrackDay{
		Date:   date,
		Coords: [][2]float64{},
		Points: []TrackPoint{},
		Stops:  []Stop{},
		Stats:  TrackStats{Pings: len(raw)},
	}
	if len(raw) == 0 {
		return day
	}

	first, last := raw[0].TS, raw[len(raw)-1].TS
	day.Stats.First = &first
	day.Stats.Last = &last

	kept := FilterPings(raw, opts)
	coords := make([]LatLon, 0, len(kept))
	for _, p := range kept {
		coords = append(coords, p.Coord())
		day.Coords = append(day.Coords, [2]float64{p.Lat, p.Lon})
		day.Points = append(day.Points, TrackPoint{Lat: p.Lat, Lon: p.Lon, TS: p.TS, Acc: p.Accuracy})
	}

	day.Stats.DistanceKm = pathDistanceMeters(coords) / 1000
	if stops := DetectStops(kept, opts.Stop); stops != nil {
		day.Stops = stops
	}

	return day
}

// BuildRange builds one TrackDay for every calendar day in rng, including days
// without pings, and rolls up the total distance.
func BuildRange(pings []Ping, rng DateRange, loc *time.Location, opts TrackOptions) RangeTrack {
	inRange := make([]Ping, 0, len(pings))
	for _, p := range pings {
		if rng.Contains(p.TS) {
			inRange = append(inRange, p)
		}
	}
	byDay := GroupByDay(inRange, loc)

	result := RangeTrack{
		From: rng.From.Format(dateLayout),
		To:   rng.LastDay().Format(dateLayout),
		Days: []TrackDay{},
	}
	for _, d := range rng.Days() {
		key := d.Format(dateLayout)
		day := BuildTrackDay(key, byDay[key], opts)
		result.Days = append(result.Days, day)
		result.TotalDistanceKm += day.Stats.DistanceKm
	}

	return result
}
