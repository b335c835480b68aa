package main

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Granularity is the bucket size of a report
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
	GranularityYear  Granularity = "year"
)

// ParseGranularity defaults an empty value to day
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(s)); g {
	case "":
		return GranularityDay, nil
	case GranularityDay, GranularityWeek, GranularityMonth, GranularityYear:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// BucketKey labels the bucket that day falls into
func (g Granularity) BucketKey(day time.Time) string {
	switch g {
	case GranularityWeek:
		y, w := day.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case GranularityMonth:
		return day.Format("2006-01")
	case GranularityYear:
		return day.Format("2006")
	default:
		return day.Format(dateLayout)
	}
}

// NormalizeRange turns a UI date selection into a half-open range. from and to
// are inclusive calendar days in loc. Month and year granularity snap to the
// whole calendar month or year containing from, so picking "June 2024" always
// covers exactly June 2024.
func NormalizeRange(g Granularity, from, to time.Time, loc *time.Location) DateRange {
	from = startOfDay(from, loc)
	to = startOfDay(to, loc)
	if to.Before(from) {
		from, to = to, from
	}

	switch g {
	case GranularityMonth:
		start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, loc)
		return DateRange{From: start, To: start.AddDate(0, 1, 0)}
	case GranularityYear:
		start := time.Date(from.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return DateRange{From: start, To: start.AddDate(1, 0, 0)}
	default:
		return DateRange{From: from, To: to.AddDate(0, 0, 1)}
	}
}

// Agent is a DSE profile
type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// SummaryBucket holds one agent's counters over one bucket
type SummaryBucket struct {
	Key        string     `json:"key"`
	First      *time.Time `json:"first"`
	Last       *time.Time `json:"last"`
	Pings      int        `json:"pings"`
	DistanceKm float64    `json:"distanceKm"`
}

// SummaryRow is a SummaryBucket labelled with its agent
type SummaryRow struct {
	OwnerID string `json:"user"`
	Name    string `json:"dseName"`
	Phone   string `json:"dsePhone"`
	SummaryBucket
}

// AttendanceRow is one agent-day
type AttendanceRow struct {
	OwnerID    string     `json:"user"`
	Name       string     `json:"dseName"`
	Phone      string     `json:"dsePhone"`
	Date       string     `json:"date"`
	First      *time.Time `json:"first"`
	Last       *time.Time `json:"last"`
	Pings      int        `json:"pings"`
	DistanceKm float64    `json:"distanceKm"`
	Present    bool       `json:"present"`
}

func (r SummaryRow) searchFields() (string, string) { return r.Name, r.Phone }
func (r AttendanceRow) searchFields() (string, string) { return r.Name, r.Phone }
func (p DisplayPoint) searchFields() (string, string) { return p.Name, p.Phone }
func (a Agent) searchFields() (string, string) { return a.Name, a.Phone }

type searchable interface {
	searchFields() (name, phone string)
}

// FilterRows keeps rows whose name or phone contains query, ignoring case.
// An empty query keeps everything.
func FilterRows[T searchable](rows []T, query string) []T {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return rows
	}

	out := make([]T, 0, len(rows))
	for _, row := range rows {
		name, phone := row.searchFields()
		if strings.Contains(strings.ToLower(name), query) || strings.Contains(strings.ToLower(phone), query) {
			out = append(out, row)
		}
	}
	return out
}

// TotalDistanceKm sums distance over summary rows
func TotalDistanceKm(rows []SummaryRow) float64 {
	var total float64
	for _, r := range rows {
		total += r.DistanceKm
	}
	return total
}

// agentDays builds a TrackDay for every agent and every day in rng. Reports
// roll these up, so a day bucket always agrees with the day track.
func agentDays(pings []Ping, rng DateRange, loc *time.Location, opts TrackOptions) map[string][]TrackDay {
	byOwner := make(map[string][]Ping)
	for _, p := range pings {
		if rng.Contains(p.TS) {
			byOwner[p.OwnerID] = append(byOwner[p.OwnerID], p)
		}
	}

	result := make(map[string][]TrackDay, len(byOwner))
	for owner, ownerPings := range byOwner {
		result[owner] = BuildRange(ownerPings, rng, loc, opts).Days
	}
	return result
}

func agentIndex(agents []Agent) map[string]Agent {
	idx := make(map[string]Agent, len(agents))
	for _, a := range agents {
		idx[a.ID] = a
	}
	return idx
}

func lookupAgent(idx map[string]Agent, id string) Agent {
	if a, ok := idx[id]; ok {
		if a.Name == "" {
			a.Name = id
		}
		return a
	}
	return Agent{ID: id, Name: id}
}

// Summarize rolls pings up into per-agent buckets. Buckets without pings are
// omitted. Rows are ordered by agent name, then bucket key.
func Summarize(pings []Ping, agents []Agent, rng DateRange, g Granularity, loc *time.Location, opts TrackOptions) []SummaryRow {
	idx := agentIndex(agents)
	var rows []SummaryRow

	for owner, days := range agentDays(pings, rng, loc, opts) {
		agent := lookupAgent(idx, owner)
		buckets := make(map[string]*SummaryBucket)
		var keys []string

		for _, day := range days {
			if day.Stats.Pings == 0 {
				continue
			}
			d, err := time.ParseInLocation(dateLayout, day.Date, loc)
			if err != nil {
				continue
			}
			key := g.BucketKey(d)

			b, ok := buckets[key]
			if !ok {
				b = &SummaryBucket{Key: key}
				buckets[key] = b
				keys = append(keys, key)
			}
			b.Pings += day.Stats.Pings
			b.DistanceKm += day.Stats.DistanceKm
			if b.First == nil || day.Stats.First.Before(*b.First) {
				b.First = day.Stats.First
			}
			if b.Last == nil || day.Stats.Last.After(*b.Last) {
				b.Last = day.Stats.Last
			}
		}

		for _, key := range keys {
			rows = append(rows, SummaryRow{
				OwnerID:       owner,
				Name:          agent.Name,
				Phone:         agent.Phone,
				SummaryBucket: *buckets[key],
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		if rows[i].OwnerID != rows[j].OwnerID {
			return rows[i].OwnerID < rows[j].OwnerID
		}
		return rows[i].Key < rows[j].Key
	})

	return rows
}

// Attendance returns one row per agent per day in rng. Every known agent gets
// a row for every day, so absent days show up with Present false.
func Attendance(pings []Ping, agents []Agent, rng DateRange, loc *time.Location, opts TrackOptions) []AttendanceRow {
	idx := agentIndex(agents)
	tracked := agentDays(pings, rng, loc, opts)

	owners := make(map[string]struct{}, len(agents)+len(tracked))
	for _, a := range agents {
		owners[a.ID] = struct{}{}
	}
	for owner := range tracked {
		owners[owner] = struct{}{}
	}

	var rows []AttendanceRow
	for owner := range owners {
		agent := lookupAgent(idx, owner)
		days := tracked[owner]
		if days == nil {
			days = BuildRange(nil, rng, loc, opts).Days
		}

		for _, day := range days {
			rows = append(rows, AttendanceRow{
				OwnerID:    owner,
				Name:       agent.Name,
				Phone:      agent.Phone,
				Date:       day.Date,
				First:      day.Stats.First,
				Last:       day.Stats.Last,
				Pings:      day.Stats.Pings,
				DistanceKm: day.Stats.DistanceKm,
				Present:    day.Stats.Pings > 0,
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date < rows[j].Date
		}
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].OwnerID < rows[j].OwnerID
	})

	return rows
}
