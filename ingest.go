package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PingPayload is one ping as posted by a device or the field app. Several
// spellings of the owner and accuracy fields are accepted.
type PingPayload struct {
	ID       string          `json:"_id,omitempty"`
	User     string          `json:"user,omitempty"`
	OwnerID  string          `json:"ownerId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Lat      *float64        `json:"lat"`
	Lon      *float64        `json:"lon"`
	TS       json.RawMessage `json:"ts,omitempty"`
	Acc      *float64        `json:"acc,omitempty"`
	Accuracy *float64        `json:"accuracy,omitempty"`
	Speed    *float64        `json:"speed,omitempty"` // m/s
}

func (p PingPayload) owner() string {
	for _, v := range []string{p.User, p.OwnerID, p.UserID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// pingBatch is the envelope form of a batch upload
type pingBatch struct {
	Pings []PingPayload `json:"pings"`
}

// ImportStats tracks the outcome of an ingest request
type ImportStats struct {
	Total    int      `json:"total"`
	Parsed   int      `json:"parsed"`
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Errors   int      `json:"errors"`
	Messages []string `json:"messages,omitempty"`
}

// maxErrorMessages caps how many per-ping errors are echoed back to the client
const maxErrorMessages = 10

// ParsePingBatch decodes a single ping object, a bare array of pings, or a
// {"pings": [...]} envelope.
func ParsePingBatch(r io.Reader) ([]PingPayload, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	switch body[0] {
	case '[':
		var pings []PingPayload
		if err := json.Unmarshal(body, &pings); err != nil {
			return nil, fmt.Errorf("failed to parse ping array: %w", err)
		}
		return pings, nil
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, fmt.Errorf("failed to parse ping JSON: %w", err)
		}
		if _, ok := probe["pings"]; ok {
			var batch pingBatch
			if err := json.Unmarshal(body, &batch); err != nil {
				return nil, fmt.Errorf("failed to parse ping batch: %w", err)
			}
			return batch.Pings, nil
		}
		var single PingPayload
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("failed to parse ping: %w", err)
		}
		return []PingPayload{single}, nil
	}
	return nil, fmt.Errorf("expected a JSON object or array")
}

// ParseTimestamp accepts ISO-8601 strings and epoch numbers. Epoch values
// above 1e12 are taken as milliseconds, anything smaller as seconds. Strings
// without a zone offset are local time in loc (UTC when loc is nil).
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-07:00", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// ExtractPings validates payloads and converts them to Pings. Invalid
// payloads are reported individually and skipped. Payloads without a
// timestamp are stamped with now; payloads without an owner get defaultOwner.
// Timestamps without an offset are read in loc.
func ExtractPings(payloads []PingPayload, defaultOwner string, now time.Time, loc *time.Location) ([]Ping, []error) {
	var pings []Ping
	var errs []error

	for i, pl := range payloads {
		if pl.Lat == nil || pl.Lon == nil {
			errs = append(errs, fmt.Errorf("ping %d: lat and lon are required", i))
			continue
		}

		coord := LatLon{Lat: *pl.Lat, Lon: *pl.Lon}
		if !coord.Valid() {
			errs = append(errs, fmt.Errorf("ping %d: coordinate out of range", i))
			continue
		}

		owner := pl.owner()
		if owner == "" {
			owner = defaultOwner
		}
		if owner == "" {
			errs = append(errs, fmt.Errorf("ping %d: user is required", i))
			continue
		}

		ts := now.UTC()
		if len(pl.TS) > 0 && string(pl.TS) != "null" {
			t, err := ParseTimestamp(string(pl.TS), loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("ping %d: %w", i, err))
				continue
			}
			ts = t
		}

		acc := pl.Acc
		if acc == nil {
			acc = pl.Accuracy
		}

		id := pl.ID
		if id == "" {
			id = uuid.New().String()
		}

		pings = append(pings, Ping{
			ID:       id,
			OwnerID:  owner,
			Lat:      coord.Lat,
			Lon:      coord.Lon,
			TS:       ts,
			Accuracy: acc,
			Speed:    pl.Speed,
		})
	}

	return pings, errs
}

// OwnTracksPayload is the OwnTracks HTTP mode location message
type OwnTracksPayload struct {
	Type      string   `json:"_type"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Timestamp int64    `json:"tst"`
	TrackerID string   `json:"tid"`
	Accuracy  *float64 `json:"acc,omitempty"` // meters
	Velocity  *float64 `json:"vel,omitempty"` // km/h
}

// Ping converts an OwnTracks location into a Ping for owner. A message
// without tst is stamped with now.
func (p OwnTracksPayload) Ping(owner string, now time.Time) Ping {
	var speed *float64
	if p.Velocity != nil {
		// km/h to m/s
		mps := *p.Velocity / 3.6
		speed = &mps
	}
	ts := now.UTC()
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0).UTC()
	}
	return Ping{
		ID:       uuid.New().String(),
		OwnerID:  owner,
		Lat:      p.Lat,
		Lon:      p.Lon,
		TS:       ts,
		Accuracy: p.Accuracy,
		Speed:    speed,
	}
}
