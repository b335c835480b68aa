package main

import (
	"time"
)

// Status is the liveness class of a DSE derived from the age of their last ping
type Status string

const (
	StatusOnline         Status = "online"
	StatusRecentlyActive Status = "recently_active"
	StatusInactive       Status = "inactive"
)

// ParseStatus accepts the wire names plus a few spellings used by the console
// filters. ok is false for anything else.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "online", "Online":
		return StatusOnline, true
	case "recently_active", "recent", "RecentlyActive", "Recently Active":
		return StatusRecentlyActive, true
	case "inactive", "Inactive":
		return StatusInactive, true
	}
	return "", false
}

// StatusThresholds bound each status class. A ping at most OnlineWithin old is
// online, at most RecentWithin old is recently active, anything older inactive.
type StatusThresholds struct {
	OnlineWithin time.Duration `yaml:"online_within"`
	RecentWithin time.Duration `yaml:"recent_within"`
}

// DefaultStatusThresholds returns the business defaults (5 and 30 minutes)
func DefaultStatusThresholds() StatusThresholds {
	return StatusThresholds{
		OnlineWithin: 5 * time.Minute,
		RecentWithin: 30 * time.Minute,
	}
}

// Classifier maps last-ping timestamps to a Status. It holds no state between
// calls, so a DSE hovering around a threshold may flip on every refresh.
type Classifier struct {
	Thresholds StatusThresholds
	Clock      Clock
}

// NewClassifier creates a classifier reading time from clock
func NewClassifier(thresholds StatusThresholds, clock Clock) *Classifier {
	if clock == nil {
		clock = SystemClock
	}
	return &Classifier{Thresholds: thresholds, Clock: clock}
}

// Classify returns the status for a DSE whose last ping was at ts
func (c *Classifier) Classify(ts time.Time) Status {
	minutes := MinutesSince(c.Clock.Now(), ts)

	switch {
	case minutes <= int(c.Thresholds.OnlineWithin/time.Minute):
		return StatusOnline
	case minutes <= int(c.Thresholds.RecentWithin/time.Minute):
		return StatusRecentlyActive
	default:
		return StatusInactive
	}
}

// Since returns the humanized age of ts
func (c *Classifier) Since(ts time.Time) string {
	return HumanizeSince(MinutesSince(c.Clock.Now(), ts))
}
