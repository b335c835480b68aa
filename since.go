package main

import (
	"fmt"
	"time"
)

// Clock supplies the current time. Status and "time since" computations take a
// Clock so tests can pin the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}

// MinutesSince returns whole minutes elapsed between ts and now. A timestamp
// slightly in the future (device clock skew) yields zero.
func MinutesSince(now, ts time.Time) int {
	d := now.Sub(ts)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// HumanizeSince renders an elapsed minute count the way the console shows it
func HumanizeSince(minutes int) string {
	const (
		hour = 60
		day  = 24 * hour
	)

	switch {
	case minutes < 1:
		return "just now"
	case minutes < hour:
		return fmt.Sprintf("%dm ago", minutes)
	case minutes < day:
		h, m := minutes/hour, minutes%hour
		if m == 0 {
			return fmt.Sprintf("%dh ago", h)
		}
		return fmt.Sprintf("%dh %dm ago", h, m)
	default:
		d, h := minutes/day, (minutes%day)/hour
		if h == 0 {
			return fmt.Sprintf("%dd ago", d)
		}
		return fmt.Sprintf("%dd %dh ago", d, h)
	}
}
