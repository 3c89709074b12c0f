package util

import (
	"strconv"
	"time"
)

// ParseTime tries RFC3339, RFC3339Nano, a plain date and unix seconds.
// Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// AlignFromTo rounds the time range down to boundaries of the window.
func AlignFromTo(from, to time.Time, window time.Duration) (time.Time, time.Time) {
	if window <= 0 {
		window = time.Minute
	}
	return from.Truncate(window), to.Truncate(window)
}

// FloorMs returns the start of the window of size windowMs that contains tsMs.
// Rounds toward negative infinity so pre-epoch timestamps land in the right window.
func FloorMs(tsMs, windowMs int64) int64 {
	q := tsMs / windowMs
	if tsMs%windowMs != 0 && tsMs < 0 {
		q--
	}
	return q * windowMs
}
