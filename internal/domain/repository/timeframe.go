package repository

import (
	"fmt"
	"time"
)

// TimeframeOf names a window size the way candle tables are suffixed ("1m", "5m", "1h").
func TimeframeOf(window time.Duration) Timeframe {
	switch {
	case window <= 0:
		return ""
	case window%time.Hour == 0:
		return Timeframe(fmt.Sprintf("%dh", window/time.Hour))
	case window%time.Minute == 0:
		return Timeframe(fmt.Sprintf("%dm", window/time.Minute))
	case window%time.Second == 0:
		return Timeframe(fmt.Sprintf("%ds", window/time.Second))
	default:
		return Timeframe(fmt.Sprintf("%dms", window/time.Millisecond))
	}
}

// Duration parses a timeframe back into a window size.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, err := time.ParseDuration(string(tf))
	if err != nil {
		return 0, fmt.Errorf("timeframe %q: %w", tf, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeframe %q: must be positive", tf)
	}
	return d, nil
}

// IsValid returns true if tf parses to a positive window.
func (tf Timeframe) IsValid() bool {
	_, err := tf.Duration()
	return err == nil
}

// NormalizeTimeframe converts raw string to a valid timeframe (or def).
func NormalizeTimeframe(s string, def Timeframe) Timeframe {
	if s == "" {
		return def
	}
	tf := Timeframe(s)
	if tf.IsValid() {
		return tf
	}
	return def
}
