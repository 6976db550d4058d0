package utils

import (
	"fmt"
	"time"
)

// ParseClock parses an "HH:MM" clock value into minutes since midnight.
func ParseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// MinutesIntoDay returns how far into its day the timestamp is, in minutes.
func MinutesIntoDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
