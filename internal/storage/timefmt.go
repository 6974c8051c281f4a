package storage

import (
	"fmt"
	"time"
)

// TimeLayout is the canonical timestamp encoding for the sqlite and file
// backends. Unlike RFC3339Nano it keeps a fixed-width 9 digit fraction and
// every value is normalized to UTC, so encoded strings compare
// lexicographically in chronological order. SQL queries rely on that for
// lease expiry comparisons.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime encodes t using TimeLayout in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a TimeLayout string. It also accepts plain RFC3339Nano
// values so data written by hand or by older builds still loads.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatTimePtr encodes an optional timestamp, returning "" for nil.
func FormatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

// ParseTimePtr decodes an optional timestamp, returning nil for "".
func ParseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
