// Package timeparse resolves the scheduling time strings accepted by every
// ingress surface into absolute UTC instants.
//
// Supported forms: "now", "in N minutes/hours/days", and ISO-8601 timestamps.
// Natural language beyond these is rejected.
package timeparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupported is the single diagnostic returned for any string outside the
// supported grammar.
var ErrUnsupported = fmt.Errorf(
	"unsupported time format: use 'now', 'in N minutes/hours/days', or an ISO-8601 timestamp")

var units = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// Resolve parses s relative to now and returns an absolute UTC instant.
func Resolve(s string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)

	if lower == "now" {
		return now.UTC(), nil
	}

	if strings.HasPrefix(lower, "in ") {
		return resolveRelative(lower[len("in "):], now)
	}

	if strings.Contains(strings.ToUpper(trimmed), "T") || strings.HasSuffix(strings.ToUpper(trimmed), "Z") {
		return resolveISO(trimmed)
	}

	return time.Time{}, ErrUnsupported
}

func resolveRelative(rest string, now time.Time) (time.Time, error) {
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return time.Time{}, ErrUnsupported
	}

	count, err := strconv.Atoi(parts[0])
	if err != nil || count < 0 {
		return time.Time{}, ErrUnsupported
	}

	unit, ok := units[strings.TrimSuffix(parts[1], "s")]
	if !ok {
		return time.Time{}, ErrUnsupported
	}

	return now.UTC().Add(time.Duration(count) * unit), nil
}

func resolveISO(s string) (time.Time, error) {
	// A trailing lowercase zone designator is accepted; a trailing Z is
	// equivalent to +00:00.
	if strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "Z"
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999", // naive, interpreted as UTC
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrUnsupported
}
