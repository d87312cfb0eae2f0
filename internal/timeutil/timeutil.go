// Package timeutil holds small time helpers shared across tgwatch.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var sinceRe = regexp.MustCompile(`^(?i)(\d+)([mh])$`)

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// EnsureUTC converts t to UTC. Zero times pass through unchanged.
func EnsureUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// ParseSinceSpec parses a window spec like "10m", "2h", or an RFC 3339
// timestamp, relative to now. The result is always UTC.
func ParseSinceSpec(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty since value")
	}
	if m := sinceRe.FindStringSubmatch(spec); m != nil {
		value, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid since %q: %w", spec, err)
		}
		unit := time.Minute
		if strings.EqualFold(m[2], "h") {
			unit = time.Hour
		}
		return now.UTC().Add(-time.Duration(value) * unit), nil
	}
	t, err := time.Parse(time.RFC3339, spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q, examples: 10m, 2h, 2024-01-01T12:00:00Z", spec)
	}
	return t.UTC(), nil
}

// Humanize renders a duration compactly: "45s", "12m", "2h5m".
func Humanize(d time.Duration) string {
	total := int(d.Seconds())
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	minutes := total / 60
	hours := minutes / 60
	minutes %= 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
