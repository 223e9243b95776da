package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var offsetRe = regexp.MustCompile(`^([+-])(\d{1,2})(?::?(\d{2}))?$`)

// ParseTimezone accepts an IANA name ("Europe/Istanbul"), "UTC", a UTC offset
// ("UTC+3", "UTC-05:30") or a bare offset ("+03:00"). Empty means UTC.
func ParseTimezone(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") || strings.EqualFold(tz, "Z") {
		return time.UTC, nil
	}

	upper := strings.ToUpper(tz)
	if strings.HasPrefix(upper, "UTC") || strings.HasPrefix(upper, "GMT") {
		return parseOffset(tz, tz[3:])
	}
	if tz[0] == '+' || tz[0] == '-' {
		return parseOffset(tz, tz)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", tz, err)
	}
	return loc, nil
}

func parseOffset(name, raw string) (*time.Location, error) {
	m := offsetRe.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("invalid time zone offset %q", name)
	}

	hours, _ := strconv.Atoi(m[2])
	minutes := 0
	if m[3] != "" {
		minutes, _ = strconv.Atoi(m[3])
	}
	if hours > 18 || minutes > 59 {
		return nil, fmt.Errorf("time zone offset %q out of range", name)
	}

	secs := hours*3600 + minutes*60
	if m[1] == "-" {
		secs = -secs
	}
	return time.FixedZone(name, secs), nil
}
