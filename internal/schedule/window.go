package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

const (
	FormatUnix    = "unix"
	FormatSeconds = "seconds"

	// maxMerge bounds the walk over overlapping occurrences. A schedule firing
	// more often than its duration is open for good; the walk stops there and
	// the next resync picks it up again.
	maxMerge = 1024
)

var (
	unixParser    = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	secondsParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Window is one parsed schedule: opens at every fire, stays open for duration.
type Window struct {
	def      domain.Schedule
	sched    cron.Schedule
	loc      *time.Location
	duration time.Duration
}

// Parse validates a schedule definition. Every failure is a *domain.ConfigError.
func Parse(def domain.Schedule) (*Window, error) {
	sched, err := parseExpr(def.Expression, def.Format)
	if err != nil {
		return nil, &domain.ConfigError{Field: "schedule.expression", Err: err}
	}

	loc, err := ParseTimezone(def.Timezone)
	if err != nil {
		return nil, &domain.ConfigError{Field: "schedule.timezone", Err: err}
	}

	if def.Duration <= 0 {
		return nil, domain.NewConfigError("", "schedule.duration", "must be > 0, got %v", def.Duration)
	}

	return &Window{def: def, sched: sched, loc: loc, duration: def.Duration}, nil
}

func parseExpr(expr, format string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatUnix:
		return unixParser.Parse(expr)
	case FormatSeconds:
		return secondsParser.Parse(expr)
	default:
		return nil, fmt.Errorf("unknown cron format %q", format)
	}
}

// Definition returns the schedule the window was parsed from.
func (w *Window) Definition() domain.Schedule { return w.def }

// next returns the first fire strictly after t, zero if none.
func (w *Window) next(t time.Time) time.Time {
	return w.sched.Next(t.In(w.loc))
}

// Evaluate reports whether now is inside the window and when that changes.
// next is zero when the state never changes again.
func (w *Window) Evaluate(now time.Time) (inside bool, next time.Time) {
	first := w.next(now.Add(-w.duration))
	if first.IsZero() {
		return false, time.Time{}
	}
	if first.After(now) {
		return false, first
	}

	end := first.Add(w.duration)
	fire := first
	for i := 0; i < maxMerge; i++ {
		fire = w.next(fire)
		if fire.IsZero() || fire.After(end) {
			break
		}
		end = fire.Add(w.duration)
	}
	return true, end
}

// NextFireAfter returns the first fire of expr (5-field unix format) in the
// given time zone strictly after now. Failures are *domain.ConfigError.
func NextFireAfter(expr, tz string, now time.Time) (time.Time, error) {
	sched, err := parseExpr(expr, FormatUnix)
	if err != nil {
		return time.Time{}, &domain.ConfigError{Field: "schedule.expression", Err: err}
	}
	loc, err := ParseTimezone(tz)
	if err != nil {
		return time.Time{}, &domain.ConfigError{Field: "schedule.timezone", Err: err}
	}
	return sched.Next(now.In(loc)), nil
}

// Evaluate combines several windows: inside if any is inside. next is the
// earliest instant at which the combined state may change.
func Evaluate(windows []*Window, now time.Time) (inside bool, next time.Time) {
	for _, w := range windows {
		in, n := w.Evaluate(now)
		if in {
			inside = true
		}
		if !n.IsZero() && (next.IsZero() || n.Before(next)) {
			next = n
		}
	}
	return inside, next
}
