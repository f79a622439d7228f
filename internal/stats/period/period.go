// Package period computes the time window that contains a message for each
// aggregation granularity.
package period

import (
	"time"

	"github.com/tallyd/tallyd/internal/stats/models"
)

// Bounds returns the inclusive [start, end] window of the given period that
// contains t. Ends sit one millisecond before the start of the next window.
// Daily windows follow loc; every other granularity is computed in UTC so
// that its buckets are comparable across users. The all-time period has no
// window and returns nil for both bounds.
func Bounds(p models.Period, t time.Time, loc *time.Location) (*time.Time, *time.Time) {
	if p == models.PeriodAllTime {
		return nil, nil
	}

	var start time.Time
	switch p {
	case models.PeriodHourly:
		u := t.UTC()
		start = time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
	case models.PeriodDaily:
		l := t.In(loc)
		start = time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
	case models.PeriodWeekly:
		u := t.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		// ISO weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
	case models.PeriodMonthly:
		u := t.UTC()
		start = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	case models.PeriodYearly:
		u := t.UTC()
		start = time.Date(u.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return nil, nil
	}

	end := nextStart(p, start).Add(-time.Millisecond)
	return &start, &end
}

func nextStart(p models.Period, start time.Time) time.Time {
	switch p {
	case models.PeriodHourly:
		return start.Add(time.Hour)
	case models.PeriodDaily:
		return start.AddDate(0, 0, 1)
	case models.PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case models.PeriodMonthly:
		return start.AddDate(0, 1, 0)
	case models.PeriodYearly:
		return start.AddDate(1, 0, 0)
	}
	return start
}

// Resolve parses an IANA timezone name, falling back to UTC when the name is
// empty or unknown. Uploads never fail on a bad timezone.
func Resolve(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
