package stats

import (
	"fmt"
	"time"
)

// Period names a calendar window for aggregation.
type Period string

const (
	PeriodDay        Period = "day"
	PeriodWeek       Period = "week"
	PeriodMonth      Period = "month"
	PeriodLast7Days  Period = "last_7_days"
	PeriodLast30Days Period = "last_30_days"
	PeriodLast90Days Period = "last_90_days"
)

// Boundaries is an inclusive window and its bucket resolution.
type Boundaries struct {
	From       time.Time
	To         time.Time
	Resolution time.Duration
}

type periodSpec struct {
	resolution  time.Duration
	rollingDays int
}

var periods = map[Period]periodSpec{
	PeriodDay:        {resolution: time.Hour},
	PeriodWeek:       {resolution: 4 * time.Hour},
	PeriodMonth:      {resolution: 24 * time.Hour},
	PeriodLast7Days:  {resolution: time.Hour, rollingDays: 7},
	PeriodLast30Days: {resolution: 2 * time.Hour, rollingDays: 30},
	PeriodLast90Days: {resolution: 2 * time.Hour, rollingDays: 90},
}

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	if _, ok := periods[p]; !ok {
		return "", fmt.Errorf("unknown period %q", s)
	}
	return p, nil
}

// PeriodBoundaries returns the calendar-aligned window of p around from.
// Boundaries are computed in UTC whatever from's location, so every day is
// exactly 24h long. Weeks start on Monday. Rolling periods end at the end
// of from's day.
func PeriodBoundaries(p Period, from time.Time) (Boundaries, error) {
	spec, ok := periods[p]
	if !ok {
		return Boundaries{}, fmt.Errorf("unknown period %q", p)
	}
	from = from.UTC()

	day := startOfDay(from)
	var start, end time.Time
	switch p {
	case PeriodDay:
		start, end = day, day.AddDate(0, 0, 1)
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 7)
	case PeriodMonth:
		start = time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location())
		end = start.AddDate(0, 1, 0)
	default:
		start = from.AddDate(0, 0, -spec.rollingDays)
		end = day.AddDate(0, 0, 1)
	}

	return Boundaries{
		From:       start,
		To:         end.Add(-time.Millisecond),
		Resolution: spec.resolution,
	}, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Interval is an inclusive sub-window.
type Interval struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.From) && !t.After(i.To)
}

// DateIntervals tiles [from, to] with consecutive windows
// [start, start+interval-1ms]. There are ceil((to-from)/interval) windows;
// the last one ends at to. Nil when the range is empty or interval is not
// positive.
func DateIntervals(from, to time.Time, interval time.Duration) []Interval {
	if interval <= 0 || !to.After(from) {
		return nil
	}
	span := to.Sub(from)
	count := int(span / interval)
	if span%interval != 0 {
		count++
	}

	out := make([]Interval, count)
	for i := range out {
		start := from.Add(time.Duration(i) * interval)
		end := start.Add(interval - time.Millisecond)
		if end.After(to) {
			end = to
		}
		out[i] = Interval{From: start, To: end}
	}
	return out
}
