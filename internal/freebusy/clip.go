package freebusy

import (
	"time"

	"cloud.google.com/go/civil"

	"freebusy/internal/models"
)

// DayBounds returns the first and the last instant of day in loc.
// On DST transition days the span is 23 or 25 hours.
func DayBounds(day civil.Date, loc *time.Location) (time.Time, time.Time) {
	start := day.In(loc)
	next := day.AddDays(1).In(loc)
	return start, next.Add(-time.Nanosecond)
}

// Clip returns the part of [start, end] that falls on day once both are
// expressed in loc. The second result is false when there is no overlap.
//
// A range that ends exactly at the day's midnight produces a zero-width
// interval at 00:00; callers filter those out at presentation time.
func Clip(day civil.Date, start, end time.Time, loc *time.Location) (models.Interval, bool) {
	dayStart, dayEnd := DayBounds(day, loc)

	latestStart := start.In(loc)
	if latestStart.Before(dayStart) {
		latestStart = dayStart
	}
	earliestEnd := end.In(loc)
	if earliestEnd.After(dayEnd) {
		earliestEnd = dayEnd
	}

	if earliestEnd.Before(latestStart) {
		return models.Interval{}, false
	}
	return models.Interval{
		Start: models.ClockTimeOf(latestStart),
		End:   models.ClockTimeOf(earliestEnd),
	}, true
}

// ClipRanges clips every range to day in loc and drops those without overlap.
func ClipRanges(day civil.Date, ranges []models.AbsoluteRange, loc *time.Location) []models.Interval {
	var out []models.Interval
	for _, r := range ranges {
		if iv, ok := Clip(day, r.Start, r.End, loc); ok {
			out = append(out, iv)
		}
	}
	return out
}
