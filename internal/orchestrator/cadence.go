package orchestrator

import (
	"fmt"
	"time"
)

// Cadence decides when a job runs.
type Cadence interface {
	// Next returns the first run time strictly after after.
	Next(after time.Time) time.Time
	// Missed reports whether a run that should have happened by now is
	// missing, given the time of the last completed run.
	Missed(last *time.Time, now time.Time) bool
}

type every struct {
	d time.Duration
}

// Every runs at a fixed interval.
func Every(d time.Duration) Cadence {
	return every{d: d}
}

func (e every) Next(after time.Time) time.Time {
	return after.Add(e.d)
}

func (e every) Missed(last *time.Time, now time.Time) bool {
	return last == nil || !last.Add(e.d).After(now)
}

type daily struct {
	hour, minute int
	loc          *time.Location
}

// DailyAt runs once a day at clock ("HH:MM") in loc.
func DailyAt(clock string, loc *time.Location) (Cadence, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return nil, fmt.Errorf("invalid daily time %q: %w", clock, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return daily{hour: t.Hour(), minute: t.Minute(), loc: loc}, nil
}

func (d daily) slot(day time.Time) time.Time {
	day = day.In(d.loc)
	return time.Date(day.Year(), day.Month(), day.Day(), d.hour, d.minute, 0, 0, d.loc)
}

func (d daily) Next(after time.Time) time.Time {
	next := d.slot(after)
	if !next.After(after) {
		next = d.slot(next.AddDate(0, 0, 1))
	}
	return next
}

func (d daily) Missed(last *time.Time, now time.Time) bool {
	prev := d.slot(now)
	if prev.After(now) {
		prev = d.slot(prev.AddDate(0, 0, -1))
	}
	return last == nil || last.Before(prev)
}
