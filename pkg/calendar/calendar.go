// Package calendar evaluates 5-field calendar expressions
// (minute hour day-of-month month day-of-week) under named time zones.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// Engine parses calendar expressions and computes firing instants.
type Engine struct {
	parser cron.Parser
}

// New returns an engine for the standard 5-field format. Descriptors
// (@hourly etc.) and seconds fields are rejected.
func New() *Engine {
	return &Engine{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Validate checks a calendar expression, naming the offending field when the
// parse fails.
func (e *Engine) Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("calendar expression %q: expected 5 fields, got %d", expr, len(fields))
	}
	if _, err := e.parser.Parse(expr); err == nil {
		return nil
	}
	// Re-parse with each field wildcarded to find the one that breaks.
	for i := range fields {
		probe := make([]string, len(fields))
		copy(probe, fields)
		probe[i] = "*"
		if _, err := e.parser.Parse(strings.Join(probe, " ")); err == nil {
			return fmt.Errorf("calendar expression %q: bad %s field %q", expr, fieldNames[i], fields[i])
		}
	}
	_, err := e.parser.Parse(expr)
	return fmt.Errorf("calendar expression %q: %v", expr, err)
}

// Next returns the earliest instant strictly after the reference whose
// wall-clock fields in the zone match the expression. DST gaps roll forward
// to the next valid match; ambiguous repeats fire on the first occurrence.
func (e *Engine) Next(expr, zone string, after time.Time) (time.Time, error) {
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar expression %q: %v", expr, err)
	}
	loc := time.UTC
	if zone != "" {
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return time.Time{}, fmt.Errorf("time zone %q: %v", zone, err)
		}
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("calendar expression %q: no future activation", expr)
	}
	return next, nil
}
